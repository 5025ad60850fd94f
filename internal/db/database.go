package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// RosterEntry is one persisted member of a room. Typing is volatile state
// but is stored alongside online so a mark-offline writes both false.
type RosterEntry struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Typing   bool   `json:"typing,omitempty"`
}

// Room is the durable record: the code snapshot, the roster of everyone
// who has ever joined, and the capacity limit.
type Room struct {
	ID        string
	Code      string
	Name      string
	Users     []RosterEntry
	Limit     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		users TEXT NOT NULL DEFAULT '[]',
		user_limit INTEGER NOT NULL DEFAULT 2,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// FindRoom returns nil (not an error) when the room does not exist.
func (d *Database) FindRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, code, name, users, user_limit, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	var users string
	err := row.Scan(&room.ID, &room.Code, &room.Name, &users, &room.Limit, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(users), &room.Users); err != nil {
		return nil, fmt.Errorf("corrupt roster for room %s: %w", id, err)
	}
	return &room, nil
}

func (d *Database) CreateRoom(id string, roster []RosterEntry, limit int) (*Room, error) {
	if roster == nil {
		roster = []RosterEntry{}
	}
	users, err := json.Marshal(roster)
	if err != nil {
		return nil, err
	}

	_, err = d.db.Exec(
		"INSERT INTO rooms (id, users, user_limit) VALUES (?, ?, ?)",
		id, string(users), limit,
	)
	if err != nil {
		return nil, err
	}
	return d.FindRoom(id)
}

// UpdateRoom persists the mutable fields of a room in one statement.
func (d *Database) UpdateRoom(room *Room) error {
	users, err := json.Marshal(room.Users)
	if err != nil {
		return err
	}

	res, err := d.db.Exec(
		"UPDATE rooms SET code = ?, name = ?, users = ?, user_limit = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		room.Code, room.Name, string(users), room.Limit, room.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("room %s does not exist", room.ID)
	}
	return nil
}

func (d *Database) DeleteRoom(id string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	return stats, nil
}

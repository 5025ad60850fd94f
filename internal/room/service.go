// Package room holds the domain logic for rooms: membership checks
// against the persisted roster, presence reconciliation, and the durable
// code snapshot. It mutates only the store, never the live registry.
package room

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/ws"
)

var (
	ErrRoomNotFound      = errors.New("room does not exist")
	ErrRoomFull          = errors.New("room is full")
	ErrUserAlreadyOnline = errors.New("user already online")
	ErrNoChanges         = errors.New("no changes")
	ErrLimitBelowUsage   = errors.New("new limit is below current room usage")
)

type Service struct {
	database *db.Database
	registry *ws.Registry
}

func NewService(database *db.Database, registry *ws.Registry) *Service {
	return &Service{
		database: database,
		registry: registry,
	}
}

// JoinRoom is the membership gate for a starting session. Username
// matching is case-sensitive exact, everywhere. A roster member always
// gets back in regardless of the limit; a second live session for the
// same name is rejected.
func (s *Service) JoinRoom(roomID, username string) error {
	room, err := s.database.FindRoom(roomID)
	if err != nil {
		return fmt.Errorf("find room %s: %w", roomID, err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	idx := -1
	for i := range room.Users {
		if room.Users[i].Username == username {
			idx = i
			break
		}
	}

	if idx < 0 && len(room.Users) >= room.Limit {
		return ErrRoomFull
	}

	if idx >= 0 {
		if room.Users[idx].Online {
			return ErrUserAlreadyOnline
		}
		room.Users[idx].Online = true
		room.Users[idx].Typing = false
	} else {
		room.Users = append(room.Users, db.RosterEntry{Username: username, Online: true})
	}

	if err := s.database.UpdateRoom(room); err != nil {
		return fmt.Errorf("commit join for %s: %w", roomID, err)
	}
	return nil
}

// MarkOffline flips the persisted roster entry offline. Idempotent and
// best effort: store errors are logged and swallowed because this runs
// during session teardown.
func (s *Service) MarkOffline(roomID, username string) {
	if username == "" {
		return
	}

	room, err := s.database.FindRoom(roomID)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Str("user", username).Msg("failed to load room for mark-offline")
		return
	}
	if room == nil {
		return
	}

	updated := false
	for i := range room.Users {
		if room.Users[i].Username == username && room.Users[i].Online {
			room.Users[i].Online = false
			room.Users[i].Typing = false
			updated = true
			break
		}
	}
	if !updated {
		return
	}

	if err := s.database.UpdateRoom(room); err != nil {
		log.Error().Err(err).Str("room", roomID).Str("user", username).Msg("failed to mark user offline")
	}
}

// ComputePresence merges live connections with the persisted roster:
// live entries first in join order, then roster members without a live
// connection, downgraded to offline. A store failure degrades to the
// live-only view.
func (s *Service) ComputePresence(roomID string) []ws.PresenceEntry {
	live := s.registry.LiveUsers(roomID)

	users := make([]ws.PresenceEntry, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, u := range live {
		users = append(users, u)
		seen[u.Username] = true
	}

	room, err := s.database.FindRoom(roomID)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to load roster, presence is live-only")
		return users
	}
	if room == nil {
		return users
	}

	for _, u := range room.Users {
		if u.Username == "" || seen[u.Username] {
			continue
		}
		seen[u.Username] = true
		users = append(users, ws.PresenceEntry{Username: u.Username, Online: false, Typing: false})
	}
	return users
}

// SnapshotCode returns the durable code snapshot, or "" for an absent
// room. Used for the initial push when the ephemeral cache is empty.
func (s *Service) SnapshotCode(roomID string) (string, error) {
	room, err := s.database.FindRoom(roomID)
	if err != nil {
		return "", fmt.Errorf("find room %s: %w", roomID, err)
	}
	if room == nil {
		return "", nil
	}
	return room.Code, nil
}

// CreateRoom creates a room with the creator already on the roster. When
// roomID is empty a uuid is generated. Returns the room and whether it
// was created by this call (an existing id is returned as-is).
func (s *Service) CreateRoom(roomID, username string, limit int) (*db.Room, bool, error) {
	if roomID == "" {
		roomID = uuid.NewString()
	}

	existing, err := s.database.FindRoom(roomID)
	if err != nil {
		return nil, false, fmt.Errorf("find room %s: %w", roomID, err)
	}
	if existing != nil {
		return existing, false, nil
	}

	roster := []db.RosterEntry{{Username: username, Online: true}}
	room, err := s.database.CreateRoom(roomID, roster, limit)
	if err != nil {
		return nil, false, fmt.Errorf("create room %s: %w", roomID, err)
	}
	return room, true, nil
}

// SaveCode persists the code snapshot, recording who saved it. Saving an
// unchanged buffer (ignoring surrounding whitespace) is ErrNoChanges.
func (s *Service) SaveCode(roomID, username, code string) error {
	room, err := s.database.FindRoom(roomID)
	if err != nil {
		return fmt.Errorf("find room %s: %w", roomID, err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	if strings.TrimSpace(room.Code) == strings.TrimSpace(code) {
		return ErrNoChanges
	}

	room.Code = code
	room.Name = username
	if err := s.database.UpdateRoom(room); err != nil {
		return fmt.Errorf("commit code for %s: %w", roomID, err)
	}
	return nil
}

// UpdateLimit changes the capacity limit. The new limit may not fall
// below the current roster size.
func (s *Service) UpdateLimit(roomID string, newLimit int) (*db.Room, error) {
	room, err := s.database.FindRoom(roomID)
	if err != nil {
		return nil, fmt.Errorf("find room %s: %w", roomID, err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	if newLimit < len(room.Users) {
		return nil, fmt.Errorf("%w: limit %d, members %d", ErrLimitBelowUsage, newLimit, len(room.Users))
	}

	room.Limit = newLimit
	if err := s.database.UpdateRoom(room); err != nil {
		return nil, fmt.Errorf("commit limit for %s: %w", roomID, err)
	}
	return room, nil
}

// FindRoom exposes the durable record for the HTTP layer.
func (s *Service) FindRoom(roomID string) (*db.Room, error) {
	return s.database.FindRoom(roomID)
}

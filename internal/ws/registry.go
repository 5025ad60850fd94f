package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Transport is the write side of a client session. *websocket.Conn
// satisfies it; tests substitute fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live session in a room. The typing flag is guarded by
// the room entry's lock; writes to the transport are serialized by writeMu
// because gorilla allows only one concurrent writer.
type Connection struct {
	transport Transport
	username  string
	typing    bool

	writeMu   sync.Mutex
	writeWait time.Duration
}

// send attempts one write. On failure the transport is closed and false
// is returned so the caller can prune the connection.
func (c *Connection) send(payload []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.transport.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.transport.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.transport.Close()
		return false
	}
	return true
}

func (c *Connection) ping() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.transport.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.transport.WriteMessage(websocket.PingMessage, nil) == nil
}

// roomEntry holds everything the registry owns for one room: the live
// connections in join order, the room lock, and the ephemeral latest code.
// The entry is created on first connect and dropped as a whole when the
// last connection leaves, taking the code cache with it.
type roomEntry struct {
	mu      sync.Mutex
	conns   []*Connection
	code    string
	hasCode bool
}

// Registry owns the live connections of every room. The outer RWMutex
// guards the room map itself, so concurrent first-connects to a new room
// id cannot materialize two divergent entries; the per-room lock guards
// the entry's contents. Lock order is always map lock before entry lock.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry

	writeWait time.Duration
}

func NewRegistry(writeWait time.Duration) *Registry {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &Registry{
		rooms:     make(map[string]*roomEntry),
		writeWait: writeWait,
	}
}

// Connect registers a new connection, creating the room entry if absent.
// The transport must already be accepted (upgraded).
func (r *Registry) Connect(roomID string, t Transport, username string) *Connection {
	c := &Connection{
		transport: t,
		username:  username,
		writeWait: r.writeWait,
	}

	r.mu.Lock()
	entry, ok := r.rooms[roomID]
	if !ok {
		entry = &roomEntry{}
		r.rooms[roomID] = entry
	}
	entry.mu.Lock()
	entry.conns = append(entry.conns, c)
	total := len(entry.conns)
	entry.mu.Unlock()
	r.mu.Unlock()

	log.Info().Str("room", roomID).Str("user", username).Int("total", total).Msg("client joined room")
	return c
}

// Disconnect removes the connection matching the transport and returns it,
// or nil if it was already gone. When the last connection leaves, the
// whole entry (connections, lock, code cache) is dropped in the same
// critical section.
func (r *Registry) Disconnect(roomID string, t Transport) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var removed *Connection
	remaining := entry.conns[:0]
	for _, c := range entry.conns {
		if c.transport == t {
			removed = c
		} else {
			remaining = append(remaining, c)
		}
	}
	entry.conns = remaining

	if len(entry.conns) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("room", roomID).Msg("room closed (empty)")
	}
	return removed
}

// RemoveDead prunes connections whose sends failed. Runs as one critical
// section after a broadcast fan-out completes.
func (r *Registry) RemoveDead(roomID string, dead []*Connection) {
	if len(dead) == 0 {
		return
	}

	isDead := make(map[*Connection]bool, len(dead))
	for _, c := range dead {
		isDead[c] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	remaining := entry.conns[:0]
	for _, c := range entry.conns {
		if !isDead[c] {
			remaining = append(remaining, c)
		}
	}
	entry.conns = remaining

	if len(entry.conns) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("room", roomID).Msg("room closed (all sockets dead)")
	}
}

// SetTyping updates the typing flag of the connection matching the
// transport. Absent rooms or connections are a silent no-op since
// disconnects race with typing events.
func (r *Registry) SetTyping(roomID string, t Transport, typing bool) {
	r.mu.RLock()
	entry, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, c := range entry.conns {
		if c.transport == t {
			c.typing = typing
			return
		}
	}
}

// SetCode overwrites the room's ephemeral latest-code value. No-op when
// the room has no live connections: the cache exists only alongside them.
func (r *Registry) SetCode(roomID, code string) {
	r.mu.RLock()
	entry, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.code = code
	entry.hasCode = true
	entry.mu.Unlock()
}

// GetCode returns the ephemeral latest-code value, if any. Callers fall
// back to the durable snapshot when ok is false.
func (r *Registry) GetCode(roomID string) (string, bool) {
	r.mu.RLock()
	entry, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.code, entry.hasCode
}

// snapshot copies out the room's connection list so sends can happen
// outside the room lock.
func (r *Registry) snapshot(roomID string) []*Connection {
	r.mu.RLock()
	entry, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	conns := make([]*Connection, len(entry.conns))
	copy(conns, entry.conns)
	return conns
}

// LiveUsers returns the online presence rows for a room, in join order,
// de-duplicated by username.
func (r *Registry) LiveUsers(roomID string) []PresenceEntry {
	r.mu.RLock()
	entry, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	seen := make(map[string]bool, len(entry.conns))
	users := make([]PresenceEntry, 0, len(entry.conns))
	for _, c := range entry.conns {
		if seen[c.username] {
			continue
		}
		seen[c.username] = true
		users = append(users, PresenceEntry{
			Username: c.username,
			Online:   true,
			Typing:   c.typing,
		})
	}
	return users
}

// RoomCount returns the number of rooms with live connections.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, entry := range r.rooms {
		entry.mu.Lock()
		total += len(entry.conns)
		entry.mu.Unlock()
	}
	return total
}

// ActiveCodes snapshots the cached code of every live room, for the
// autosave flusher.
func (r *Registry) ActiveCodes() map[string]string {
	r.mu.RLock()
	entries := make(map[string]*roomEntry, len(r.rooms))
	for id, entry := range r.rooms {
		entries[id] = entry
	}
	r.mu.RUnlock()

	codes := make(map[string]string)
	for id, entry := range entries {
		entry.mu.Lock()
		if entry.hasCode {
			codes[id] = entry.code
		}
		entry.mu.Unlock()
	}
	return codes
}

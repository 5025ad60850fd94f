package ws

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Dispatcher fans messages out to a room's connections. Sends happen on a
// copied recipient list outside the room lock; failed peers are collected
// and pruned in a single follow-up critical section so one broken socket
// never blocks the others.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// BroadcastCode caches the latest code, then delivers a CODE_UPDATE to
// every connection in the room except the sender. An unresolvable sender
// is reported as "Unknown" rather than failing the broadcast.
func (d *Dispatcher) BroadcastCode(roomID, code string, sender Transport) {
	d.registry.SetCode(roomID, code)

	conns := d.registry.snapshot(roomID)
	if len(conns) == 0 {
		return
	}

	senderName := "Unknown"
	for _, c := range conns {
		if c.transport == sender {
			senderName = c.username
			break
		}
	}

	payload, err := json.Marshal(codeUpdate{Type: MsgCodeUpdate, Code: code, Sender: senderName})
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to encode code update")
		return
	}

	var dead []*Connection
	for _, c := range conns {
		if c.transport == sender {
			continue
		}
		if !c.send(payload) {
			dead = append(dead, c)
		}
	}
	d.prune(roomID, dead)
}

// BroadcastPresence delivers a USER_UPDATE to every connection in the
// room, including the originator if still connected.
func (d *Dispatcher) BroadcastPresence(roomID string, users []PresenceEntry) {
	conns := d.registry.snapshot(roomID)
	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(userUpdate{Type: MsgUserUpdate, Users: users})
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to encode user update")
		return
	}

	var dead []*Connection
	for _, c := range conns {
		if !c.send(payload) {
			dead = append(dead, c)
		}
	}
	d.prune(roomID, dead)
}

func (d *Dispatcher) prune(roomID string, dead []*Connection) {
	if len(dead) == 0 {
		return
	}
	log.Warn().Str("room", roomID).Int("count", len(dead)).Msg("pruning dead sockets")
	d.registry.RemoveDead(roomID, dead)
}

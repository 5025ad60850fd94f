package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/tandem/internal/ratelimit"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1024 * 1024
	defaultPerSecond      = 100
	defaultBurst          = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PresenceService reconciles live connections with the persisted roster.
// Implemented by the room service; declared here so the session handler
// does not depend on the storage layer.
type PresenceService interface {
	// JoinRoom is the authoritative membership check at session start.
	JoinRoom(roomID, username string) error
	// MarkOffline flips the persisted roster entry offline, best effort.
	MarkOffline(roomID, username string)
	// ComputePresence merges live and persisted state into one list.
	ComputePresence(roomID string) []PresenceEntry
	// SnapshotCode returns the durable code snapshot for the initial push.
	SnapshotCode(roomID string) (string, error)
}

type SessionConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	PerSecond      float64
	Burst          int
}

func (c *SessionConfig) fillDefaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.PerSecond <= 0 {
		c.PerSecond = defaultPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
}

// SessionHandler runs the per-connection protocol loop: upgrade, join
// gate, initial state push, frame dispatch, teardown.
type SessionHandler struct {
	registry   *Registry
	dispatcher *Dispatcher
	presence   PresenceService
	cfg        SessionConfig
}

func NewSessionHandler(registry *Registry, dispatcher *Dispatcher, presence PresenceService, cfg SessionConfig) *SessionHandler {
	cfg.fillDefaults()
	return &SessionHandler{
		registry:   registry,
		dispatcher: dispatcher,
		presence:   presence,
		cfg:        cfg,
	}
}

// ServeWS handles GET /ws/{roomId}/{username}.
func (h *SessionHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID := vars["roomId"]
	username := vars["username"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := h.registry.Connect(roomID, conn, username)

	if err := h.presence.JoinRoom(roomID, username); err != nil {
		log.Warn().Err(err).Str("room", roomID).Str("user", username).Msg("join rejected")
		h.registry.Disconnect(roomID, conn)
		closeWithReason(conn, err.Error())
		return
	}

	h.sendInitialState(roomID, c)
	h.dispatcher.BroadcastPresence(roomID, h.presence.ComputePresence(roomID))

	done := make(chan struct{})
	go h.keepalive(c, done)

	h.readLoop(roomID, username, conn)
	close(done)

	h.teardown(roomID, username, conn)
}

// sendInitialState pushes the current code to the new connection: the
// ephemeral cache wins, the durable snapshot is the fallback, and an
// empty buffer sends nothing. A fresh presence list follows via the
// caller's broadcast.
func (h *SessionHandler) sendInitialState(roomID string, c *Connection) {
	code, ok := h.registry.GetCode(roomID)
	if !ok {
		snapshot, err := h.presence.SnapshotCode(roomID)
		if err != nil {
			log.Error().Err(err).Str("room", roomID).Msg("failed to load code snapshot")
			return
		}
		code = snapshot
	}
	if code == "" {
		return
	}

	payload, err := json.Marshal(codeUpdate{Type: MsgCodeUpdate, Code: code, Sender: SystemSender})
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to encode initial code")
		return
	}
	c.send(payload)
}

func (h *SessionHandler) readLoop(roomID, username string, conn *websocket.Conn) {
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	limiter := ratelimit.NewLimiter(h.cfg.PerSecond, h.cfg.Burst)
	rateLimitWarnings := 0

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("room", roomID).Str("user", username).Msg("websocket read error")
			}
			return
		}

		if !limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Warn().Str("room", roomID).Str("user", username).Int("warnings", rateLimitWarnings).Msg("rate limit exceeded")
			}
			if rateLimitWarnings > 1000 {
				log.Warn().Str("room", roomID).Str("user", username).Msg("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		frame := classify(raw)
		switch frame.kind {
		case frameRawCode, frameCode:
			h.dispatcher.BroadcastCode(roomID, frame.code, conn)

		case frameTyping:
			h.registry.SetTyping(roomID, conn, frame.typing)
			h.dispatcher.BroadcastPresence(roomID, h.presence.ComputePresence(roomID))

		case frameRefresh:
			h.dispatcher.BroadcastPresence(roomID, h.presence.ComputePresence(roomID))

		case frameUnknown:
			log.Warn().Str("room", roomID).Str("user", username).Str("type", frame.msgType).Msg("unrecognized message type")
		}
	}
}

// teardown runs the cleanup sequence fire-and-continue: every step is
// attempted even if an earlier one failed, since the session is already
// over and partial cleanup would leak presence state.
func (h *SessionHandler) teardown(roomID, username string, conn *websocket.Conn) {
	if removed := h.registry.Disconnect(roomID, conn); removed != nil {
		log.Info().Str("room", roomID).Str("user", username).Msg("client left room")
	}
	h.presence.MarkOffline(roomID, username)
	h.dispatcher.BroadcastPresence(roomID, h.presence.ComputePresence(roomID))
	conn.Close()
}

func (h *SessionHandler) keepalive(c *Connection, done <-chan struct{}) {
	pingPeriod := (h.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

func closeWithReason(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()
}

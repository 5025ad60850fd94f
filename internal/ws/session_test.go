package ws

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/tandem/internal/db"
)

// testPresence mirrors the room service against a real sqlite store,
// defined here to avoid an import cycle with the room package.
type testPresence struct {
	database *db.Database
	registry *Registry
}

func (p *testPresence) JoinRoom(roomID, username string) error {
	room, err := p.database.FindRoom(roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return errRoomNotFound
	}

	idx := -1
	for i := range room.Users {
		if room.Users[i].Username == username {
			idx = i
			break
		}
	}
	if idx < 0 && len(room.Users) >= room.Limit {
		return errRoomFull
	}
	if idx >= 0 {
		if room.Users[idx].Online {
			return errAlreadyOnline
		}
		room.Users[idx].Online = true
	} else {
		room.Users = append(room.Users, db.RosterEntry{Username: username, Online: true})
	}
	return p.database.UpdateRoom(room)
}

func (p *testPresence) MarkOffline(roomID, username string) {
	room, err := p.database.FindRoom(roomID)
	if err != nil || room == nil {
		return
	}
	for i := range room.Users {
		if room.Users[i].Username == username && room.Users[i].Online {
			room.Users[i].Online = false
			room.Users[i].Typing = false
			p.database.UpdateRoom(room)
			return
		}
	}
}

func (p *testPresence) ComputePresence(roomID string) []PresenceEntry {
	users := p.registry.LiveUsers(roomID)
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		seen[u.Username] = true
	}
	room, err := p.database.FindRoom(roomID)
	if err != nil || room == nil {
		return users
	}
	for _, u := range room.Users {
		if u.Username == "" || seen[u.Username] {
			continue
		}
		users = append(users, PresenceEntry{Username: u.Username})
	}
	return users
}

func (p *testPresence) SnapshotCode(roomID string) (string, error) {
	room, err := p.database.FindRoom(roomID)
	if err != nil || room == nil {
		return "", err
	}
	return room.Code, nil
}

var (
	errRoomNotFound  = &joinError{"room does not exist"}
	errRoomFull      = &joinError{"room is full"}
	errAlreadyOnline = &joinError{"user already online"}
)

type joinError struct{ msg string }

func (e *joinError) Error() string { return e.msg }

func setupSessionServer(t *testing.T) (string, *Registry, *db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "tandem-session-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	registry := NewRegistry(0)
	dispatcher := NewDispatcher(registry)
	presence := &testPresence{database: database, registry: registry}
	handler := NewSessionHandler(registry, dispatcher, presence, SessionConfig{})

	router := mux.NewRouter()
	router.HandleFunc("/ws/{roomId}/{username}", handler.ServeWS)
	srv := httptest.NewServer(router)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	cleanup := func() {
		srv.Close()
		database.Close()
		os.RemoveAll(tmpDir)
	}
	return wsURL, registry, database, cleanup
}

func dial(t *testing.T, wsURL, roomID, username string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/"+roomID+"/"+username, nil)
	if err != nil {
		t.Fatalf("Dial failed for %s: %v", username, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return decodeFrame(t, raw)
}

func presenceMap(t *testing.T, frame map[string]interface{}) map[string]map[string]interface{} {
	t.Helper()
	if frame["type"] != MsgUserUpdate {
		t.Fatalf("Expected USER_UPDATE, got %v", frame["type"])
	}
	list, ok := frame["users"].([]interface{})
	if !ok {
		t.Fatalf("Expected users list, got %v", frame["users"])
	}
	byName := make(map[string]map[string]interface{}, len(list))
	for _, item := range list {
		u := item.(map[string]interface{})
		byName[u["username"].(string)] = u
	}
	return byName
}

func TestSessionScenario(t *testing.T) {
	wsURL, _, database, cleanup := setupSessionServer(t)
	defer cleanup()

	seed, err := database.CreateRoom("r1", nil, 2)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	seed.Code = "print('seed')"
	if err := database.UpdateRoom(seed); err != nil {
		t.Fatalf("UpdateRoom failed: %v", err)
	}

	// alice connects: durable snapshot push, then presence
	alice := dial(t, wsURL, "r1", "alice")
	defer alice.Close()

	frame := readFrame(t, alice)
	if frame["type"] != MsgCodeUpdate || frame["code"] != "print('seed')" || frame["sender"] != SystemSender {
		t.Fatalf("Unexpected initial push %v", frame)
	}
	users := presenceMap(t, readFrame(t, alice))
	if len(users) != 1 || users["alice"]["online"] != true {
		t.Fatalf("Unexpected initial presence %v", users)
	}

	// bob connects: both see a two-user presence list
	bob := dial(t, wsURL, "r1", "bob")
	defer bob.Close()

	frame = readFrame(t, bob)
	if frame["type"] != MsgCodeUpdate || frame["sender"] != SystemSender {
		t.Fatalf("Unexpected initial push for bob %v", frame)
	}
	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		users = presenceMap(t, readFrame(t, conn))
		if len(users) != 2 || users["alice"]["online"] != true || users["bob"]["online"] != true {
			t.Fatalf("%s: unexpected presence after join %v", name, users)
		}
	}

	// alice starts typing: both receive the flag
	msg := `{"type":"TYPING_UPDATE","typing":true}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		users = presenceMap(t, readFrame(t, conn))
		if users["alice"]["typing"] != true {
			t.Fatalf("%s: expected alice typing, got %v", name, users)
		}
	}

	// alice edits: only bob receives the code update
	msg = `{"type":"CODE_UPDATE","code":"x = 1"}`
	if err := alice.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	frame = readFrame(t, bob)
	if frame["type"] != MsgCodeUpdate || frame["code"] != "x = 1" || frame["sender"] != "alice" {
		t.Fatalf("Unexpected code update %v", frame)
	}

	// alice leaves: bob sees her offline
	alice.Close()
	users = presenceMap(t, readFrame(t, bob))
	if users["bob"]["online"] != true {
		t.Fatalf("Expected bob online, got %v", users)
	}
	if users["alice"]["online"] != false || users["alice"]["typing"] != false {
		t.Fatalf("Expected alice offline, got %v", users)
	}
}

func TestSessionRawTextBecomesCode(t *testing.T) {
	wsURL, registry, database, cleanup := setupSessionServer(t)
	defer cleanup()

	if _, err := database.CreateRoom("r1", nil, 2); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	alice := dial(t, wsURL, "r1", "alice")
	defer alice.Close()
	presenceMap(t, readFrame(t, alice)) // empty room: no code push, presence only

	bob := dial(t, wsURL, "r1", "bob")
	defer bob.Close()

	presenceMap(t, readFrame(t, bob))   // bob's initial presence
	presenceMap(t, readFrame(t, alice)) // alice sees bob join

	raw := "not json at all"
	if err := alice.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	frame := readFrame(t, bob)
	if frame["type"] != MsgCodeUpdate || frame["code"] != raw || frame["sender"] != "alice" {
		t.Fatalf("Raw text should broadcast as code, got %v", frame)
	}

	code, ok := registry.GetCode("r1")
	if !ok || code != raw {
		t.Errorf("Raw text should be cached, got %q (ok=%v)", code, ok)
	}
}

func TestSessionRejectedJoinCloses(t *testing.T) {
	wsURL, _, database, cleanup := setupSessionServer(t)
	defer cleanup()

	if _, err := database.CreateRoom("r1", []db.RosterEntry{
		{Username: "a", Online: true},
		{Username: "b", Online: true},
	}, 2); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	carol := dial(t, wsURL, "r1", "carol")
	defer carol.Close()

	carol.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := carol.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("Expected policy-violation close, got %v", err)
	}
}

func TestSessionUnknownRoomCloses(t *testing.T) {
	wsURL, registry, _, cleanup := setupSessionServer(t)
	defer cleanup()

	conn := dial(t, wsURL, "ghost", "alice")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("Expected policy-violation close, got %v", err)
	}

	// The rejected connection must not linger in the registry
	deadline := time.Now().Add(time.Second)
	for registry.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.ConnectionCount() != 0 {
		t.Error("Rejected connection should be removed from the registry")
	}
}

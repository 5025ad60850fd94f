package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/tandem/internal/autocomplete"
	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/room"
	"github.com/manpreetbhatti/tandem/internal/ws"
)

type API struct {
	registry *ws.Registry
	database *db.Database
	rooms    *room.Service
}

func New(registry *ws.Registry, database *db.Database, rooms *room.Service) *API {
	return &API{
		registry: registry,
		database: database,
		rooms:    rooms,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("error encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.registry.RoomCount(),
		"active_clients": a.registry.ConnectionCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	RoomID string           `json:"roomId"`
	Users  []db.RosterEntry `json:"users"`
	Limit  int              `json:"limit"`
}

func roomResponse(r *db.Room) RoomResponse {
	users := r.Users
	if users == nil {
		users = []db.RosterEntry{}
	}
	return RoomResponse{RoomID: r.ID, Users: users, Limit: r.Limit}
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username := q.Get("username")
	roomID := q.Get("roomId")

	if username == "" {
		errorResponse(w, http.StatusBadRequest, "Username is required")
		return
	}

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 || limit >= 10 {
		errorResponse(w, http.StatusBadRequest, "Limit must be 1-10")
		return
	}

	created, isNew, err := a.rooms.CreateRoom(roomID, username, limit)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("failed to create room")
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	jsonResponse(w, status, roomResponse(created))
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	username := r.URL.Query().Get("username")

	if username == "" {
		errorResponse(w, http.StatusBadRequest, "Username is required")
		return
	}

	if err := a.rooms.JoinRoom(roomID, username); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			errorResponse(w, http.StatusNotFound, "Room does not exist")
		case errors.Is(err, room.ErrRoomFull):
			errorResponse(w, http.StatusForbidden, "Room is full")
		case errors.Is(err, room.ErrUserAlreadyOnline):
			errorResponse(w, http.StatusConflict, "User already online")
		default:
			log.Error().Err(err).Str("room", roomID).Msg("join failed")
			errorResponse(w, http.StatusInternalServerError, "Failed to join room")
		}
		return
	}

	joined, err := a.rooms.FindRoom(roomID)
	if err != nil || joined == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	jsonResponse(w, http.StatusOK, roomResponse(joined))
}

type SaveRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Code     string `json:"code"`
}

func (a *API) SaveCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := a.rooms.SaveCode(req.RoomID, req.Username, req.Code); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			errorResponse(w, http.StatusNotFound, "Room not found")
		case errors.Is(err, room.ErrNoChanges):
			w.WriteHeader(http.StatusNotModified)
		default:
			log.Error().Err(err).Str("room", req.RoomID).Msg("save failed")
			errorResponse(w, http.StatusInternalServerError, "Failed to save code")
		}
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Code saved successfully"})
}

func (a *API) UpdateLimitHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	newLimit, err := strconv.Atoi(r.URL.Query().Get("new_limit"))
	if err != nil || newLimit < 1 || newLimit > 10 {
		errorResponse(w, http.StatusBadRequest, "new_limit must be 1-10")
		return
	}

	updated, err := a.rooms.UpdateLimit(roomID, newLimit)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			errorResponse(w, http.StatusNotFound, "Room not found")
		case errors.Is(err, room.ErrLimitBelowUsage):
			errorResponse(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Str("room", roomID).Msg("limit update failed")
			errorResponse(w, http.StatusInternalServerError, "Failed to update limit")
		}
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message": "Room limit updated",
		"limit":   updated.Limit,
	})
}

// Autocomplete

type AutocompleteRequest struct {
	Code           string `json:"code"`
	CursorPosition int    `json:"cursorPosition"`
	Language       string `json:"language"`
}

type AutocompleteResponse struct {
	Suggestion string `json:"suggestion"`
}

func (a *API) AutocompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req AutocompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	jsonResponse(w, http.StatusOK, AutocompleteResponse{
		Suggestion: autocomplete.Suggest(req.Code, req.CursorPosition),
	})
}

// Router assembles the HTTP surface. The WebSocket endpoint is passed in
// so this package stays independent of the session handler's wiring.
func (a *API) Router(wsHandler http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws/{roomId}/{username}", wsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/save", a.SaveCodeHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{id}", a.JoinRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}/limit", a.UpdateLimitHandler).Methods(http.MethodPatch)
	r.HandleFunc("/autocomplete", a.AutocompleteHandler).Methods(http.MethodPost)

	return r
}

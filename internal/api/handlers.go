package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/interview"
	"github.com/manpreetbhatti/parley/internal/protocol"
	"github.com/manpreetbhatti/parley/internal/ratelimit"
	"github.com/manpreetbhatti/parley/internal/scenery"
	"github.com/manpreetbhatti/parley/internal/ws"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
	engine   *interview.Engine
	catalog  *scenery.Catalog
	limiters *ratelimit.Limiters
	logger   zerolog.Logger
}

func New(hub *ws.Hub, database *db.Database, engine *interview.Engine, catalog *scenery.Catalog, limiters *ratelimit.Limiters) *API {
	return &API{
		hub:      hub,
		database: database,
		engine:   engine,
		catalog:  catalog,
		limiters: limiters,
		logger:   log.With().Str("component", "api").Logger(),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn().Err(err).Msg("encode response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, subscribers := a.hub.Stats()
	stats := map[string]interface{}{
		"watched_rooms": rooms,
		"subscribers":   subscribers,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err == nil {
		stats["total_rooms"] = dbStats["room_count"]
		stats["total_events"] = dbStats["event_count"]
		stats["streaming_rooms"] = dbStats["streaming_rooms"]
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

func (a *API) SceneriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{"sceneries": a.catalog.List()})
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	SceneryID   string    `json:"scenery_id"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Subscribers int       `json:"subscribers"`
	EventCount  int       `json:"event_count,omitempty"`
}

type CreateRoomRequest struct {
	SceneryID string `json:"scenery_id"`
}

type CreateRoomResponse struct {
	ID        string `json:"id"`
	SceneryID string `json:"scenery_id"`
	State     string `json:"state"`
}

type AnswerRequest struct {
	UserInput string `json:"user_input"`
}

type AnswerResponse struct {
	TurnID string `json:"turn_id"`
	Round  int    `json:"round"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("list rooms")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = RoomResponse{
			ID:          room.ID,
			SceneryID:   room.SceneryID,
			State:       room.State,
			CreatedAt:   room.CreatedAt,
			UpdatedAt:   room.UpdatedAt,
			Subscribers: a.hub.SubscriberCount(room.ID),
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	scn, err := a.catalog.Get(req.SceneryID)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Unknown scenery")
		return
	}

	id := uuid.NewString()
	room, err := a.database.CreateRoom(r.Context(), id, scn.ID, "idle")
	if err != nil {
		a.logger.Error().Err(err).Msg("create room")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	_, err = a.engine.Emit(r.Context(), room.ID, protocol.EventRoomCreated, protocol.RoomCreated{
		ID:        room.ID,
		SceneryID: room.SceneryID,
		State:     room.State,
		CreatedAt: room.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.Error().Err(err).Str("room_id", room.ID).Msg("record room_created")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	a.logger.Info().Str("room_id", room.ID).Str("scenery_id", room.SceneryID).Msg("room created")
	a.jsonResponse(w, http.StatusCreated, CreateRoomResponse{
		ID:        room.ID,
		SceneryID: room.SceneryID,
		State:     room.State,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := a.database.GetRoom(r.Context(), roomID)
	if err != nil {
		a.roomError(w, err, "Failed to get room")
		return
	}

	eventCount, _ := a.database.EventCount(r.Context(), roomID)
	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          room.ID,
		SceneryID:   room.SceneryID,
		State:       room.State,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		Subscribers: a.hub.SubscriberCount(roomID),
		EventCount:  eventCount,
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	a.engine.Forget(roomID)
	a.limiters.Remove(roomID)

	if err := a.database.DeleteRoom(r.Context(), roomID); err != nil {
		a.roomError(w, err, "Failed to delete room")
		return
	}

	a.logger.Info().Str("room_id", roomID).Msg("room deleted")
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) AnswerHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		a.errorResponse(w, http.StatusBadRequest, "user_input is required")
		return
	}
	if !a.limiters.Allow(roomID) {
		a.errorResponse(w, http.StatusTooManyRequests, "Too many answers, slow down")
		return
	}

	info, err := a.engine.Start(r.Context(), roomID, req.UserInput)
	switch {
	case err == nil:
	case errors.Is(err, interview.ErrEmptyInput):
		a.errorResponse(w, http.StatusBadRequest, "user_input is required")
		return
	case errors.Is(err, interview.ErrTurnInProgress):
		a.errorResponse(w, http.StatusConflict, "Interview in progress")
		return
	default:
		a.roomError(w, err, "Failed to start turn")
		return
	}

	a.jsonResponse(w, http.StatusAccepted, AnswerResponse{TurnID: info.TurnID, Round: info.Round})
}

func (a *API) CancelHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	err := a.engine.Cancel(r.Context(), roomID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, interview.ErrNoActiveTurn):
		a.errorResponse(w, http.StatusConflict, "No active turn")
	default:
		a.roomError(w, err, "Failed to cancel turn")
	}
}

func (a *API) roomError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, db.ErrRoomNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	a.logger.Error().Err(err).Msg(strings.ToLower(message))
	a.errorResponse(w, http.StatusInternalServerError, message)
}

// RoomsRouter serves /api/rooms and everything below it.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")

	// /api/rooms
	if path == "" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		case http.MethodPost:
			a.CreateRoomHandler(w, r)
		default:
			a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	parts := strings.Split(path, "/")
	roomID := parts[0]

	// /api/rooms/{id}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.GetRoomHandler(w, r, roomID)
		case http.MethodDelete:
			a.DeleteRoomHandler(w, r, roomID)
		default:
			a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	if len(parts) != 2 {
		a.errorResponse(w, http.StatusNotFound, "Not found")
		return
	}

	// /api/rooms/{id}/{action}
	method := http.MethodPost
	if parts[1] == "events" {
		method = http.MethodGet
	}
	if r.Method != method {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	switch parts[1] {
	case "answer":
		a.AnswerHandler(w, r, roomID)
	case "cancel":
		a.CancelHandler(w, r, roomID)
	case "events":
		a.EventsHandler(w, r, roomID)
	default:
		a.errorResponse(w, http.StatusNotFound, "Not found")
	}
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/sceneries", a.SceneriesHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
}

// CORSMiddleware allows browser clients from any origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package poll

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mwhited/diceparty/go/internal/room"
)

// sweepOneIn is the denominator of the per-request sweep probability. Each
// mutating request has a 1-in-N chance of triggering a registry sweep, so
// idle rooms are eventually reclaimed even without the background ticker.
const sweepOneIn = 50

// Handler exposes the pull-based sync API: every endpoint is stateless, the
// client carries all continuation state (its session ID and the watermark
// from its last poll).
type Handler struct {
	registry *room.Registry
	clock    clockwork.Clock
}

// NewHandler creates a poll API handler.
func NewHandler(registry *room.Registry, clock clockwork.Clock) *Handler {
	return &Handler{registry: registry, clock: clock}
}

// RegisterRoutes registers the JSON API with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms", h.handleCreateRoom)
	mux.HandleFunc("POST /api/rooms/{code}/join", h.handleJoinRoom)
	mux.HandleFunc("POST /api/rooms/{code}/leave", h.handleLeaveRoom)
	mux.HandleFunc("POST /api/rooms/{code}/dice", h.handleSyncDice)
	mux.HandleFunc("POST /api/rooms/{code}/timer", h.handleSyncTimer)
	mux.HandleFunc("POST /api/rooms/{code}/players", h.handleSyncPlayers)
	mux.HandleFunc("GET /api/rooms/{code}/poll", h.handlePoll)
	mux.HandleFunc("GET /api/rooms/{code}", h.handleRoomInfo)
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code, sessionID, snap, err := h.registry.CreateRoom(room.ParticipantInfo{Name: req.Name})
	if err != nil {
		log.Error().Err(err).Msg("failed to create room")
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		RoomID:    code,
		SessionID: sessionID,
		Snapshot:  &snap,
	})
}

func (h *Handler) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := r.PathValue("code")
	sessionID, snap, err := h.registry.JoinRoom(code, room.ParticipantInfo{Name: req.Name})
	if err != nil {
		writeRegistryError(w, code, err)
		return
	}

	h.maybeSweep()
	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		RoomID:    code,
		SessionID: sessionID,
		Snapshot:  &snap,
	})
}

func (h *Handler) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req LeaveRoomRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := r.PathValue("code")
	if err := h.registry.LeaveRoom(code, req.SessionID); err != nil {
		writeRegistryError(w, code, err)
		return
	}

	h.maybeSweep()
	writeJSON(w, http.StatusOK, Response{Success: true, RoomID: code})
}

func (h *Handler) handleSyncDice(w http.ResponseWriter, r *http.Request) {
	var req SyncDiceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := r.PathValue("code")
	if _, err := h.registry.SyncDice(code, req.SessionID, req.Values); err != nil {
		writeRegistryError(w, code, err)
		return
	}

	h.maybeSweep()
	writeJSON(w, http.StatusOK, Response{Success: true, RoomID: code})
}

func (h *Handler) handleSyncTimer(w http.ResponseWriter, r *http.Request) {
	var req SyncTimerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := r.PathValue("code")
	if _, err := h.registry.SyncTimer(code, req.SessionID, req.Timer); err != nil {
		writeRegistryError(w, code, err)
		return
	}

	h.maybeSweep()
	writeJSON(w, http.StatusOK, Response{Success: true, RoomID: code})
}

func (h *Handler) handleSyncPlayers(w http.ResponseWriter, r *http.Request) {
	var req SyncPlayersRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := r.PathValue("code")
	if _, err := h.registry.SyncPlayers(code, req.SessionID, req.Players); err != nil {
		writeRegistryError(w, code, err)
		return
	}

	h.maybeSweep()
	writeJSON(w, http.StatusOK, Response{Success: true, RoomID: code})
}

// handlePoll returns everything the session has not seen yet. The client
// supplies its watermark as ?since=<RFC3339Nano>; with no watermark the
// trailing events are returned. The session's own events are filtered out so
// clients are never echoed their own writes. The response's server_time is
// the watermark for the next poll.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = &t
	}

	rm, err := h.registry.GetRoom(code)
	if err != nil {
		writeRegistryError(w, code, err)
		return
	}

	if err := rm.Touch(sessionID); err != nil {
		writeRegistryError(w, code, err)
		return
	}

	count := rm.LiveParticipantCount()
	events := make([]room.Event, 0)
	for _, evt := range rm.RecentEvents(since) {
		if evt.FromSession == sessionID {
			continue
		}
		events = append(events, evt)
	}
	now := h.clock.Now()

	writeJSON(w, http.StatusOK, Response{
		Success:          true,
		RoomID:           code,
		Events:           events,
		ParticipantCount: &count,
		ServerTime:       &now,
	})
}

// handleRoomInfo is a read-only projection of the room. It never refreshes
// lastActivity or any session's last-seen time.
func (h *Handler) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	rm, err := h.registry.GetRoom(code)
	if err != nil {
		writeRegistryError(w, code, err)
		return
	}

	snap := rm.Snapshot()
	writeJSON(w, http.StatusOK, Response{
		Success:  true,
		RoomID:   code,
		Snapshot: &snap,
	})
}

// maybeSweep triggers a registry sweep on a small fraction of requests.
func (h *Handler) maybeSweep() {
	if rand.Intn(sweepOneIn) == 0 {
		if deleted := h.registry.Sweep(); deleted > 0 {
			log.Info().Int("deleted", deleted).Msg("request-triggered sweep reclaimed rooms")
		}
	}
}

// decode parses the JSON request body. An empty body is allowed; every
// request type has usable zero values.
func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeRegistryError(w http.ResponseWriter, code string, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, room.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		log.Error().Err(err).Str("room_id", code).Msg("room operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

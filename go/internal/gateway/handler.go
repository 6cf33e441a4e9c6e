package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mwhited/diceparty/go/internal/room"
)

// WebSocketHandler handles WebSocket upgrade requests for room connections.
type WebSocketHandler struct {
	registry          *room.Registry
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *room.Registry, cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		registry:          registry,
		connectionManager: cm,
	}
}

// HandleRoomConnection handles WebSocket connections for a room. With
// ?create=1 a new room is created and the connecting client becomes its
// first participant; otherwise ?code= names the room to join. The join
// happens before the upgrade so a bad room code fails as a plain HTTP error.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	info := room.ParticipantInfo{Name: r.URL.Query().Get("name")}

	var (
		code      string
		sessionID string
		snap      room.Snapshot
		err       error
	)
	if r.URL.Query().Get("create") == "1" {
		code, sessionID, snap, err = h.registry.CreateRoom(info)
		if err != nil {
			log.Error().Err(err).Msg("failed to create room")
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}
	} else {
		code = r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "code is required", http.StatusBadRequest)
			return
		}
		sessionID, snap, err = h.registry.JoinRoom(code, info)
		if errors.Is(err, room.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("room_id", code).Msg("failed to join room")
			http.Error(w, "failed to join room", http.StatusInternalServerError)
			return
		}
	}

	if err := h.connectionManager.UpgradeConnection(w, r, code, sessionID, snap); err != nil {
		log.Error().
			Err(err).
			Str("room_id", code).
			Str("session_id", sessionID).
			Msg("failed to upgrade WebSocket connection")
		// The session joined but never got a socket; undo the join.
		if leaveErr := h.registry.LeaveRoom(code, sessionID); leaveErr != nil && !errors.Is(leaveErr, room.ErrRoomNotFound) {
			log.Error().Err(leaveErr).Str("room_id", code).Msg("failed to roll back join")
		}
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	totalConnections, activeRooms := h.connectionManager.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int{
		"total_connections": totalConnections,
		"active_rooms":      activeRooms,
	})
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

package poll

import (
	"time"

	"github.com/mwhited/diceparty/go/internal/room"
)

// Request bodies for the JSON API.
type (
	CreateRoomRequest struct {
		Name string `json:"name"`
	}

	JoinRoomRequest struct {
		Name string `json:"name"`
	}

	LeaveRoomRequest struct {
		SessionID string `json:"session_id"`
	}

	SyncDiceRequest struct {
		SessionID string `json:"session_id"`
		Values    []int  `json:"values"`
	}

	SyncTimerRequest struct {
		SessionID string           `json:"session_id"`
		Timer     room.TimerUpdate `json:"timer"`
	}

	SyncPlayersRequest struct {
		SessionID string                  `json:"session_id"`
		Players   []room.PlayerSubmission `json:"players"`
	}
)

// Response is the envelope every endpoint returns. Fields beyond Success and
// Error are populated per endpoint.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	RoomID    string         `json:"room_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Snapshot  *room.Snapshot `json:"snapshot,omitempty"`

	// Poll fields. ServerTime is the watermark to carry into the next poll.
	Events           []room.Event `json:"events,omitempty"`
	ParticipantCount *int         `json:"participant_count,omitempty"`
	ServerTime       *time.Time   `json:"server_time,omitempty"`
}

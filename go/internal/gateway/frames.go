package gateway

import (
	"encoding/json"

	"github.com/mwhited/diceparty/go/internal/room"
)

// Action names the client-initiated operations carried over a room socket.
type Action string

const (
	ActionSyncDice    Action = "sync-dice"
	ActionSyncTimer   Action = "sync-timer"
	ActionSyncPlayers Action = "sync-players"
	ActionLeaveRoom   Action = "leave-room"
)

// ClientFrame is one message from a connected client. RequestID is echoed in
// the ack so clients can match responses to requests.
type ClientFrame struct {
	Action    Action          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client payloads by action.
type (
	SyncDicePayload struct {
		Values []int `json:"values"`
	}

	SyncTimerPayload struct {
		Timer room.TimerUpdate `json:"timer"`
	}

	SyncPlayersPayload struct {
		Players []room.PlayerSubmission `json:"players"`
	}
)

// Server frame types.
const (
	FrameWelcome      = "welcome"
	FrameAck          = "ack"
	FrameEvent        = "event"
	FrameParticipants = "participants"
)

// ServerFrame is one message to a connected client: the welcome snapshot on
// connect, an ack for each client frame, a peer's event, or a participant
// count change.
type ServerFrame struct {
	Type             string         `json:"type"`
	RequestID        string         `json:"request_id,omitempty"`
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	RoomID           string         `json:"room_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	Snapshot         *room.Snapshot `json:"snapshot,omitempty"`
	Event            *room.Event    `json:"event,omitempty"`
	ParticipantCount int            `json:"participant_count,omitempty"`
}

func ackFrame(requestID string) ServerFrame {
	return ServerFrame{Type: FrameAck, RequestID: requestID, Success: true}
}

func nackFrame(requestID, msg string) ServerFrame {
	return ServerFrame{Type: FrameAck, RequestID: requestID, Error: msg}
}

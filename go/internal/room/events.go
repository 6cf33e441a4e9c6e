package room

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names the kinds of events a room records.
type EventType string

const (
	EventDiceRoll      EventType = "dice-roll"
	EventTimerSync     EventType = "timer-sync"
	EventPlayersUpdate EventType = "players-update"
)

// Event is one entry in a room's bounded backlog. FromSession identifies the
// originating session so a sync strategy can skip echoing writes back to
// their author. IDs are unique only within the log's lifetime.
type Event struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"room_id"`
	Type        EventType       `json:"type"`
	FromSession string          `json:"from_session"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// DiceRollPayload carries the rolled values for a dice-roll event.
type DiceRollPayload struct {
	Values []int `json:"values"`
}

// TimerSyncPayload carries the full replacement timer state.
type TimerSyncPayload struct {
	Timer TimerState `json:"timer"`
}

// PlayersUpdatePayload carries the full cross-session roster after a change.
type PlayersUpdatePayload struct {
	Players []PlayerRecord `json:"players"`
}

// newEvent builds an event with a marshaled payload. Payloads are plain
// structs from this package, so a marshal failure is a programming error;
// it is surfaced rather than swallowed so the caller can report it without
// committing partial state.
func newEvent(roomID string, typ EventType, fromSession string, ts time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		Type:        typ,
		FromSession: fromSession,
		Timestamp:   ts,
		Payload:     data,
	}, nil
}

// ParseEventPayload parses an event's payload into the struct for its type.
func ParseEventPayload(evt Event) (any, error) {
	switch evt.Type {
	case EventDiceRoll:
		var payload DiceRollPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTimerSync:
		var payload TimerSyncPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventPlayersUpdate:
		var payload PlayersUpdatePayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
}

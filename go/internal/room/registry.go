package room

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength   = 6
	roomCodeAttempts = 100
)

// Broadcaster receives every room change as it commits. The push gateway
// implements it to forward events to connected peers immediately; pull-based
// clients ignore it and read the event log instead. Both strategies observe
// the same Room contract this way.
//
// Implementations must not block: they are called synchronously after the
// room mutation commits.
type Broadcaster interface {
	// EventAppended is called after an event is appended to a room's log.
	// The event's FromSession identifies the author, which delivery should
	// exclude.
	EventAppended(roomID string, evt Event)

	// ParticipantCountChanged is called after a join or leave.
	ParticipantCountChanged(roomID string, count int)
}

// Registry owns every live room in the process. Rooms are created through
// it, looked up through it, and reclaimed by its sweep; nothing else holds
// rooms.
type Registry struct {
	mu          sync.RWMutex
	clock       clockwork.Clock
	rooms       map[string]*Room
	broadcaster Broadcaster
}

// NewRegistry creates an empty registry on the given clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		clock: clock,
		rooms: make(map[string]*Room),
	}
}

// SetBroadcaster installs the push-delivery hook. Must be called before the
// registry starts taking traffic.
func (reg *Registry) SetBroadcaster(b Broadcaster) {
	reg.broadcaster = b
}

// CreateRoom generates an unused room code, creates the room, and registers
// the creator as its first participant.
func (reg *Registry) CreateRoom(info ParticipantInfo) (code, sessionID string, snap Snapshot, err error) {
	reg.mu.Lock()
	var rm *Room
	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		candidate := randomRoomCode()
		if _, taken := reg.rooms[candidate]; taken {
			continue
		}
		code = candidate
		rm = newRoom(code, reg.clock)
		reg.rooms[code] = rm
		break
	}
	reg.mu.Unlock()

	if rm == nil {
		return "", "", Snapshot{}, fmt.Errorf("generate room code: no free code after %d attempts", roomCodeAttempts)
	}

	sessionID, snap = rm.Join(info)
	log.Info().
		Str("room_id", code).
		Str("session_id", sessionID).
		Msg("room created")
	return code, sessionID, snap, nil
}

// GetRoom looks up a live room by code.
func (reg *Registry) GetRoom(code string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rm, ok := reg.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// JoinRoom adds a new participant to an existing room and notifies connected
// peers of the new count.
func (reg *Registry) JoinRoom(code string, info ParticipantInfo) (sessionID string, snap Snapshot, err error) {
	rm, err := reg.GetRoom(code)
	if err != nil {
		return "", Snapshot{}, err
	}

	sessionID, snap = rm.Join(info)
	log.Info().
		Str("room_id", code).
		Str("session_id", sessionID).
		Int("participants", snap.ParticipantCount).
		Msg("participant joined")

	if reg.broadcaster != nil {
		reg.broadcaster.ParticipantCountChanged(code, snap.ParticipantCount)
	}
	return sessionID, snap, nil
}

// LeaveRoom removes the session from the room. An unknown session is a
// no-op. When the last participant leaves, the room is deleted immediately
// rather than waiting for the sweep.
func (reg *Registry) LeaveRoom(code, sessionID string) error {
	rm, err := reg.GetRoom(code)
	if err != nil {
		return err
	}

	evt, removed, empty := rm.Leave(sessionID)
	if !removed {
		return nil
	}

	if empty {
		reg.remove(code)
		log.Info().Str("room_id", code).Msg("room deleted, last participant left")
		return nil
	}

	count := rm.LiveParticipantCount()
	log.Info().
		Str("room_id", code).
		Str("session_id", sessionID).
		Int("participants", count).
		Msg("participant left")

	if reg.broadcaster != nil {
		reg.broadcaster.ParticipantCountChanged(code, count)
		if evt.ID != "" {
			reg.broadcaster.EventAppended(code, evt)
		}
	}
	return nil
}

// SyncDice records a dice roll and forwards the event to connected peers.
func (reg *Registry) SyncDice(code, sessionID string, values []int) (Event, error) {
	rm, err := reg.GetRoom(code)
	if err != nil {
		return Event{}, err
	}
	evt, err := rm.RecordDiceRoll(sessionID, values)
	if err != nil {
		return Event{}, err
	}
	if reg.broadcaster != nil {
		reg.broadcaster.EventAppended(code, evt)
	}
	return evt, nil
}

// SyncTimer records a timer update and forwards the event to connected peers.
func (reg *Registry) SyncTimer(code, sessionID string, update TimerUpdate) (Event, error) {
	rm, err := reg.GetRoom(code)
	if err != nil {
		return Event{}, err
	}
	evt, err := rm.RecordTimerUpdate(sessionID, update)
	if err != nil {
		return Event{}, err
	}
	if reg.broadcaster != nil {
		reg.broadcaster.EventAppended(code, evt)
	}
	return evt, nil
}

// SyncPlayers replaces the session's roster and forwards the event to
// connected peers.
func (reg *Registry) SyncPlayers(code, sessionID string, submissions []PlayerSubmission) (Event, error) {
	rm, err := reg.GetRoom(code)
	if err != nil {
		return Event{}, err
	}
	evt, err := rm.UpdatePlayers(sessionID, submissions)
	if err != nil {
		return Event{}, err
	}
	if reg.broadcaster != nil {
		reg.broadcaster.EventAppended(code, evt)
	}
	return evt, nil
}

// Sweep deletes every room that is empty (no live participants) or whose
// last activity is beyond the expiry window. Returns how many rooms were
// deleted. Safe to call from any goroutine, on a timer or probabilistically
// per request; active rooms are never starved.
func (reg *Registry) Sweep() int {
	reg.mu.RLock()
	codes := make([]string, 0, len(reg.rooms))
	for code := range reg.rooms {
		codes = append(codes, code)
	}
	reg.mu.RUnlock()

	now := reg.clock.Now()
	deleted := 0
	for _, code := range codes {
		rm, err := reg.GetRoom(code)
		if err != nil {
			continue
		}
		if rm.LiveParticipantCount() == 0 {
			reg.remove(code)
			deleted++
			log.Info().Str("room_id", code).Msg("swept empty room")
			continue
		}
		if rm.Expired(now) {
			reg.remove(code)
			deleted++
			log.Info().
				Str("room_id", code).
				Time("last_activity", rm.LastActivity()).
				Msg("swept expired room")
		}
	}
	return deleted
}

// Len reports how many rooms are live.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) remove(code string) {
	reg.mu.Lock()
	delete(reg.rooms, code)
	reg.mu.Unlock()
}

func randomRoomCode() string {
	buf := make([]byte, roomCodeLength)
	for i := range buf {
		buf[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
	}
	return string(buf)
}

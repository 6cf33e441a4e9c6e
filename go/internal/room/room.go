package room

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Room is the authoritative state for one dice session: who is connected,
// the last dice roll, the shared timer, each session's player roster, and a
// bounded event backlog for pull-based clients.
//
// All mutating operations on a room are serialized by its mutex. The
// active-player cap in UpdatePlayers is a read-then-write sequence across
// sessions and is only safe because the whole call holds the lock.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	clock        clockwork.Clock
	lastActivity time.Time
	diceState    []int
	timerState   *TimerState
	participants map[string]*ParticipantRecord
	players      map[string][]PlayerRecord
	eventLog     []Event
}

func newRoom(id string, clock clockwork.Clock) *Room {
	now := clock.Now()
	return &Room{
		ID:           id,
		CreatedAt:    now,
		clock:        clock,
		lastActivity: now,
		participants: make(map[string]*ParticipantRecord),
		players:      make(map[string][]PlayerRecord),
	}
}

// Join allocates a new session, registers it as a participant, and returns
// the session identifier plus a snapshot so the new arrival starts from the
// current dice, timer, and roster state.
func (r *Room) Join(info ParticipantInfo) (string, Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	sessionID := uuid.New().String()
	r.participants[sessionID] = &ParticipantRecord{
		SessionID: sessionID,
		Name:      info.Name,
		JoinedAt:  now,
		LastSeen:  now,
	}
	r.lastActivity = now

	return sessionID, r.snapshotLocked()
}

// Leave removes the session and its player records. A session that is not a
// participant is a silent no-op. A players-update event reflecting the
// roster without the removed session is appended and returned so remaining
// peers drop its players. The empty return reports whether the room can be
// reclaimed by the caller.
func (r *Room) Leave(sessionID string) (evt Event, removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[sessionID]; !ok {
		return Event{}, false, len(r.participants) == 0
	}

	delete(r.participants, sessionID)
	delete(r.players, sessionID)
	r.lastActivity = r.clock.Now()

	evt, err := newEvent(r.ID, EventPlayersUpdate, sessionID, r.lastActivity,
		PlayersUpdatePayload{Players: r.rosterLocked()})
	if err != nil {
		log.Error().Err(err).Str("room_id", r.ID).Msg("failed to record leave event")
	} else {
		r.appendLocked(evt)
	}

	return evt, true, len(r.participants) == 0
}

// LiveParticipantCount purges sessions whose last request is older than the
// staleness window, cascading removal of their player records, and returns
// the remaining count. This is the only place staleness is enforced; a room
// with no traffic keeps stale entries until the next count.
func (r *Room) LiveParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-ParticipantStaleAfter)
	for sessionID, p := range r.participants {
		if p.LastSeen.Before(cutoff) {
			delete(r.participants, sessionID)
			delete(r.players, sessionID)
			log.Debug().
				Str("room_id", r.ID).
				Str("session_id", sessionID).
				Time("last_seen", p.LastSeen).
				Msg("purged stale participant")
		}
	}
	return len(r.participants)
}

// Touch refreshes the session's last-seen time and the room's activity.
// Returns ErrSessionNotFound for unknown sessions.
func (r *Room) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	now := r.clock.Now()
	p.LastSeen = now
	r.lastActivity = now
	return nil
}

// RecordDiceRoll stores the roll as the room's dice state and appends a
// dice-roll event.
func (r *Room) RecordDiceRoll(sessionID string, values []int) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now, err := r.touchLocked(sessionID)
	if err != nil {
		return Event{}, err
	}

	evt, err := newEvent(r.ID, EventDiceRoll, sessionID, now,
		DiceRollPayload{Values: values})
	if err != nil {
		return Event{}, err
	}

	r.diceState = append([]int(nil), values...)
	r.appendLocked(evt)
	return evt, nil
}

// RecordTimerUpdate replaces the timer state wholesale, stamping provenance,
// and appends a timer-sync event. Last write wins.
func (r *Room) RecordTimerUpdate(sessionID string, update TimerUpdate) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now, err := r.touchLocked(sessionID)
	if err != nil {
		return Event{}, err
	}

	state := TimerState{
		Running:       update.Running,
		RemainingSec:  update.RemainingSec,
		DurationSec:   update.DurationSec,
		StartedAt:     update.StartedAt,
		LastUpdatedBy: sessionID,
		LastUpdatedAt: now,
	}

	evt, err := newEvent(r.ID, EventTimerSync, sessionID, now,
		TimerSyncPayload{Timer: state})
	if err != nil {
		return Event{}, err
	}

	r.timerState = &state
	r.appendLocked(evt)
	return evt, nil
}

// UpdatePlayers replaces the session's roster wholesale. The effective
// active flag of each incoming record honors the room-wide cap: a record is
// active only if a slot is free, or if it was already active for this
// session before the call (an active player is never silently deactivated by
// the cap; new activations are throttled once the cap is reached). Records
// owned by other sessions are never altered. Appends a players-update event
// carrying the full cross-session roster.
func (r *Room) UpdatePlayers(sessionID string, submissions []PlayerSubmission) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now, err := r.touchLocked(sessionID)
	if err != nil {
		return Event{}, err
	}

	previouslyActive := make(map[string]bool)
	for _, p := range r.players[sessionID] {
		if p.Active {
			key := p.ID
			if key == "" {
				key = p.Name
			}
			previouslyActive[key] = true
		}
	}

	granted := 0
	for owner, records := range r.players {
		if owner == sessionID {
			continue
		}
		for _, p := range records {
			if p.Active {
				granted++
			}
		}
	}

	replacement := make([]PlayerRecord, 0, len(submissions))
	for _, sub := range submissions {
		active := false
		if sub.Active {
			if previouslyActive[sub.identity()] || granted < MaxActivePlayers {
				active = true
				granted++
			}
		}
		replacement = append(replacement, PlayerRecord{
			ID:        sub.ID,
			Name:      sub.Name,
			Attrs:     sub.Attrs,
			Active:    active,
			SessionID: sessionID,
			UpdatedAt: now,
		})
	}

	prev, hadPrev := r.players[sessionID]
	r.players[sessionID] = replacement

	evt, err := newEvent(r.ID, EventPlayersUpdate, sessionID, now,
		PlayersUpdatePayload{Players: r.rosterLocked()})
	if err != nil {
		// Restore so a failed append leaves prior state intact.
		if hadPrev {
			r.players[sessionID] = prev
		} else {
			delete(r.players, sessionID)
		}
		return Event{}, err
	}
	r.appendLocked(evt)
	return evt, nil
}

// RecentEvents returns events for a pull-based catch-up. With a nil
// watermark it returns the trailing DefaultRecentEvents entries; with a
// watermark, every event strictly newer than it, in append order. The log is
// never mutated.
func (r *Room) RecentEvents(since *time.Time) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if since == nil {
		start := len(r.eventLog) - DefaultRecentEvents
		if start < 0 {
			start = 0
		}
		return append([]Event(nil), r.eventLog[start:]...)
	}

	var out []Event
	for _, evt := range r.eventLog {
		if evt.Timestamp.After(*since) {
			out = append(out, evt)
		}
	}
	return out
}

// Snapshot returns a read-only projection of the room. It never mutates
// state, so stale participants are excluded from the count but not purged.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// LastActivity reports when the room last saw a mutating call.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Expired reports whether the room's last activity is beyond the expiry
// window at the given time.
func (r *Room) Expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastActivity) > ExpiresAfter
}

func (r *Room) touchLocked(sessionID string) (time.Time, error) {
	p, ok := r.participants[sessionID]
	if !ok {
		return time.Time{}, ErrSessionNotFound
	}
	now := r.clock.Now()
	p.LastSeen = now
	r.lastActivity = now
	return now, nil
}

func (r *Room) appendLocked(evt Event) {
	r.eventLog = append(r.eventLog, evt)
	if len(r.eventLog) > EventLogCapacity {
		r.eventLog = r.eventLog[len(r.eventLog)-EventLogCapacity:]
	}
}

// rosterLocked flattens every session's player records into one list with a
// stable order: sessions sorted by ID, records in submission order.
func (r *Room) rosterLocked() []PlayerRecord {
	owners := make([]string, 0, len(r.players))
	for owner := range r.players {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var roster []PlayerRecord
	for _, owner := range owners {
		roster = append(roster, r.players[owner]...)
	}
	if roster == nil {
		roster = []PlayerRecord{}
	}
	return roster
}

func (r *Room) snapshotLocked() Snapshot {
	cutoff := r.clock.Now().Add(-ParticipantStaleAfter)
	count := 0
	for _, p := range r.participants {
		if !p.LastSeen.Before(cutoff) {
			count++
		}
	}

	roster := r.rosterLocked()
	active := 0
	for _, p := range roster {
		if p.Active {
			active++
		}
	}

	var dice []int
	if r.diceState != nil {
		dice = append([]int(nil), r.diceState...)
	}

	var timer *TimerState
	if r.timerState != nil {
		t := *r.timerState
		timer = &t
	}

	return Snapshot{
		RoomID:           r.ID,
		ParticipantCount: count,
		ActivePlayers:    active,
		Dice:             dice,
		Timer:            timer,
		Players:          roster,
		CreatedAt:        r.CreatedAt,
		LastActivity:     r.lastActivity,
	}
}

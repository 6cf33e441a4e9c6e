package room

import (
	"time"
)

// Limits and thresholds for room state. These are part of the room contract,
// not tunables: tests and both sync strategies assume them.
const (
	// ParticipantStaleAfter is how long a session may go without a request
	// before it is purged from the room.
	ParticipantStaleAfter = 5 * time.Minute

	// ExpiresAfter is how long a room may sit without any mutating call
	// before the registry sweep may delete it.
	ExpiresAfter = time.Hour

	// EventLogCapacity bounds the per-room event backlog. Appending beyond
	// it drops the oldest entry.
	EventLogCapacity = 50

	// MaxActivePlayers caps active player records across all sessions in a
	// room.
	MaxActivePlayers = 4

	// DefaultRecentEvents is how many trailing events a watermark-less
	// fetch returns.
	DefaultRecentEvents = 10
)

// ParticipantInfo carries the caller-supplied fields for a join.
type ParticipantInfo struct {
	Name string `json:"name"`
}

// ParticipantRecord tracks one connected session (browser tab) in a room.
type ParticipantRecord struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joined_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// PlayerRecord is one roster entry owned by a session. A session's roster is
// replaced wholesale on every submission; records never migrate between
// sessions.
type PlayerRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Active    bool           `json:"active"`
	SessionID string         `json:"session_id"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PlayerSubmission is one roster entry as submitted by a client. The
// effective Active flag is decided by the room (see Room.UpdatePlayers).
type PlayerSubmission struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Attrs  map[string]any `json:"attrs,omitempty"`
	Active bool           `json:"active"`
}

// identity returns the key used to match a submission against the session's
// previous roster.
func (p PlayerSubmission) identity() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

// TimerState is the shared countdown timer. The most recent update replaces
// the whole struct; LastUpdatedBy records which session wrote it.
type TimerState struct {
	Running       bool       `json:"running"`
	RemainingSec  int        `json:"remaining_sec"`
	DurationSec   int        `json:"duration_sec"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastUpdatedBy string     `json:"last_updated_by"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// TimerUpdate carries the caller-supplied timer fields for a sync. Provenance
// is stamped by the room.
type TimerUpdate struct {
	Running      bool       `json:"running"`
	RemainingSec int        `json:"remaining_sec"`
	DurationSec  int        `json:"duration_sec"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

// Snapshot is a read-only projection of a room, returned to joiners and by
// room-info queries. Taking a snapshot never mutates the room.
type Snapshot struct {
	RoomID           string         `json:"room_id"`
	ParticipantCount int            `json:"participant_count"`
	ActivePlayers    int            `json:"active_players"`
	Dice             []int          `json:"dice,omitempty"`
	Timer            *TimerState    `json:"timer,omitempty"`
	Players          []PlayerRecord `json:"players"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivity     time.Time      `json:"last_activity"`
}

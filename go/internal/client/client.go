// Package client implements the browser-side session client: it owns the
// connection lifecycle for either sync strategy (a poll loop against the
// JSON API, or a long-lived WebSocket) and dispatches incoming state changes
// to application callbacks.
package client

import (
	"github.com/rs/zerolog/log"

	"github.com/mwhited/diceparty/go/internal/room"
)

// Status is the client's connectivity state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"

	// StatusReconnectFailed is terminal: the push client exhausted its
	// reconnect attempts and will not retry on its own.
	StatusReconnectFailed Status = "reconnect-failed"
)

// Callbacks are the application hooks fired as room state arrives. Nil
// callbacks are skipped. All callbacks are invoked from the client's own
// goroutine; implementations should return promptly.
type Callbacks struct {
	OnStatusChange     func(status Status)
	OnParticipantCount func(count int)
	OnDiceRoll         func(fromSession string, values []int)
	OnTimerSync        func(timer room.TimerState)
	OnPlayersUpdate    func(players []room.PlayerRecord)
	OnError            func(err error)
}

func (cb Callbacks) status(s Status) {
	if cb.OnStatusChange != nil {
		cb.OnStatusChange(s)
	}
}

func (cb Callbacks) participants(count int) {
	if cb.OnParticipantCount != nil {
		cb.OnParticipantCount(count)
	}
}

func (cb Callbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// dispatchEvent routes one room event to the matching callback.
func (cb Callbacks) dispatchEvent(evt room.Event) {
	payload, err := room.ParseEventPayload(evt)
	if err != nil {
		log.Warn().Err(err).Str("event_id", evt.ID).Msg("dropping undecodable event")
		cb.fail(err)
		return
	}

	switch p := payload.(type) {
	case room.DiceRollPayload:
		if cb.OnDiceRoll != nil {
			cb.OnDiceRoll(evt.FromSession, p.Values)
		}
	case room.TimerSyncPayload:
		if cb.OnTimerSync != nil {
			cb.OnTimerSync(p.Timer)
		}
	case room.PlayersUpdatePayload:
		if cb.OnPlayersUpdate != nil {
			cb.OnPlayersUpdate(p.Players)
		}
	}
}

// applySnapshot replays a join snapshot through the callbacks so the
// application converges to current state immediately.
func (cb Callbacks) applySnapshot(snap room.Snapshot) {
	cb.participants(snap.ParticipantCount)
	if snap.Dice != nil && cb.OnDiceRoll != nil {
		cb.OnDiceRoll("", snap.Dice)
	}
	if snap.Timer != nil && cb.OnTimerSync != nil {
		cb.OnTimerSync(*snap.Timer)
	}
	if cb.OnPlayersUpdate != nil {
		cb.OnPlayersUpdate(snap.Players)
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mwhited/diceparty/go/internal/poll"
	"github.com/mwhited/diceparty/go/internal/room"
)

// PollerConfig configures the pull-based session client.
type PollerConfig struct {
	BaseURL string

	// Interval is the base poll cadence. On repeated failures the cadence
	// grows by BackoffFactor per failure up to MaxInterval, and resets on
	// the next success.
	Interval      time.Duration
	BackoffFactor float64
	MaxInterval   time.Duration

	HTTPClient *http.Client
}

// DefaultPollerConfig returns the default polling cadence.
func DefaultPollerConfig(baseURL string) PollerConfig {
	return PollerConfig{
		BaseURL:       baseURL,
		Interval:      2 * time.Second,
		BackoffFactor: 1.5,
		MaxInterval:   10 * time.Second,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Poller is a pull-based session client. It creates or joins a room over the
// JSON API, then periodically fetches everything recorded since its last
// watermark and feeds it to the callbacks. Local state is optimistic between
// polls; convergence is within one poll interval of every peer.
type Poller struct {
	config    PollerConfig
	callbacks Callbacks
	clock     clockwork.Clock

	mu        sync.Mutex
	roomID    string
	sessionID string
	watermark *time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewPoller creates a poll-based session client.
func NewPoller(config PollerConfig, callbacks Callbacks, clock clockwork.Clock) *Poller {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{
		config:    config,
		callbacks: callbacks,
		clock:     clock,
		done:      make(chan struct{}),
	}
}

// CreateRoom creates a new room with this client as its first participant.
func (p *Poller) CreateRoom(ctx context.Context, name string) error {
	resp, err := p.post(ctx, "/api/rooms", poll.CreateRoomRequest{Name: name})
	if err != nil {
		return err
	}
	p.adopt(resp)
	return nil
}

// JoinRoom joins an existing room by code.
func (p *Poller) JoinRoom(ctx context.Context, code, name string) error {
	resp, err := p.post(ctx, "/api/rooms/"+url.PathEscape(code)+"/join", poll.JoinRoomRequest{Name: name})
	if err != nil {
		return err
	}
	p.adopt(resp)
	return nil
}

func (p *Poller) adopt(resp *poll.Response) {
	p.mu.Lock()
	p.roomID = resp.RoomID
	p.sessionID = resp.SessionID
	p.watermark = nil
	p.mu.Unlock()

	if resp.Snapshot != nil {
		p.callbacks.applySnapshot(*resp.Snapshot)
	}
}

// RoomID returns the joined room's code, empty before a join.
func (p *Poller) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

// SessionID returns this client's session identifier, empty before a join.
func (p *Poller) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Run polls until ctx is cancelled or Leave is called. Fires the status
// callback on every connectivity transition.
func (p *Poller) Run(ctx context.Context) {
	current := StatusConnecting
	p.callbacks.status(current)

	bo := newBackoff(p.config.Interval, p.config.BackoffFactor, p.config.MaxInterval)

	for {
		if err := p.pollOnce(ctx); err != nil {
			if current != StatusOffline {
				current = StatusOffline
				p.callbacks.status(current)
			}
			p.callbacks.fail(err)
			log.Debug().Err(err).Dur("next_interval", bo.Interval()).Msg("poll failed, backing off")
		} else {
			if current != StatusOnline {
				current = StatusOnline
				p.callbacks.status(current)
			}
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.clock.After(bo.Next()):
		}
	}
}

// pollOnce performs a single poll and dispatches its events.
func (p *Poller) pollOnce(ctx context.Context) error {
	p.mu.Lock()
	roomID, sessionID, watermark := p.roomID, p.sessionID, p.watermark
	p.mu.Unlock()

	if roomID == "" {
		return fmt.Errorf("poll: no room joined")
	}

	endpoint := p.config.BaseURL + "/api/rooms/" + url.PathEscape(roomID) + "/poll?session_id=" + url.QueryEscape(sessionID)
	if watermark != nil {
		endpoint += "&since=" + url.QueryEscape(watermark.Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build poll request: %w", err)
	}

	httpResp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("poll request: %w", err)
	}
	defer httpResp.Body.Close()

	var resp poll.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode poll response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("poll rejected: %s", resp.Error)
	}

	p.mu.Lock()
	p.watermark = resp.ServerTime
	p.mu.Unlock()

	if resp.ParticipantCount != nil {
		p.callbacks.participants(*resp.ParticipantCount)
	}
	for _, evt := range resp.Events {
		p.callbacks.dispatchEvent(evt)
	}
	return nil
}

// SyncDice reports a dice roll to the room.
func (p *Poller) SyncDice(ctx context.Context, values []int) error {
	return p.mutate(ctx, "dice", func(sessionID string) any {
		return poll.SyncDiceRequest{SessionID: sessionID, Values: values}
	})
}

// SyncTimer replaces the room's shared timer.
func (p *Poller) SyncTimer(ctx context.Context, timer room.TimerUpdate) error {
	return p.mutate(ctx, "timer", func(sessionID string) any {
		return poll.SyncTimerRequest{SessionID: sessionID, Timer: timer}
	})
}

// SyncPlayers replaces this session's player roster.
func (p *Poller) SyncPlayers(ctx context.Context, players []room.PlayerSubmission) error {
	return p.mutate(ctx, "players", func(sessionID string) any {
		return poll.SyncPlayersRequest{SessionID: sessionID, Players: players}
	})
}

func (p *Poller) mutate(ctx context.Context, action string, body func(sessionID string) any) error {
	p.mu.Lock()
	roomID, sessionID := p.roomID, p.sessionID
	p.mu.Unlock()

	if roomID == "" {
		return fmt.Errorf("%s: no room joined", action)
	}
	_, err := p.post(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/"+action, body(sessionID))
	return err
}

// Leave leaves the room and stops the poll loop. No further polling or
// delivery happens for this session afterwards.
func (p *Poller) Leave(ctx context.Context) error {
	p.mu.Lock()
	roomID, sessionID := p.roomID, p.sessionID
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.done) })

	if roomID == "" {
		return nil
	}
	_, err := p.post(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/leave", poll.LeaveRoomRequest{SessionID: sessionID})
	p.callbacks.status(StatusOffline)
	return err
}

func (p *Poller) post(ctx context.Context, path string, body any) (*poll.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	var resp poll.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s rejected: %s", path, resp.Error)
	}
	return &resp, nil
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mwhited/diceparty/go/internal/gateway"
	"github.com/mwhited/diceparty/go/internal/room"
)

// PushConfig configures the push-based (WebSocket) session client.
type PushConfig struct {
	// URL is the room socket endpoint, e.g. "ws://host/ws/room".
	URL string

	// Reconnects after a dropped connection are capped at MaxReconnects
	// attempts with linearly increasing delay (ReconnectDelay x attempt).
	// When exhausted the client reports StatusReconnectFailed and stops.
	MaxReconnects  int
	ReconnectDelay time.Duration

	HandshakeTimeout time.Duration
}

// DefaultPushConfig returns the default reconnect policy.
func DefaultPushConfig(wsURL string) PushConfig {
	return PushConfig{
		URL:              wsURL,
		MaxReconnects:    5,
		ReconnectDelay:   time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// PushClient is a push-based session client. Its connection moves through
// connecting -> online -> offline; a drop triggers the capped reconnect
// loop, and an exhausted loop parks the client in the terminal
// reconnect-failed state.
type PushClient struct {
	config    PushConfig
	callbacks Callbacks
	clock     clockwork.Clock

	mu        sync.Mutex
	conn      *websocket.Conn
	roomID    string
	sessionID string
	name      string
	closed    bool
}

// NewPushClient creates a WebSocket session client.
func NewPushClient(config PushConfig, callbacks Callbacks, clock clockwork.Clock) *PushClient {
	return &PushClient{
		config:    config,
		callbacks: callbacks,
		clock:     clock,
	}
}

// CreateRoom connects and creates a new room with this client as its first
// participant. Blocks until the welcome frame arrives.
func (c *PushClient) CreateRoom(ctx context.Context, name string) error {
	return c.connect(ctx, "", name)
}

// JoinRoom connects and joins an existing room by code.
func (c *PushClient) JoinRoom(ctx context.Context, code, name string) error {
	if code == "" {
		return fmt.Errorf("join room: code is required")
	}
	return c.connect(ctx, code, name)
}

func (c *PushClient) connect(ctx context.Context, code, name string) error {
	c.callbacks.status(StatusConnecting)

	endpoint := c.config.URL + "?name=" + url.QueryEscape(name)
	if code == "" {
		endpoint += "&create=1"
	} else {
		endpoint += "&code=" + url.QueryEscape(code)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.callbacks.status(StatusOffline)
		return fmt.Errorf("dial room socket: %w", err)
	}

	var welcome gateway.ServerFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		c.callbacks.status(StatusOffline)
		return fmt.Errorf("read welcome frame: %w", err)
	}
	if welcome.Type != gateway.FrameWelcome || !welcome.Success {
		conn.Close()
		c.callbacks.status(StatusOffline)
		return fmt.Errorf("unexpected welcome frame %q: %s", welcome.Type, welcome.Error)
	}

	c.mu.Lock()
	c.conn = conn
	c.roomID = welcome.RoomID
	c.sessionID = welcome.SessionID
	c.name = name
	c.mu.Unlock()

	c.callbacks.status(StatusOnline)
	if welcome.Snapshot != nil {
		c.callbacks.applySnapshot(*welcome.Snapshot)
	}

	go c.readLoop(ctx, conn)
	return nil
}

// readLoop dispatches server frames until the connection drops, then hands
// off to the reconnect loop.
func (c *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame gateway.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}

			log.Warn().Err(err).Msg("room socket dropped")
			c.callbacks.status(StatusOffline)
			c.reconnect(ctx)
			return
		}
		c.dispatchFrame(frame)
	}
}

func (c *PushClient) dispatchFrame(frame gateway.ServerFrame) {
	switch frame.Type {
	case gateway.FrameEvent:
		if frame.Event != nil {
			c.callbacks.dispatchEvent(*frame.Event)
		}
	case gateway.FrameParticipants:
		c.callbacks.participants(frame.ParticipantCount)
	case gateway.FrameAck:
		if !frame.Success {
			c.callbacks.fail(fmt.Errorf("action rejected: %s", frame.Error))
		}
	}
}

// reconnect re-dials the room with linearly increasing delay. The server
// side already left the room when the connection dropped, so a successful
// reconnect joins as a fresh session.
func (c *PushClient) reconnect(ctx context.Context) {
	c.mu.Lock()
	code, name := c.roomID, c.name
	c.mu.Unlock()

	for attempt := 1; attempt <= c.config.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(time.Duration(attempt) * c.config.ReconnectDelay):
		}

		log.Info().
			Int("attempt", attempt).
			Str("room_id", code).
			Msg("reconnecting to room")

		if err := c.connect(ctx, code, name); err != nil {
			c.callbacks.fail(fmt.Errorf("reconnect attempt %d: %w", attempt, err))
			continue
		}
		return
	}

	log.Error().Str("room_id", code).Int("attempts", c.config.MaxReconnects).Msg("reconnect attempts exhausted")
	c.callbacks.status(StatusReconnectFailed)
}

// RoomID returns the connected room's code, empty before a join.
func (c *PushClient) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// SessionID returns this client's session identifier, empty before a join.
func (c *PushClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SyncDice reports a dice roll to the room.
func (c *PushClient) SyncDice(values []int) error {
	return c.send(gateway.ActionSyncDice, gateway.SyncDicePayload{Values: values})
}

// SyncTimer replaces the room's shared timer.
func (c *PushClient) SyncTimer(timer room.TimerUpdate) error {
	return c.send(gateway.ActionSyncTimer, gateway.SyncTimerPayload{Timer: timer})
}

// SyncPlayers replaces this session's player roster.
func (c *PushClient) SyncPlayers(players []room.PlayerSubmission) error {
	return c.send(gateway.ActionSyncPlayers, gateway.SyncPlayersPayload{Players: players})
}

func (c *PushClient) send(action gateway.Action, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", action, err)
	}
	frame := gateway.ClientFrame{
		Action:    action,
		RequestID: uuid.New().String(),
		Payload:   data,
	}

	// The lock also serializes writers; gorilla allows one writer at a time.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%s: not connected", action)
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	return nil
}

// Close leaves the room and closes the connection. No further delivery or
// reconnects happen afterwards.
func (c *PushClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.closed = true
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	leave := gateway.ClientFrame{Action: gateway.ActionLeaveRoom}
	if err := conn.WriteJSON(leave); err != nil {
		log.Debug().Err(err).Msg("failed to send leave frame, closing anyway")
	}
	c.callbacks.status(StatusOffline)
	return conn.Close()
}

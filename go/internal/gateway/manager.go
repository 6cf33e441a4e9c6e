package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mwhited/diceparty/go/internal/room"
)

// ConnectionManager holds the live WebSocket connections for push-based
// delivery. Every room mutation committed through the registry arrives here
// via the room.Broadcaster hook and is forwarded immediately to all other
// connected participants of that room.
type ConnectionManager struct {
	registry *room.Registry
	clock    clockwork.Clock

	// Connection pools organized by room code
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
}

// Connection represents one participant's WebSocket connection.
type Connection struct {
	ID        string
	RoomID    string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	leaveOnce sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// broadcastMessage is one frame to fan out to a room's connections.
type broadcastMessage struct {
	RoomID         string
	ExcludeSession string // if set, skip connections owned by this session
	Frame          ServerFrame
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a connection manager bound to the registry.
// Install it as the registry's broadcaster so mutations reach peers.
func NewConnectionManager(registry *room.Registry, config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		registry:        registry,
		clock:           clock,
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// Verify the manager satisfies the registry's delivery hook.
var _ room.Broadcaster = (*ConnectionManager)(nil)

// EventAppended forwards a committed room event to every connected
// participant except its author.
func (cm *ConnectionManager) EventAppended(roomID string, evt room.Event) {
	e := evt
	cm.enqueue(broadcastMessage{
		RoomID:         roomID,
		ExcludeSession: evt.FromSession,
		Frame:          ServerFrame{Type: FrameEvent, Success: true, Event: &e},
	})
}

// ParticipantCountChanged notifies every connected participant of the new
// count after a join or leave.
func (cm *ConnectionManager) ParticipantCountChanged(roomID string, count int) {
	cm.enqueue(broadcastMessage{
		RoomID: roomID,
		Frame:  ServerFrame{Type: FrameParticipants, Success: true, ParticipantCount: count},
	})
}

func (cm *ConnectionManager) enqueue(msg broadcastMessage) {
	select {
	case cm.broadcastCh <- msg:
	default:
		log.Warn().Str("room_id", msg.RoomID).Msg("broadcast channel full, dropping message")
	}
}

// Start begins processing broadcast messages. Blocks until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection for a
// session that has already joined the room, sends the welcome frame, and
// starts the read/write pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, roomID, sessionID string, snap room.Snapshot) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		SessionID:   sessionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
		LastPing:    cm.clock.Now(),
	}

	cm.registerConnection(connection)

	welcome := ServerFrame{
		Type:      FrameWelcome,
		Success:   true,
		RoomID:    roomID,
		SessionID: sessionID,
		Snapshot:  &snap,
	}
	if data, err := json.Marshal(welcome); err == nil {
		cm.deliver(connection, data)
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("room_id", roomID).
		Str("session_id", sessionID).
		Msg("WebSocket connection established")

	return nil
}

// registerConnection adds a connection to its room's pool.
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("total_connections", len(cm.roomConnections[conn.RoomID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from its pool and leaves the
// room on the session's behalf. In push mode an empty room is deleted
// immediately by the registry, with no sweep delay.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	removed := false
	if connections, exists := cm.roomConnections[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)
			removed = true

			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomID)
			}
		}
	}
	cm.mu.Unlock()

	if !removed {
		return
	}

	conn.leaveOnce.Do(func() {
		if err := cm.registry.LeaveRoom(conn.RoomID, conn.SessionID); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
			log.Error().
				Err(err).
				Str("room_id", conn.RoomID).
				Str("session_id", conn.SessionID).
				Msg("failed to leave room on disconnect")
		}
	})

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Str("session_id", conn.SessionID).
		Msg("connection unregistered")
}

// handleBroadcast fans one frame out to a room's connections. Delivery is
// best effort: a peer whose send buffer is full is evicted rather than
// allowed to block delivery to others.
func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	data, err := json.Marshal(message.Frame)
	if err != nil {
		cm.mu.RUnlock()
		log.Error().Err(err).Msg("failed to marshal frame for broadcast")
		return
	}

	// Sends are non-blocking and happen under the read lock so a concurrent
	// unregister (which closes Send under the write lock) cannot interleave.
	var slow []*Connection
	sent := 0
	for conn := range connections {
		if message.ExcludeSession != "" && conn.SessionID == message.ExcludeSession {
			continue
		}
		select {
		case conn.Send <- data:
			sent++
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("session_id", conn.SessionID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("frame_type", message.Frame.Type).
		Str("room_id", message.RoomID).
		Int("connections", sent).
		Msg("frame broadcasted")
}

// Stats reports active connection counts for the stats endpoint.
func (cm *ConnectionManager) Stats() (totalConnections, activeRooms int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, connections := range cm.roomConnections {
		totalConnections += len(connections)
	}
	return totalConnections, len(cm.roomConnections)
}

// handleClientFrame dispatches one parsed client frame against the registry
// and acks the result to the originating connection only. Peer delivery
// happens through the broadcaster hook when the mutation commits.
func (cm *ConnectionManager) handleClientFrame(conn *Connection, frame ClientFrame) {
	switch frame.Action {
	case ActionSyncDice:
		var payload SyncDicePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			conn.sendFrame(nackFrame(frame.RequestID, "invalid sync-dice payload"))
			return
		}
		if _, err := cm.registry.SyncDice(conn.RoomID, conn.SessionID, payload.Values); err != nil {
			conn.sendFrame(nackFrame(frame.RequestID, userError(err)))
			return
		}
		conn.sendFrame(ackFrame(frame.RequestID))

	case ActionSyncTimer:
		var payload SyncTimerPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			conn.sendFrame(nackFrame(frame.RequestID, "invalid sync-timer payload"))
			return
		}
		if _, err := cm.registry.SyncTimer(conn.RoomID, conn.SessionID, payload.Timer); err != nil {
			conn.sendFrame(nackFrame(frame.RequestID, userError(err)))
			return
		}
		conn.sendFrame(ackFrame(frame.RequestID))

	case ActionSyncPlayers:
		var payload SyncPlayersPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			conn.sendFrame(nackFrame(frame.RequestID, "invalid sync-players payload"))
			return
		}
		if _, err := cm.registry.SyncPlayers(conn.RoomID, conn.SessionID, payload.Players); err != nil {
			conn.sendFrame(nackFrame(frame.RequestID, userError(err)))
			return
		}
		conn.sendFrame(ackFrame(frame.RequestID))

	case ActionLeaveRoom:
		conn.sendFrame(ackFrame(frame.RequestID))
		conn.Conn.Close()

	default:
		conn.sendFrame(nackFrame(frame.RequestID, fmt.Sprintf("unknown action %q", frame.Action)))
	}
}

// touchSession refreshes the session's liveness from connection traffic. The
// open socket is the membership signal in push mode: an idle-but-connected
// participant must not go stale while pings keep the connection alive.
func (cm *ConnectionManager) touchSession(conn *Connection) {
	rm, err := cm.registry.GetRoom(conn.RoomID)
	if err != nil {
		return
	}
	if err := rm.Touch(conn.SessionID); err != nil {
		log.Debug().
			Str("connection_id", conn.ID).
			Str("session_id", conn.SessionID).
			Msg("touch for absent session")
	}
}

// userError maps registry errors to a message safe to echo to the client.
func userError(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, room.ErrSessionNotFound):
		return "session not found"
	default:
		return "internal error"
	}
}

func (c *Connection) sendFrame(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal server frame")
		return
	}
	c.Manager.deliver(c, data)
}

// deliver sends raw data to a connection if it is still registered. Held
// under the read lock for the same reason as handleBroadcast.
func (cm *ConnectionManager) deliver(conn *Connection, data []byte) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	connections, ok := cm.roomConnections[conn.RoomID]
	if !ok || !connections[conn] {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("send buffer full, dropping frame")
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = c.Manager.clock.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = c.Manager.clock.Now()
		c.Manager.touchSession(c)
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		// Any inbound traffic counts as liveness, even a rejected frame.
		c.Manager.touchSession(c)

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendFrame(nackFrame("", "invalid frame"))
		} else {
			c.Manager.handleClientFrame(c, frame)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

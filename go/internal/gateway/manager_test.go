package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mwhited/diceparty/go/internal/room"
)

type testGateway struct {
	server   *httptest.Server
	registry *room.Registry
}

func newTestGateway(t *testing.T) *testGateway {
	return newTestGatewayClock(t, clockwork.NewRealClock(), DefaultConnectionConfig())
}

func newTestGatewayClock(t *testing.T, clock clockwork.Clock, config ConnectionConfig) *testGateway {
	t.Helper()

	registry := room.NewRegistry(clock)
	manager := NewConnectionManager(registry, config, clock)
	registry.SetBroadcaster(manager)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Start(ctx)
	t.Cleanup(cancel)

	mux := http.NewServeMux()
	NewWebSocketHandler(registry, manager).RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testGateway{server: server, registry: registry}
}

func (g *testGateway) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/room?" + query
}

func dialRoom(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", rawURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame ServerFrame
	if err := conn.ReadJSON(&frame); err == nil {
		t.Fatalf("expected no frame, got %+v", frame)
	}
}

func sendAction(t *testing.T, conn *websocket.Conn, action Action, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	err = conn.WriteJSON(ClientFrame{Action: action, RequestID: "req-1", Payload: data})
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// TestPushBroadcastScenario covers the push path end to end: create, join,
// roll; the peer receives the roll immediately and the author is not echoed.
func TestPushBroadcastScenario(t *testing.T) {
	g := newTestGateway(t)

	host := dialRoom(t, g.wsURL("create=1&name=host"))
	welcome := readFrame(t, host)
	if welcome.Type != FrameWelcome || !welcome.Success {
		t.Fatalf("expected welcome frame, got %+v", welcome)
	}
	if welcome.RoomID == "" || welcome.SessionID == "" {
		t.Fatal("welcome frame missing identifiers")
	}
	if welcome.Snapshot == nil || welcome.Snapshot.ParticipantCount != 1 {
		t.Fatalf("unexpected welcome snapshot: %+v", welcome.Snapshot)
	}

	guest := dialRoom(t, g.wsURL("code="+welcome.RoomID+"&name=guest"))
	guestWelcome := readFrame(t, guest)
	if guestWelcome.Type != FrameWelcome || guestWelcome.RoomID != welcome.RoomID {
		t.Fatalf("unexpected guest welcome: %+v", guestWelcome)
	}

	// The host hears about the join.
	counts := readFrame(t, host)
	if counts.Type != FrameParticipants || counts.ParticipantCount != 2 {
		t.Fatalf("expected participants frame with count 2, got %+v", counts)
	}

	// Host rolls; host gets the ack, guest gets the event.
	sendAction(t, host, ActionSyncDice, SyncDicePayload{Values: []int{3, 5}})
	ack := readFrame(t, host)
	if ack.Type != FrameAck || !ack.Success || ack.RequestID != "req-1" {
		t.Fatalf("expected successful ack, got %+v", ack)
	}

	evtFrame := readFrame(t, guest)
	if evtFrame.Type != FrameEvent || evtFrame.Event == nil {
		t.Fatalf("expected event frame, got %+v", evtFrame)
	}
	if evtFrame.Event.Type != room.EventDiceRoll {
		t.Fatalf("expected dice-roll event, got %s", evtFrame.Event.Type)
	}
	if evtFrame.Event.FromSession != welcome.SessionID {
		t.Fatalf("event from %s, want %s", evtFrame.Event.FromSession, welcome.SessionID)
	}
	payload, err := room.ParseEventPayload(*evtFrame.Event)
	if err != nil {
		t.Fatalf("ParseEventPayload returned error: %v", err)
	}
	if diff := cmp.Diff([]int{3, 5}, payload.(room.DiceRollPayload).Values); diff != "" {
		t.Fatalf("dice values mismatch (-want +got):\n%s", diff)
	}

	// The author must not receive its own event.
	expectNoFrame(t, host)
}

// TestDisconnectLeavesRoom ensures a dropped connection leaves the room,
// notifies the peer, and the emptied room is deleted immediately.
func TestDisconnectLeavesRoom(t *testing.T) {
	g := newTestGateway(t)

	host := dialRoom(t, g.wsURL("create=1&name=host"))
	welcome := readFrame(t, host)

	guest := dialRoom(t, g.wsURL("code="+welcome.RoomID+"&name=guest"))
	readFrame(t, guest) // welcome
	readFrame(t, host)  // participants count 2

	guest.Close()

	// The host sees the departure: a count frame and the roster event, in
	// broadcast order.
	sawCount := false
	sawRoster := false
	for i := 0; i < 2; i++ {
		frame := readFrame(t, host)
		switch frame.Type {
		case FrameParticipants:
			if frame.ParticipantCount != 1 {
				t.Fatalf("expected count 1 after departure, got %d", frame.ParticipantCount)
			}
			sawCount = true
		case FrameEvent:
			if frame.Event == nil || frame.Event.Type != room.EventPlayersUpdate {
				t.Fatalf("expected players-update event, got %+v", frame)
			}
			sawRoster = true
		default:
			t.Fatalf("unexpected frame %+v", frame)
		}
	}
	if !sawCount || !sawRoster {
		t.Fatalf("missing departure frames: count=%v roster=%v", sawCount, sawRoster)
	}

	// Last connection out deletes the room with no sweep delay.
	host.Close()
	waitFor(t, func() bool { return g.registry.Len() == 0 })
}

// TestJoinUnknownRoomFailsHandshake ensures a bad code is rejected before
// the upgrade with a plain HTTP status.
func TestJoinUnknownRoomFailsHandshake(t *testing.T) {
	g := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL("code=ZZZZZZ&name=x"), nil)
	if err == nil {
		t.Fatal("expected handshake failure for unknown room")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
}

// TestLeaveActionClosesConnection ensures an explicit leave-room action acks
// and tears the connection down server-side.
func TestLeaveActionClosesConnection(t *testing.T) {
	g := newTestGateway(t)

	host := dialRoom(t, g.wsURL("create=1&name=host"))
	readFrame(t, host) // welcome

	sendAction(t, host, ActionLeaveRoom, struct{}{})
	ack := readFrame(t, host)
	if ack.Type != FrameAck || !ack.Success {
		t.Fatalf("expected leave ack, got %+v", ack)
	}

	waitFor(t, func() bool { return g.registry.Len() == 0 })
}

// TestConnectionTrafficRefreshesSession ensures any inbound frame refreshes
// the session's liveness, so the sweep never purges a connected participant
// that has been quiet past the staleness window.
func TestConnectionTrafficRefreshesSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGatewayClock(t, clock, DefaultConnectionConfig())

	host := dialRoom(t, g.wsURL("create=1&name=host"))
	welcome := readFrame(t, host)

	clock.Advance(room.ParticipantStaleAfter + time.Minute)

	// Even a rejected frame counts as liveness.
	sendAction(t, host, Action("bogus"), struct{}{})
	nack := readFrame(t, host)
	if nack.Type != FrameAck || nack.Success {
		t.Fatalf("expected nack for unknown action, got %+v", nack)
	}

	if deleted := g.registry.Sweep(); deleted != 0 {
		t.Fatalf("sweep purged a connected room, deleted %d", deleted)
	}
	rm, err := g.registry.GetRoom(welcome.RoomID)
	if err != nil {
		t.Fatalf("GetRoom returned error: %v", err)
	}
	if got := rm.LiveParticipantCount(); got != 1 {
		t.Fatalf("expected 1 live participant, got %d", got)
	}
}

// TestKeepaliveRefreshesIdleSession ensures the ping/pong keepalive alone is
// enough to keep a silent viewer's session live.
func TestKeepaliveRefreshesIdleSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	config := DefaultConnectionConfig()
	config.PingInterval = 20 * time.Millisecond
	g := newTestGatewayClock(t, clock, config)

	host := dialRoom(t, g.wsURL("create=1&name=host"))
	welcome := readFrame(t, host)

	// Keep reading so the client library answers pings with pongs.
	go func() {
		for {
			if _, _, err := host.ReadMessage(); err != nil {
				return
			}
		}
	}()

	clock.Advance(room.ParticipantStaleAfter + time.Minute)

	// Let a few ping/pong cycles land after the jump.
	time.Sleep(300 * time.Millisecond)

	if deleted := g.registry.Sweep(); deleted != 0 {
		t.Fatalf("sweep purged an idle connected room, deleted %d", deleted)
	}
	rm, err := g.registry.GetRoom(welcome.RoomID)
	if err != nil {
		t.Fatalf("GetRoom returned error: %v", err)
	}
	if got := rm.LiveParticipantCount(); got != 1 {
		t.Fatalf("expected 1 live participant, got %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

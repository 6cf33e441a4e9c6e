package poll

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/mwhited/diceparty/go/internal/room"
)

type testAPI struct {
	server   *httptest.Server
	registry *room.Registry
	clock    *clockwork.FakeClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	clock := clockwork.NewFakeClock()
	registry := room.NewRegistry(clock)
	handler := NewHandler(registry, clock)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testAPI{server: server, registry: registry, clock: clock}
}

func (a *testAPI) post(t *testing.T, path string, body any) (Response, int) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	httpResp, err := http.Post(a.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, httpResp.StatusCode
}

func (a *testAPI) get(t *testing.T, path string) (Response, int) {
	t.Helper()

	httpResp, err := http.Get(a.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, httpResp.StatusCode
}

func (a *testAPI) pollPath(code, sessionID string, since *time.Time) string {
	path := "/api/rooms/" + code + "/poll?session_id=" + url.QueryEscape(sessionID)
	if since != nil {
		path += "&since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	}
	return path
}

// TestCreateJoinPollScenario walks the core pull flow: the creator rolls
// dice, a second session polls and sees the roll, and the creator never sees
// its own event echoed back.
func TestCreateJoinPollScenario(t *testing.T) {
	api := newTestAPI(t)

	created, status := api.post(t, "/api/rooms", CreateRoomRequest{Name: "host"})
	if status != http.StatusOK || !created.Success {
		t.Fatalf("create failed: status=%d resp=%+v", status, created)
	}
	code, s1 := created.RoomID, created.SessionID

	rolled, _ := api.post(t, "/api/rooms/"+code+"/dice", SyncDiceRequest{SessionID: s1, Values: []int{3, 5}})
	if !rolled.Success {
		t.Fatalf("dice sync failed: %+v", rolled)
	}

	joined, _ := api.post(t, "/api/rooms/"+code+"/join", JoinRoomRequest{Name: "guest"})
	if !joined.Success {
		t.Fatalf("join failed: %+v", joined)
	}
	s2 := joined.SessionID

	// The guest's first poll (no watermark) catches up on the roll.
	resp, _ := api.get(t, api.pollPath(code, s2, nil))
	if !resp.Success {
		t.Fatalf("poll failed: %+v", resp)
	}
	if resp.ParticipantCount == nil || *resp.ParticipantCount != 2 {
		t.Fatalf("expected participant count 2, got %+v", resp.ParticipantCount)
	}
	if resp.ServerTime == nil {
		t.Fatal("expected a server_time watermark")
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
	evt := resp.Events[0]
	if evt.Type != room.EventDiceRoll {
		t.Fatalf("expected dice-roll event, got %s", evt.Type)
	}
	if evt.FromSession == s2 {
		t.Fatal("event attributed to the polling session")
	}
	payload, err := room.ParseEventPayload(evt)
	if err != nil {
		t.Fatalf("ParseEventPayload returned error: %v", err)
	}
	if diff := cmp.Diff([]int{3, 5}, payload.(room.DiceRollPayload).Values); diff != "" {
		t.Fatalf("dice values mismatch (-want +got):\n%s", diff)
	}

	// The author polls and must not be echoed its own write.
	own, _ := api.get(t, api.pollPath(code, s1, nil))
	if !own.Success {
		t.Fatalf("poll failed: %+v", own)
	}
	if len(own.Events) != 0 {
		t.Fatalf("author saw its own events: %+v", own.Events)
	}

	// Polling again with the returned watermark yields nothing new.
	caught, _ := api.get(t, api.pollPath(code, s2, resp.ServerTime))
	if len(caught.Events) != 0 {
		t.Fatalf("expected no events past watermark, got %+v", caught.Events)
	}
}

// TestPollSeesSubsequentWrites ensures the watermark handoff picks up writes
// that land between polls.
func TestPollSeesSubsequentWrites(t *testing.T) {
	api := newTestAPI(t)

	created, _ := api.post(t, "/api/rooms", CreateRoomRequest{Name: "host"})
	code, s1 := created.RoomID, created.SessionID
	joined, _ := api.post(t, "/api/rooms/"+code+"/join", JoinRoomRequest{Name: "guest"})
	s2 := joined.SessionID

	first, _ := api.get(t, api.pollPath(code, s2, nil))
	watermark := first.ServerTime

	api.clock.Advance(time.Second)
	api.post(t, "/api/rooms/"+code+"/timer", SyncTimerRequest{
		SessionID: s1,
		Timer:     room.TimerUpdate{Running: true, RemainingSec: 120, DurationSec: 120},
	})

	second, _ := api.get(t, api.pollPath(code, s2, watermark))
	if len(second.Events) != 1 || second.Events[0].Type != room.EventTimerSync {
		t.Fatalf("expected one timer-sync event, got %+v", second.Events)
	}
}

// TestRoomNotFound ensures unknown codes produce the structured error
// envelope, not a crash or bare 404.
func TestRoomNotFound(t *testing.T) {
	api := newTestAPI(t)

	resp, status := api.post(t, "/api/rooms/ZZZZZZ/dice", SyncDiceRequest{SessionID: "s", Values: []int{1}})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Success || resp.Error != "room not found" {
		t.Fatalf("expected room-not-found envelope, got %+v", resp)
	}

	if _, status := api.get(t, "/api/rooms/ZZZZZZ"); status != http.StatusNotFound {
		t.Fatalf("expected 404 for info, got %d", status)
	}
}

// TestSessionNotFoundRejectsActiveOps ensures mutations from purged or
// unknown sessions are rejected while leave stays a no-op.
func TestSessionNotFoundRejectsActiveOps(t *testing.T) {
	api := newTestAPI(t)

	created, _ := api.post(t, "/api/rooms", CreateRoomRequest{})
	code := created.RoomID

	resp, status := api.post(t, "/api/rooms/"+code+"/dice", SyncDiceRequest{SessionID: "ghost", Values: []int{1}})
	if status != http.StatusNotFound || resp.Error != "session not found" {
		t.Fatalf("expected session-not-found rejection, got status=%d resp=%+v", status, resp)
	}

	leave, status := api.post(t, "/api/rooms/"+code+"/leave", LeaveRoomRequest{SessionID: "ghost"})
	if status != http.StatusOK || !leave.Success {
		t.Fatalf("leave of unknown session should be a no-op, got status=%d resp=%+v", status, leave)
	}
}

// TestRoomInfoDoesNotRefreshActivity ensures the read-only projection leaves
// lastActivity untouched.
func TestRoomInfoDoesNotRefreshActivity(t *testing.T) {
	api := newTestAPI(t)

	created, _ := api.post(t, "/api/rooms", CreateRoomRequest{})
	code := created.RoomID

	before, _ := api.get(t, "/api/rooms/"+code)
	if before.Snapshot == nil {
		t.Fatal("expected a snapshot")
	}

	api.clock.Advance(10 * time.Minute)

	after, _ := api.get(t, "/api/rooms/"+code)
	if !after.Snapshot.LastActivity.Equal(before.Snapshot.LastActivity) {
		t.Fatalf("info query refreshed lastActivity: %v -> %v",
			before.Snapshot.LastActivity, after.Snapshot.LastActivity)
	}
}

// TestPlayersFlowOverAPI pushes five rosters through the HTTP surface and
// checks the cap holds end to end.
func TestPlayersFlowOverAPI(t *testing.T) {
	api := newTestAPI(t)

	created, _ := api.post(t, "/api/rooms", CreateRoomRequest{})
	code := created.RoomID

	sessions := []string{created.SessionID}
	for i := 0; i < 4; i++ {
		joined, _ := api.post(t, "/api/rooms/"+code+"/join", JoinRoomRequest{})
		sessions = append(sessions, joined.SessionID)
	}

	for _, s := range sessions {
		resp, _ := api.post(t, "/api/rooms/"+code+"/players", SyncPlayersRequest{
			SessionID: s,
			Players:   []room.PlayerSubmission{{ID: "p", Name: "Hero", Active: true}},
		})
		if !resp.Success {
			t.Fatalf("players sync failed: %+v", resp)
		}
	}

	info, _ := api.get(t, "/api/rooms/"+code)
	if info.Snapshot.ActivePlayers != room.MaxActivePlayers {
		t.Fatalf("expected %d active players, got %d", room.MaxActivePlayers, info.Snapshot.ActivePlayers)
	}
	if len(info.Snapshot.Players) != 5 {
		t.Fatalf("expected 5 player records, got %d", len(info.Snapshot.Players))
	}
}

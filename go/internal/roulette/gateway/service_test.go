package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
)

const (
	testSessionID = int64(10)
	testRoomID    = int64(3)
)

type memoryStore struct {
	mu      sync.Mutex
	winners map[int64]int64
}

func (m *memoryStore) LoadSession(_ context.Context, id int64) (*models.SessionSnapshot, error) {
	if id != testSessionID {
		return nil, orchestrator.ErrSessionNotFound
	}
	return &models.SessionSnapshot{ID: id, RoomID: testRoomID, CreatorID: 1, Status: models.StoredStatusPlanned}, nil
}

func (m *memoryStore) PersistWinner(_ context.Context, sessionID, userID int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.winners[sessionID] = userID
	return nil
}

type roomMembers map[int64][]int64

func (rm roomMembers) ValidateMembership(_ context.Context, roomID, userID int64) error {
	for _, id := range rm[roomID] {
		if id == userID {
			return nil
		}
	}
	return orchestrator.ErrMembershipDenied
}

type staticProfiles map[int64]models.Profile

func (sp staticProfiles) FetchProfiles(_ context.Context, ids []int64) ([]models.Profile, error) {
	var out []models.Profile
	for _, id := range ids {
		if p, ok := sp[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fixedCounters struct{ published, dropped uint64 }

func (f fixedCounters) Published() uint64 { return f.published }
func (f fixedCounters) Dropped() uint64 { return f.dropped }

type testServer struct {
	srv         *httptest.Server
	svc         *Service
	auth        *JWTAuthenticator
	store       *memoryStore
	coordinator *orchestrator.Coordinator
}

func newTestServer(t *testing.T, cfg orchestrator.Config) *testServer {
	t.Helper()
	store := &memoryStore{winners: make(map[int64]int64)}
	coordinator := orchestrator.NewCoordinator(store, cfg)
	auth := NewJWTAuthenticator(testSecret)

	svc := NewService(DefaultConfig(), coordinator, auth,
		roomMembers{testRoomID: {1, 2}},
		staticProfiles{
			1: {ID: 1, FirstName: "alice"},
			2: {ID: 2, FirstName: "bob"},
		},
	)
	svc.SetOutbox(fixedCounters{published: 4, dropped: 1})
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		svc.Shutdown()
		srv.Close()
		coordinator.Shutdown()
	})
	return &testServer{srv: srv, svc: svc, auth: auth, store: store, coordinator: coordinator}
}

func (ts *testServer) dial(t *testing.T, sessionID, userID int64) *websocket.Conn {
	t.Helper()
	token, err := ts.auth.IssueToken(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return ts.dialToken(t, sessionID, token)
}

func (ts *testServer) dialToken(t *testing.T, sessionID int64, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/sessions/" + strconv.FormatInt(sessionID, 10) + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until one with the given event type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, event string) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame["event"] == event {
			return frame
		}
	}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("read error = %v, want close frame %d", err, code)
		}
		if closeErr.Code != code {
			t.Fatalf("close code = %d (%q), want %d", closeErr.Code, closeErr.Text, code)
		}
		return
	}
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnectionRefusals(t *testing.T) {
	ts := newTestServer(t, orchestrator.DefaultConfig())

	t.Run("bad token", func(t *testing.T) {
		ws := ts.dialToken(t, testSessionID, "not-a-jwt")
		expectClose(t, ws, CloseAuthenticationFailed)
	})
	t.Run("unknown session", func(t *testing.T) {
		ws := ts.dial(t, 999, 1)
		expectClose(t, ws, CloseSessionUnavailable)
	})
	t.Run("not a room member", func(t *testing.T) {
		ws := ts.dial(t, testSessionID, 7)
		expectClose(t, ws, CloseMembershipDenied)
	})
}

func TestRefusedJoinDoesNotKeepSession(t *testing.T) {
	ts := newTestServer(t, orchestrator.DefaultConfig())

	stranger := ts.dial(t, testSessionID, 99)
	expectClose(t, stranger, CloseMembershipDenied)
	if diff := cmp.Diff(orchestrator.Stats{}, ts.coordinator.Stats()); diff != "" {
		t.Fatalf("stats after refused join (-want +got):\n%s", diff)
	}

	alice := ts.dial(t, testSessionID, 1)
	readUntil(t, alice, "session_state")

	again := ts.dial(t, testSessionID, 99)
	expectClose(t, again, CloseMembershipDenied)
	want := orchestrator.Stats{ActiveSessions: 1, TotalConnections: 1}
	if diff := cmp.Diff(want, ts.coordinator.Stats()); diff != "" {
		t.Errorf("stats with a member connected (-want +got):\n%s", diff)
	}
}

func TestHandshakeAndPing(t *testing.T) {
	ts := newTestServer(t, orchestrator.DefaultConfig())
	alice := ts.dial(t, testSessionID, 1)

	state := readUntil(t, alice, "session_state")
	if state["phase"] != "planned" || state["creator_id"] != float64(1) {
		t.Errorf("session_state = %v", state)
	}
	joined := readUntil(t, alice, "user_joined")
	if joined["username"] != "alice" {
		t.Errorf("user_joined = %v", joined)
	}

	bob := ts.dial(t, testSessionID, 2)
	readUntil(t, bob, "session_state")
	if got := readUntil(t, alice, "user_joined"); got["user_id"] != float64(2) {
		t.Errorf("alice saw user_joined %v, want bob", got)
	}

	send(t, bob, `{"action":"ping"}`)
	readUntil(t, bob, "pong")

	send(t, bob, `{"action":"get_users"}`)
	users := readUntil(t, bob, "users_in_session")["users"].([]any)
	if len(users) != 2 {
		t.Errorf("users = %v, want two", users)
	}

	send(t, bob, `{"action":"start_game"}`)
	if msg := readUntil(t, bob, "error")["message"]; msg != orchestrator.ErrNotCreator.Error() {
		t.Errorf("error message = %v", msg)
	}

	bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if got := readUntil(t, alice, "user_left"); got["user_id"] != float64(2) {
		t.Errorf("user_left = %v", got)
	}
}

func TestFullGameOverWebSocket(t *testing.T) {
	cfg := orchestrator.Config{
		CollectionWindow: 500 * time.Millisecond,
		EliminationPause: 10 * time.Millisecond,
		PersistTimeout:   time.Second,
	}
	ts := newTestServer(t, cfg)
	alice := ts.dial(t, testSessionID, 1)
	readUntil(t, alice, "session_state")
	bob := ts.dial(t, testSessionID, 2)
	readUntil(t, bob, "session_state")

	send(t, alice, `{"action":"start_game"}`)
	if d := readUntil(t, bob, "timer_started")["duration"]; d != float64(1) {
		t.Errorf("duration = %v, want 1", d)
	}
	readUntil(t, alice, "timer_started")

	send(t, alice, `{"action":"submit_variant","payload":{"variant":"x"}}`)
	send(t, bob, `{"action":"submit_variant","payload":{"variant":"y"}}`)

	eliminated := readUntil(t, alice, "variant_eliminated")
	winner := readUntil(t, alice, "winner_declared")
	if readUntil(t, bob, "winner_declared")["variant"] != winner["variant"] {
		t.Error("clients disagree on the winner")
	}

	got := []string{eliminated["variant"].(string), winner["variant"].(string)}
	if got[0] == got[1] {
		t.Fatalf("winner %q was eliminated", got[1])
	}
	for _, v := range got {
		if v != "x" && v != "y" {
			t.Errorf("unexpected variant %q", v)
		}
	}

	ts.store.mu.Lock()
	persisted, ok := ts.store.winners[testSessionID]
	ts.store.mu.Unlock()
	if !ok || persisted != int64(winner["user_id"].(float64)) {
		t.Errorf("persisted winner = %d (%v)", persisted, ok)
	}
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer(t, orchestrator.DefaultConfig())
	alice := ts.dial(t, testSessionID, 1)
	readUntil(t, alice, "session_state")

	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	want := statsResponse{
		Stats:       orchestrator.Stats{ActiveSessions: 1, TotalConnections: 1},
		OpenSockets: 1,
		Outbox:      &outboxStats{Published: 4, Dropped: 1},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

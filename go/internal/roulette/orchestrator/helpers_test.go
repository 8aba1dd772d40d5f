package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/elimination"
	"github.com/spendtimetogether/roulette/go/internal/roulette/events"
)

const (
	testSessionID = int64(10)
	testRoomID    = int64(3)
	creatorID     = int64(1)
)

type fakeStore struct {
	mu         sync.Mutex
	sessions   map[int64]models.SessionSnapshot
	winners    map[int64]int64
	persistErr error
	loads      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[int64]models.SessionSnapshot{
			testSessionID: {ID: testSessionID, RoomID: testRoomID, CreatorID: creatorID, Status: models.StoredStatusPlanned},
		},
		winners: make(map[int64]int64),
	}
}

func (f *fakeStore) LoadSession(_ context.Context, id int64) (*models.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	snap, ok := f.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &snap, nil
}

func (f *fakeStore) PersistWinner(_ context.Context, sessionID, userID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.winners[sessionID] = userID
	return nil
}

func (f *fakeStore) winner(sessionID int64) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.winners[sessionID]
	return id, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recordingNotifier) count(kind NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seen {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type fakeConn struct {
	id string

	mu        sync.Mutex
	frames    []map[string]any
	closed    bool
	closeCode int
	failSends bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends || f.closed {
		return errors.New("connection closed")
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return err
	}
	f.frames = append(f.frames, decoded)
	return nil
}

func (f *fakeConn) Close(code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeConn) count(t events.EventType) int {
	return len(f.all(t))
}

func (f *fakeConn) all(t events.EventType) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.frames {
		if fr["event"] == string(t) {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeConn) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeClock is the part of clockwork's fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type harness struct {
	c        *Coordinator
	store    *fakeStore
	clock    fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		clock:    clockwork.NewFakeClock(),
		notifier: &recordingNotifier{},
	}
	h.c = NewCoordinator(h.store, cfg,
		WithClock(h.clock),
		WithShuffler(elimination.NoShuffle),
		WithNotifier(h.notifier),
	)
	t.Cleanup(h.c.Shutdown)
	return h
}

func testConfig() Config {
	return Config{CollectionWindow: 60 * time.Second, EliminationPause: 0, PersistTimeout: time.Second}
}

func (h *harness) join(t *testing.T, userID int64, name string) *fakeConn {
	t.Helper()
	conn := newFakeConn(fmt.Sprintf("%s-%d", name, userID))
	profile := models.Profile{ID: userID, FirstName: name}
	if err := h.c.Join(context.Background(), testSessionID, profile, conn); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return conn
}

// expireCollection waits for the collection timer to be armed and fires it.
func (h *harness) expireCollection(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("collection timer never armed: %v", err)
	}
	h.clock.Advance(h.c.cfg.CollectionWindow)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

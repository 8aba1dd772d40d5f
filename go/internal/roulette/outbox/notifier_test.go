package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
)

type flakyPublisher struct {
	mu       sync.Mutex
	failures map[string]int
	events   []OutboxEvent
	attempts int
}

func (p *flakyPublisher) Publish(_ context.Context, event OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures[event.EventType] > 0 {
		p.failures[event.EventType]--
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *flakyPublisher) delivered() []OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboxEvent(nil), p.events...)
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

func startNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNotifierPublishesNotification(t *testing.T) {
	pub := &flakyPublisher{}
	n := NewNotifier(pub, DefaultNotifierConfig(), clockwork.NewFakeClock())
	startNotifier(t, n)

	winner := int64(2)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.Notify(context.Background(), orchestrator.Notification{
		Kind:          orchestrator.NotificationFinished,
		SessionID:     10,
		RoomID:        3,
		WinnerUserID:  &winner,
		WinnerVariant: "pizza",
		At:            at,
	})

	waitFor(t, "publish", func() bool { return len(pub.delivered()) == 1 })
	got := pub.delivered()[0]
	if got.EventType != "SessionFinished" || got.SessionID != 10 || !got.CreatedAt.Equal(at) {
		t.Errorf("event = %+v", got)
	}

	var decoded orchestrator.Notification
	if err := json.Unmarshal(got.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.WinnerVariant != "pizza" || decoded.WinnerUserID == nil || *decoded.WinnerUserID != 2 {
		t.Errorf("payload = %+v", decoded)
	}
	waitFor(t, "published counter", func() bool { return n.Published() == 1 })
}

func TestNotifierRetriesWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &flakyPublisher{failures: map[string]int{"SessionStarted": 2}}
	cfg := NotifierConfig{QueueSize: 8, MaxRetries: 3, RetryDelay: time.Second}
	n := NewNotifier(pub, cfg, clock)
	startNotifier(t, n)

	n.Notify(context.Background(), orchestrator.Notification{Kind: orchestrator.NotificationStarted, SessionID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for attempt := 1; attempt <= 2; attempt++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("retry %d never scheduled: %v", attempt, err)
		}
		clock.Advance(time.Duration(attempt) * cfg.RetryDelay)
	}

	waitFor(t, "publish after retries", func() bool { return len(pub.delivered()) == 1 })
	pub.mu.Lock()
	attempts := pub.attempts
	pub.mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestNotifierGivesUpAndContinues(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &flakyPublisher{failures: map[string]int{"SessionCancelled": 100}}
	cfg := NotifierConfig{QueueSize: 8, MaxRetries: 1, RetryDelay: time.Second}
	n := NewNotifier(pub, cfg, clock)
	startNotifier(t, n)

	n.Notify(context.Background(), orchestrator.Notification{Kind: orchestrator.NotificationCancelled, SessionID: 1})
	n.Notify(context.Background(), orchestrator.Notification{Kind: orchestrator.NotificationCreated, SessionID: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("retry never scheduled: %v", err)
	}
	clock.Advance(cfg.RetryDelay)

	waitFor(t, "next event", func() bool { return len(pub.delivered()) == 1 })
	if got := pub.delivered()[0].SessionID; got != 2 {
		t.Errorf("delivered session %d, want 2", got)
	}
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	pub := &flakyPublisher{}
	n := NewNotifier(pub, NotifierConfig{QueueSize: 1}, clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		n.Notify(context.Background(), orchestrator.Notification{Kind: orchestrator.NotificationCreated, SessionID: int64(i)})
	}
	if got := n.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	startNotifier(t, n)
	waitFor(t, "queued event", func() bool { return len(pub.delivered()) == 1 })
	if got := pub.delivered()[0].SessionID; got != 0 {
		t.Errorf("kept session %d, want the first one", got)
	}
}

func TestSubjectFor(t *testing.T) {
	got := []string{
		subjectFor("roulette.sessions", "SessionFinished"),
		subjectFor("roulette.sessions", "SessionCreated"),
	}
	want := []string{"roulette.sessions.session_finished", "roulette.sessions.session_created"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subjects (-want +got):\n%s", diff)
	}
}

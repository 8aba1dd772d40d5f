package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
)

type NotifierConfig struct {
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		QueueSize:  1024,
		MaxRetries: 5,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Notifier turns coordinator notifications into outbox events and hands them
// to a publisher from a single background worker. Notify never blocks: when
// the queue is full the event is dropped and counted.
type Notifier struct {
	publisher Publisher
	cfg       NotifierConfig
	clock     clockwork.Clock
	queue     chan OutboxEvent

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewNotifier(publisher Publisher, cfg NotifierConfig, clock clockwork.Clock) *Notifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultNotifierConfig().QueueSize
	}
	return &Notifier{
		publisher: publisher,
		cfg:       cfg,
		clock:     clock,
		queue:     make(chan OutboxEvent, cfg.QueueSize),
	}
}

var _ orchestrator.Notifier = (*Notifier)(nil)

func (n *Notifier) Notify(_ context.Context, note orchestrator.Notification) {
	payload, err := json.Marshal(note)
	if err != nil {
		log.Error().Err(err).Int64("session_id", note.SessionID).Msg("failed to marshal notification")
		return
	}

	event := OutboxEvent{
		ID:        uuid.New(),
		SessionID: note.SessionID,
		EventType: string(note.Kind),
		Payload:   payload,
		CreatedAt: note.At,
	}

	select {
	case n.queue <- event:
	default:
		n.dropped.Add(1)
		log.Warn().
			Str("event_type", event.EventType).
			Int64("session_id", event.SessionID).
			Msg("outbox queue full, dropping event")
	}
}

// Start publishes queued events until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	log.Info().Int("queue_size", n.cfg.QueueSize).Msg("outbox notifier started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("pending", len(n.queue)).Msg("outbox notifier shutting down")
			return
		case event := <-n.queue:
			if err := n.publishWithRetry(ctx, event); err != nil {
				log.Error().
					Err(err).
					Str("event_id", event.ID.String()).
					Str("event_type", event.EventType).
					Msg("failed to publish event")
				continue
			}
			n.published.Add(1)
		}
	}
}

// Published returns the number of events delivered to the publisher.
func (n *Notifier) Published() uint64 { return n.published.Load() }

// Dropped returns the number of events discarded because the queue was full.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// publishWithRetry attempts to publish an event, backing off linearly between attempts.
func (n *Notifier) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := n.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-n.clock.After(delay):
			}
		}

		if err := n.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", n.cfg.MaxRetries+1, lastErr)
}

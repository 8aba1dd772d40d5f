package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/elimination"
	"github.com/spendtimetogether/roulette/go/internal/roulette/events"
)

// Config holds the game timings. They are server constants, not negotiated with clients.
type Config struct {
	CollectionWindow time.Duration `yaml:"collection_window"`
	EliminationPause time.Duration `yaml:"elimination_pause"`
	PersistTimeout   time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns the default game timings
func DefaultConfig() Config {
	return Config{
		CollectionWindow: 60 * time.Second,
		EliminationPause: 3 * time.Second,
		PersistTimeout:   5 * time.Second,
	}
}

// Stats is a point-in-time count of what the coordinator holds in memory
type Stats struct {
	ActiveSessions   int `json:"active_sessions"`
	TotalConnections int `json:"total_connections"`
}

// Coordinator owns every in-memory session. The registry map is only used to
// find a session; all reads and writes of a session go through its own mutex,
// so unrelated games never wait on each other.
type Coordinator struct {
	store    SessionStore
	notifier Notifier
	clock    clockwork.Clock
	shuffle  elimination.Shuffler
	engine   *elimination.Engine
	cfg      Config

	sessions map[int64]*session
	mu       sync.RWMutex

	// generation is shared by all sessions so a value is never reused, even
	// when a session id is evicted and loaded again.
	generation atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the real clock, typically with a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithShuffler replaces the random shuffle used by the roulette.
func WithShuffler(shuffle elimination.Shuffler) Option {
	return func(c *Coordinator) { c.shuffle = shuffle }
}

// WithNotifier sets the lifecycle notification hook.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// NewCoordinator creates a coordinator backed by store
func NewCoordinator(store SessionStore, cfg Config, opts ...Option) *Coordinator {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		notifier: noopNotifier{},
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		sessions: make(map[int64]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.engine = elimination.NewEngine(c.clock, cfg.EliminationPause, c.shuffle)
	return c
}

// Shutdown cancels every running timer and waits for the lifecycle tasks to exit.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
	log.Info().Msg("coordinator shut down")
}

// Open makes sure the session is held in memory, loading it from the store if needed.
func (c *Coordinator) Open(ctx context.Context, sessionID int64) (models.SessionView, error) {
	if s := c.lookup(sessionID); s != nil {
		return s.view(), nil
	}

	snap, err := c.store.LoadSession(ctx, sessionID)
	if err != nil {
		return models.SessionView{}, fmt.Errorf("load session %d: %w", sessionID, err)
	}

	c.mu.Lock()
	s, exists := c.sessions[sessionID]
	if !exists {
		s = newSession(snap)
		c.sessions[sessionID] = s
	}
	c.mu.Unlock()

	if !exists {
		log.Info().
			Int64("session_id", sessionID).
			Int64("room_id", snap.RoomID).
			Str("phase", s.phase.String()).
			Msg("session loaded")
		c.notify(Notification{Kind: NotificationCreated, SessionID: sessionID, RoomID: snap.RoomID})
	}

	return s.view(), nil
}

// View returns a copy of the session state.
func (c *Coordinator) View(sessionID int64) (models.SessionView, error) {
	s := c.lookup(sessionID)
	if s == nil {
		return models.SessionView{}, ErrSessionNotFound
	}
	return s.view(), nil
}

// Broadcast sends msg to every connection attached to the session.
func (c *Coordinator) Broadcast(sessionID int64, msg events.Message) {
	if s := c.lookup(sessionID); s != nil {
		c.broadcast(s, msg)
	}
}

// SendTo writes msg to a single connection.
func (c *Coordinator) SendTo(conn Conn, msg events.Message) error {
	frame, err := events.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.EventType(), err)
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Stats reports the number of sessions and connections held in memory.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	stats := Stats{ActiveSessions: len(sessions)}
	for _, s := range sessions {
		s.mu.Lock()
		stats.TotalConnections += len(s.conns)
		s.mu.Unlock()
	}
	return stats
}

// Submit records a variant for the user. Only valid while collecting.
func (c *Coordinator) Submit(sessionID, userID int64, variant string) (models.Submission, error) {
	s := c.lookup(sessionID)
	if s == nil {
		return models.Submission{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return models.Submission{}, ErrSessionNotFound
	}
	if s.phase != models.PhaseCollecting {
		return models.Submission{}, fmt.Errorf("%w: session is %s", ErrPhaseMismatch, s.phase)
	}
	if variant == "" {
		return models.Submission{}, fmt.Errorf("%w: variant is required", ErrInvalidPayload)
	}
	for _, existing := range s.submissions {
		if existing.UserID == userID {
			return models.Submission{}, ErrDuplicateSubmission
		}
	}

	sub := models.Submission{UserID: userID, Variant: variant, SubmittedAt: c.clock.Now()}
	s.submissions = append(s.submissions, sub)

	log.Debug().
		Int64("session_id", sessionID).
		Int64("user_id", userID).
		Int("submissions", len(s.submissions)).
		Msg("variant submitted")

	return sub, nil
}

func (c *Coordinator) lookup(sessionID int64) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

// evict drops the session from the registry if it is still the registered instance.
func (c *Coordinator) evict(s *session) {
	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()

	log.Info().Int64("session_id", s.id).Msg("session evicted")
}

func (c *Coordinator) broadcast(s *session, msg events.Message) {
	s.mu.Lock()
	failed := c.broadcastLocked(s, msg)
	s.mu.Unlock()
	c.dropFailed(s, failed)
}

// broadcastLocked writes msg to the connection set as it is right now. Sends
// only queue frames, so holding the session lock keeps per-session ordering.
// Connections that could not take the frame are returned for cleanup.
func (c *Coordinator) broadcastLocked(s *session, msg events.Message) []attachment {
	if s.evicted || len(s.conns) == 0 {
		return nil
	}

	frame, err := events.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.EventType())).Msg("failed to marshal event for broadcast")
		return nil
	}

	var failed []attachment
	for _, a := range s.conns {
		if err := a.conn.Send(frame); err != nil {
			log.Warn().
				Err(err).
				Int64("session_id", s.id).
				Int64("user_id", a.userID).
				Str("connection_id", a.conn.ID()).
				Msg("broadcast send failed, dropping connection")
			failed = append(failed, a)
		}
	}

	log.Debug().
		Str("event_type", string(msg.EventType())).
		Int64("session_id", s.id).
		Int("connections", len(s.conns)).
		Msg("event broadcasted")

	return failed
}

// dropFailed runs the disconnect path for connections whose send failed.
// Must be called without the session lock held.
func (c *Coordinator) dropFailed(s *session, failed []attachment) {
	for _, a := range failed {
		a.conn.Close(closeInternalError, "send failed")
		c.leave(s, a.userID, a.conn)
	}
}

func (c *Coordinator) notify(n Notification) {
	if n.At.IsZero() {
		n.At = c.clock.Now()
	}
	c.notifier.Notify(context.Background(), n)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

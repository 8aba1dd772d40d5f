package orchestrator

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/events"
)

const reasonNoSubmissions = "no submissions"

// Start moves a planned session into the collection phase and starts its
// single timer. A start while a timer is registered is a no-op.
func (c *Coordinator) Start(sessionID, userID int64) error {
	s := c.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if userID != s.creatorID {
		s.mu.Unlock()
		return ErrNotCreator
	}
	if s.timerGen != 0 {
		gen := s.timerGen
		s.mu.Unlock()
		log.Debug().Int64("session_id", sessionID).Uint64("generation", gen).Msg("timer already running, ignoring start")
		return nil
	}
	if !s.phase.CanTransitionTo(models.PhaseCollecting) {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrPhaseMismatch, phase)
	}

	gen := c.generation.Add(1)
	ctx, cancel := context.WithCancel(c.ctx)
	s.timerGen = gen
	s.cancelTimer = cancel
	s.phase = models.PhaseCollecting

	c.wg.Add(1)
	go c.runLifecycle(ctx, s, gen)

	failed := c.broadcastLocked(s, events.NewTimerStarted(c.cfg.CollectionWindow))
	roomID := s.roomID
	s.mu.Unlock()
	c.dropFailed(s, failed)

	log.Info().
		Int64("session_id", sessionID).
		Uint64("generation", gen).
		Dur("window", c.cfg.CollectionWindow).
		Msg("collection timer started")

	c.notify(Notification{Kind: NotificationStarted, SessionID: sessionID, RoomID: roomID})
	return nil
}

// Abort cancels a session that has not reached a terminal phase, e.g. because
// its record was deleted. It reports whether anything changed.
func (c *Coordinator) Abort(sessionID int64, reason string) bool {
	s := c.lookup(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.evicted || s.phase.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.phase = models.PhaseCancelled
	s.clearTimer()
	failed := c.broadcastLocked(s, events.NewRouletteCancelled(reason))
	roomID := s.roomID
	s.mu.Unlock()
	c.dropFailed(s, failed)

	log.Info().Int64("session_id", sessionID).Str("reason", reason).Msg("session aborted")
	c.notify(Notification{Kind: NotificationCancelled, SessionID: sessionID, RoomID: roomID, Reason: reason})
	return true
}

// runLifecycle is the timer task of one generation: collection window,
// then the roulette, then the result.
func (c *Coordinator) runLifecycle(ctx context.Context, s *session, gen uint64) {
	defer c.wg.Done()

	timer := c.clock.NewTimer(c.cfg.CollectionWindow)
	select {
	case <-ctx.Done():
		stopAndDrainTimer(timer)
		log.Debug().Int64("session_id", s.id).Uint64("generation", gen).Msg("collection timer cancelled")
		return
	case <-timer.Chan():
	}

	subs, ok := c.closeCollection(s, gen)
	if !ok {
		return
	}

	result, err := c.engine.Run(ctx, subs, func(loser models.Submission) bool {
		return c.eliminate(s, gen, loser)
	})
	if err != nil {
		log.Info().Err(err).Int64("session_id", s.id).Uint64("generation", gen).Msg("roulette stopped")
		return
	}

	c.finish(s, gen, result.Winner)
}

// closeCollection ends the collection window. It returns the frozen
// submissions when the roulette should run.
func (c *Coordinator) closeCollection(s *session, gen uint64) ([]models.Submission, bool) {
	s.mu.Lock()
	if !s.isCurrent(gen) {
		s.mu.Unlock()
		log.Debug().Int64("session_id", s.id).Uint64("generation", gen).Msg("discarding stale timer callback")
		return nil, false
	}

	failed := c.broadcastLocked(s, events.NewTimerFinished())

	if len(s.submissions) == 0 {
		s.phase = models.PhaseCancelled
		s.clearTimer()
		failed = append(failed, c.broadcastLocked(s, events.NewRouletteCancelled(reasonNoSubmissions))...)
		roomID := s.roomID
		s.mu.Unlock()
		c.dropFailed(s, failed)

		log.Warn().Int64("session_id", s.id).Msg("no submissions, roulette cancelled")
		c.notify(Notification{Kind: NotificationCancelled, SessionID: s.id, RoomID: roomID, Reason: reasonNoSubmissions})
		return nil, false
	}

	s.phase = models.PhaseEliminating
	subs := make([]models.Submission, len(s.submissions))
	copy(subs, s.submissions)
	failed = append(failed, c.broadcastLocked(s, events.NewRouletteStarted(len(subs)))...)
	s.mu.Unlock()
	c.dropFailed(s, failed)

	log.Info().Int64("session_id", s.id).Int("count", len(subs)).Msg("roulette started")
	return subs, true
}

func (c *Coordinator) eliminate(s *session, gen uint64, loser models.Submission) bool {
	s.mu.Lock()
	if !s.isCurrent(gen) {
		s.mu.Unlock()
		return false
	}
	failed := c.broadcastLocked(s, events.NewVariantEliminated(loser))
	s.mu.Unlock()
	c.dropFailed(s, failed)

	log.Info().
		Int64("session_id", s.id).
		Int64("user_id", loser.UserID).
		Str("variant", loser.Variant).
		Msg("variant eliminated")
	return true
}

// finish records the winner, persists it and announces it. A persistence
// failure is logged; the in-memory result stands.
func (c *Coordinator) finish(s *session, gen uint64, winner models.Submission) {
	s.mu.Lock()
	if !s.isCurrent(gen) {
		s.mu.Unlock()
		return
	}
	s.phase = models.PhaseFinished
	if s.winner == nil {
		w := winner
		id := winner.UserID
		s.winner = &w
		s.winnerID = &id
	}
	winner = *s.winner
	s.clearTimer()
	roomID := s.roomID
	s.mu.Unlock()

	log.Info().
		Int64("session_id", s.id).
		Int64("winner_id", winner.UserID).
		Str("variant", winner.Variant).
		Msg("winner declared")

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PersistTimeout)
	if err := c.store.PersistWinner(ctx, s.id, winner.UserID, winner.Variant); err != nil {
		log.Error().Err(err).Int64("session_id", s.id).Msg("failed to persist winner")
	}
	cancel()

	c.broadcast(s, events.NewWinnerDeclared(winner))

	winnerID := winner.UserID
	c.notify(Notification{
		Kind:          NotificationFinished,
		SessionID:     s.id,
		RoomID:        roomID,
		WinnerUserID:  &winnerID,
		WinnerVariant: winner.Variant,
	})
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent goroutine leaks.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

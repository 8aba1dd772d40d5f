package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
)

type statusUpdater interface {
	UpdateStatus(ctx context.Context, sessionID int64, status models.StoredStatus) (bool, error)
}

// StatusWriter mirrors lifecycle notifications into the stored status of the
// record: IN_PROGRESS once the game starts, CANCELLED when it is cancelled.
// The winner path is written by PersistWinner.
type StatusWriter struct {
	repo    statusUpdater
	timeout time.Duration
	// done is signalled after each write; tests use it to wait.
	done func()
}

func NewStatusWriter(repo statusUpdater, timeout time.Duration) *StatusWriter {
	return &StatusWriter{repo: repo, timeout: timeout, done: func() {}}
}

var _ orchestrator.Notifier = (*StatusWriter)(nil)

func (w *StatusWriter) Notify(_ context.Context, n orchestrator.Notification) {
	var status models.StoredStatus
	switch n.Kind {
	case orchestrator.NotificationStarted:
		status = models.StoredStatusInProgress
	case orchestrator.NotificationCancelled:
		status = models.StoredStatusCancelled
	default:
		return
	}

	go w.write(n.SessionID, status)
}

func (w *StatusWriter) write(sessionID int64, status models.StoredStatus) {
	defer w.done()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	changed, err := w.repo.UpdateStatus(ctx, sessionID, status)
	if err != nil {
		log.Error().Err(err).Int64("session_id", sessionID).Str("status", string(status)).Msg("failed to update session status")
		return
	}
	log.Debug().Int64("session_id", sessionID).Str("status", string(status)).Bool("changed", changed).Msg("session status updated")
}

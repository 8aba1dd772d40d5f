package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// DeletedChannel is the Postgres notification channel carrying ids of deleted records.
const DeletedChannel = "activity_deleted"

// DeletionTriggerSQL installs the trigger feeding DeletedChannel.
const DeletionTriggerSQL = `
CREATE OR REPLACE FUNCTION notify_activity_deleted() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + DeletedChannel + `', OLD.id::text);
	RETURN OLD;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS activity_deleted_notify ON activity;
CREATE TRIGGER activity_deleted_notify
	AFTER DELETE ON activity
	FOR EACH ROW EXECUTE FUNCTION notify_activity_deleted();`

// Aborter cancels an in-memory session.
type Aborter interface {
	Abort(sessionID int64, reason string) bool
}

type ListenerConfig struct {
	DatabaseURL  string        // Postgres DSN for LISTEN/NOTIFY
	PingInterval time.Duration // how often to check the listener connection
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{PingInterval: 90 * time.Second}
}

// DeletionListener aborts sessions whose record is deleted while they are live.
type DeletionListener struct {
	listener *pq.Listener
	aborter  Aborter
	cfg      ListenerConfig
}

func NewDeletionListener(aborter Aborter, cfg ListenerConfig) (*DeletionListener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(DeletedChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().Str("channel", DeletedChannel).Msg("listening for notifications")

	return &DeletionListener{listener: l, aborter: aborter, cfg: cfg}, nil
}

// Start handles notifications until ctx is cancelled, then closes the listener.
func (l *DeletionListener) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("deletion listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established
				continue
			}
			if err := l.handleNotification(note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification handles a pg listen notification. Extra is the payload on the note.
func (l *DeletionListener) handleNotification(extra string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(extra), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id in notification: %w", err)
	}

	if l.aborter.Abort(id, "session deleted") {
		log.Info().Int64("session_id", id).Msg("aborted session after record deletion")
	}
	return nil
}

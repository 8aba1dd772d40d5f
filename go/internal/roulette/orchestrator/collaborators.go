package orchestrator

import (
	"context"
	"time"

	"github.com/spendtimetogether/roulette/go/internal/models"
)

// SessionStore is the persistence side the coordinator reads from and reports winners to
type SessionStore interface {
	// LoadSession returns ErrSessionNotFound for unknown ids.
	LoadSession(ctx context.Context, sessionID int64) (*models.SessionSnapshot, error)
	PersistWinner(ctx context.Context, sessionID, userID int64, variant string) error
}

// ProfileDirectory resolves display profiles for roster events.
type ProfileDirectory interface {
	// FetchProfiles returns profiles in the order of ids; unknown ids are skipped.
	FetchProfiles(ctx context.Context, ids []int64) ([]models.Profile, error)
}

// MembershipValidator checks a user may take part in sessions of a room.
type MembershipValidator interface {
	ValidateMembership(ctx context.Context, roomID, userID int64) error
}

// Conn is the coordinator's view of one client socket.
type Conn interface {
	ID() string
	// Send queues a text frame. It must not block; a full or closed queue is an error.
	Send(frame []byte) error
	// Close terminates the connection with a websocket close code and reason.
	Close(code int, reason string)
}

// NotificationKind is the lifecycle step reported to downstream bookkeeping
type NotificationKind string

const (
	NotificationCreated   NotificationKind = "SessionCreated"
	NotificationStarted   NotificationKind = "SessionStarted"
	NotificationFinished  NotificationKind = "SessionFinished"
	NotificationCancelled NotificationKind = "SessionCancelled"
)

// Notification describes one lifecycle step of a session.
type Notification struct {
	Kind          NotificationKind `json:"kind"`
	SessionID     int64            `json:"session_id"`
	RoomID        int64            `json:"room_id"`
	WinnerUserID  *int64           `json:"winner_user_id,omitempty"`
	WinnerVariant string           `json:"winner_variant,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	At            time.Time        `json:"at"`
}

// Notifier receives lifecycle notifications. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Notifiers fans a notification out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, n Notification) {
	for _, notifier := range ns {
		notifier.Notify(ctx, n)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) {}

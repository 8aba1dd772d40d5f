package models

import (
	"strings"
	"time"
)

// Phase defines the lifecycle phase of a roulette session.
type Phase string

const (
	PhasePlanned     Phase = "planned"
	PhaseCollecting  Phase = "collecting"
	PhaseEliminating Phase = "eliminating"
	PhaseFinished    Phase = "finished"
	PhaseCancelled   Phase = "cancelled"
)

// String returns the string representation of the phase
func (p Phase) String() string {
	return string(p)
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseFinished || p == PhaseCancelled
}

var phaseTransitions = map[Phase][]Phase{
	PhasePlanned:     {PhaseCollecting, PhaseCancelled},
	PhaseCollecting:  {PhaseEliminating, PhaseCancelled},
	PhaseEliminating: {PhaseFinished, PhaseCancelled},
}

// CanTransitionTo checks if a transition from the current phase to target is valid
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, phase := range phaseTransitions[p] {
		if phase == target {
			return true
		}
	}
	return false
}

// StoredStatus is the status column of a persisted session record. The
// column is a Postgres enum labelled with upper-case member names.
type StoredStatus string

const (
	StoredStatusPlanned    StoredStatus = "PLANNED"
	StoredStatusInProgress StoredStatus = "IN_PROGRESS"
	StoredStatusFinished   StoredStatus = "FINISHED"
	StoredStatusCancelled  StoredStatus = "CANCELLED"
)

// Phase maps a stored status onto the in-memory phase a freshly loaded session starts in.
// Timers do not survive a restart, so anything that is not terminal starts over as planned.
// Labels are matched case-insensitively.
func (s StoredStatus) Phase() Phase {
	switch StoredStatus(strings.ToUpper(string(s))) {
	case StoredStatusFinished:
		return PhaseFinished
	case StoredStatusCancelled:
		return PhaseCancelled
	default:
		return PhasePlanned
	}
}

// SessionSnapshot is what the persistence collaborator knows about a session.
type SessionSnapshot struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	RoomID       int64        `json:"room_id"`
	CreatorID    int64        `json:"creator_id"`
	Status       StoredStatus `json:"status"`
	WinnerUserID *int64       `json:"winner_user_id,omitempty"`
}

// Submission is a single candidate choice. At most one per user per session.
type Submission struct {
	UserID      int64     `json:"user_id"`
	Variant     string    `json:"variant"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SessionView is a read-only copy of the in-memory session state.
type SessionView struct {
	ID          int64        `json:"id"`
	RoomID      int64        `json:"room_id"`
	CreatorID   int64        `json:"creator_id"`
	Phase       Phase        `json:"phase"`
	Submissions []Submission `json:"submissions"`
	Winner      *Submission  `json:"winner,omitempty"`
	WinnerID    *int64       `json:"winner_id,omitempty"`
}

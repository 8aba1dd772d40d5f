package events

import (
	"time"

	"github.com/spendtimetogether/roulette/go/internal/models"
)

// Event payload types shared between the orchestrator and gateway packages

type SessionState struct {
	Event
	SessionID int64        `json:"session_id"`
	Phase     models.Phase `json:"phase"`
	CreatorID int64        `json:"creator_id"`
	WinnerID  *int64       `json:"winner_id"`
}

type UsersInSession struct {
	Event
	Users []models.Profile `json:"users"`
}

type UserJoined struct {
	Event
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type UserLeft struct {
	Event
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type VariantSubmitted struct {
	Event
	UserID    int64  `json:"user_id"`
	Variant   string `json:"variant"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type TimerStarted struct {
	Event
	Duration int `json:"duration"` // seconds
}

type TimerFinished struct {
	Event
}

type RouletteStarted struct {
	Event
	Count int `json:"count"`
}

type VariantEliminated struct {
	Event
	UserID  int64  `json:"user_id"`
	Variant string `json:"variant"`
}

type WinnerDeclared struct {
	Event
	UserID  int64  `json:"user_id"`
	Variant string `json:"variant"`
}

type RouletteCancelled struct {
	Event
	Reason string `json:"reason"`
}

type Pong struct {
	Event
}

type Error struct {
	Event
	Message string `json:"message"`
}

func NewSessionState(v models.SessionView) SessionState {
	return SessionState{
		Event:     newEvent(EventTypeSessionState),
		SessionID: v.ID,
		Phase:     v.Phase,
		CreatorID: v.CreatorID,
		WinnerID:  v.WinnerID,
	}
}

func NewUsersInSession(users []models.Profile) UsersInSession {
	if users == nil {
		users = []models.Profile{}
	}
	return UsersInSession{Event: newEvent(EventTypeUsersInSession), Users: users}
}

func NewUserJoined(p models.Profile) UserJoined {
	return UserJoined{
		Event:     newEvent(EventTypeUserJoined),
		UserID:    p.ID,
		Username:  p.DisplayName(),
		AvatarURL: p.AvatarURL,
	}
}

func NewUserLeft(p models.Profile) UserLeft {
	return UserLeft{Event: newEvent(EventTypeUserLeft), UserID: p.ID, Username: p.DisplayName()}
}

func NewVariantSubmitted(s models.Submission, p models.Profile) VariantSubmitted {
	return VariantSubmitted{
		Event:     newEvent(EventTypeVariantSubmitted),
		UserID:    s.UserID,
		Variant:   s.Variant,
		Username:  p.DisplayName(),
		AvatarURL: p.AvatarURL,
	}
}

// NewTimerStarted reports the window length in whole seconds, rounding up so
// sub-second windows used in tests still advertise a non-zero duration.
func NewTimerStarted(window time.Duration) TimerStarted {
	secs := int((window + time.Second - 1) / time.Second)
	return TimerStarted{Event: newEvent(EventTypeTimerStarted), Duration: secs}
}

func NewTimerFinished() TimerFinished {
	return TimerFinished{Event: newEvent(EventTypeTimerFinished)}
}

func NewRouletteStarted(count int) RouletteStarted {
	return RouletteStarted{Event: newEvent(EventTypeRouletteStarted), Count: count}
}

func NewVariantEliminated(s models.Submission) VariantEliminated {
	return VariantEliminated{Event: newEvent(EventTypeEliminated), UserID: s.UserID, Variant: s.Variant}
}

func NewWinnerDeclared(s models.Submission) WinnerDeclared {
	return WinnerDeclared{Event: newEvent(EventTypeWinnerDeclared), UserID: s.UserID, Variant: s.Variant}
}

func NewRouletteCancelled(reason string) RouletteCancelled {
	return RouletteCancelled{Event: newEvent(EventTypeCancelled), Reason: reason}
}

func NewPong() Pong {
	return Pong{Event: newEvent(EventTypePong)}
}

func NewError(message string) Error {
	return Error{Event: newEvent(EventTypeError), Message: message}
}

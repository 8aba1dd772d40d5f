package orchestrator

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotCreator           = errors.New("only the session creator can start the game")
	ErrPhaseMismatch        = errors.New("action not allowed in the current phase")
	ErrDuplicateSubmission  = errors.New("variant already submitted")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMembershipDenied     = errors.New("user is not a member of the room")
	ErrTransport            = errors.New("connection send failed")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrUnknownAction        = errors.New("unknown action")
)

// ClientMessage turns an error into the text placed in an error event.
// Internal failures are not echoed back verbatim.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNotCreator),
		errors.Is(err, ErrPhaseMismatch),
		errors.Is(err, ErrDuplicateSubmission),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrMembershipDenied),
		errors.Is(err, ErrAuthenticationFailed):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "internal error"
	}
}

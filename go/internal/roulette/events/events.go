package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of an outbound session event
type EventType string

const (
	EventTypeSessionState     EventType = "session_state"
	EventTypeUsersInSession   EventType = "users_in_session"
	EventTypeUserJoined       EventType = "user_joined"
	EventTypeUserLeft         EventType = "user_left"
	EventTypeVariantSubmitted EventType = "variant_submitted"
	EventTypeTimerStarted     EventType = "timer_started"
	EventTypeTimerFinished    EventType = "timer_finished"
	EventTypeRouletteStarted  EventType = "roulette_started"
	EventTypeEliminated       EventType = "variant_eliminated"
	EventTypeWinnerDeclared   EventType = "winner_declared"
	EventTypeCancelled        EventType = "roulette_cancelled"
	EventTypePong             EventType = "pong"
	EventTypeError            EventType = "error"
)

// Message is anything that can be written to a connection as a single text frame.
type Message interface {
	EventType() EventType
}

// Event is embedded in every outbound record so each frame is flat and self-describing.
type Event struct {
	Type      EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Event) EventType() EventType {
	return e.Type
}

func newEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}

// Encode marshals a message once so it can be fanned out to many connections.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Action is the name of an inbound client request
type Action string

const (
	ActionPing          Action = "ping"
	ActionGetUsers      Action = "get_users"
	ActionStartGame     Action = "start_game"
	ActionSubmitVariant Action = "submit_variant"
)

// Inbound is the envelope every client frame is decoded into.
type Inbound struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitVariantPayload is the payload of a submit_variant action
type SubmitVariantPayload struct {
	Variant string `json:"variant"`
}

// Decode parses a raw client frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(data, &in)
	return in, err
}

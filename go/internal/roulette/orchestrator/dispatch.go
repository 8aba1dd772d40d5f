package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/events"
)

// Request is one decoded client action together with who sent it and where.
type Request struct {
	SessionID int64
	Profile   models.Profile
	Action    events.Action
	Payload   json.RawMessage
}

// Effect is what a handler wants done. Reply goes to the issuing connection,
// Broadcast to the whole session. Either may be nil.
type Effect struct {
	Reply     events.Message
	Broadcast events.Message
}

// HandlerFunc handles a single action
type HandlerFunc func(ctx context.Context, req Request) (Effect, error)

// Dispatcher routes inbound actions to their handlers.
type Dispatcher struct {
	coordinator *Coordinator
	profiles    ProfileDirectory
	handlers    map[events.Action]HandlerFunc
}

// NewDispatcher creates a dispatcher with the standard action table
func NewDispatcher(coordinator *Coordinator, profiles ProfileDirectory) *Dispatcher {
	d := &Dispatcher{
		coordinator: coordinator,
		profiles:    profiles,
	}
	d.handlers = map[events.Action]HandlerFunc{
		events.ActionPing:          d.handlePing,
		events.ActionGetUsers:      d.handleGetUsers,
		events.ActionStartGame:     d.handleStartGame,
		events.ActionSubmitVariant: d.handleSubmitVariant,
	}
	return d
}

// Dispatch runs the handler for req. Errors become an error reply; they never
// escape to the connection loop.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Effect {
	handler, ok := d.handlers[req.Action]
	if !ok {
		return Effect{Reply: events.NewError(ClientMessage(fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)))}
	}

	effect, err := handler(ctx, req)
	if err != nil {
		log.Debug().
			Err(err).
			Int64("session_id", req.SessionID).
			Int64("user_id", req.Profile.ID).
			Str("action", string(req.Action)).
			Msg("action rejected")
		return Effect{Reply: events.NewError(ClientMessage(err))}
	}
	return effect
}

// HandleFrame decodes a raw client frame, dispatches it and applies the effect.
func (d *Dispatcher) HandleFrame(ctx context.Context, sessionID int64, profile models.Profile, conn Conn, frame []byte) {
	in, err := events.Decode(frame)
	if err != nil || in.Action == "" {
		d.Apply(sessionID, conn, Effect{Reply: events.NewError(ClientMessage(fmt.Errorf("%w: malformed message", ErrInvalidPayload)))})
		return
	}

	effect := d.Dispatch(ctx, Request{
		SessionID: sessionID,
		Profile:   profile,
		Action:    in.Action,
		Payload:   in.Payload,
	})
	d.Apply(sessionID, conn, effect)
}

// Apply performs the I/O an effect asks for.
func (d *Dispatcher) Apply(sessionID int64, conn Conn, effect Effect) {
	if effect.Reply != nil {
		if err := d.coordinator.SendTo(conn, effect.Reply); err != nil {
			log.Warn().Err(err).Str("connection_id", conn.ID()).Msg("failed to send reply")
		}
	}
	if effect.Broadcast != nil {
		d.coordinator.Broadcast(sessionID, effect.Broadcast)
	}
}

func (d *Dispatcher) handlePing(context.Context, Request) (Effect, error) {
	return Effect{Reply: events.NewPong()}, nil
}

func (d *Dispatcher) handleGetUsers(ctx context.Context, req Request) (Effect, error) {
	ids := d.coordinator.ListConnectedUsers(req.SessionID)
	if len(ids) == 0 {
		return Effect{Reply: events.NewUsersInSession(nil)}, nil
	}

	profiles, err := d.profiles.FetchProfiles(ctx, ids)
	if err != nil {
		return Effect{}, fmt.Errorf("fetch profiles: %w", err)
	}
	return Effect{Reply: events.NewUsersInSession(profiles)}, nil
}

func (d *Dispatcher) handleStartGame(_ context.Context, req Request) (Effect, error) {
	return Effect{}, d.coordinator.Start(req.SessionID, req.Profile.ID)
}

func (d *Dispatcher) handleSubmitVariant(_ context.Context, req Request) (Effect, error) {
	var payload events.SubmitVariantPayload
	if len(req.Payload) == 0 {
		return Effect{}, fmt.Errorf("%w: variant is required", ErrInvalidPayload)
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return Effect{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	sub, err := d.coordinator.Submit(req.SessionID, req.Profile.ID, strings.TrimSpace(payload.Variant))
	if err != nil {
		return Effect{}, err
	}
	return Effect{Broadcast: events.NewVariantSubmitted(sub, req.Profile)}, nil
}

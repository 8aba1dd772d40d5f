package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
)

// WebSocketHandler handles WebSocket upgrade requests for session connections
type WebSocketHandler struct {
	manager     *ConnectionManager
	coordinator *orchestrator.Coordinator
	dispatcher  *orchestrator.Dispatcher
	auth        Authenticator
	members     orchestrator.MembershipValidator
	profiles    orchestrator.ProfileDirectory
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	manager *ConnectionManager,
	coordinator *orchestrator.Coordinator,
	auth Authenticator,
	members orchestrator.MembershipValidator,
	profiles orchestrator.ProfileDirectory,
) *WebSocketHandler {
	return &WebSocketHandler{
		manager:     manager,
		coordinator: coordinator,
		dispatcher:  orchestrator.NewDispatcher(coordinator, profiles),
		auth:        auth,
		members:     members,
		profiles:    profiles,
	}
}

// HandleSessionConnection upgrades the request, admits the user into the
// session and serves the connection until it closes. Refusals after the
// upgrade are reported with a close code.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	userID, authErr := h.auth.Authenticate(r)

	conn, err := h.manager.Upgrade(w, r, sessionID)
	if err != nil {
		log.Error().Err(err).Int64("session_id", sessionID).Msg("failed to upgrade WebSocket connection")
		return
	}

	if authErr != nil {
		log.Info().Err(authErr).Int64("session_id", sessionID).Msg("rejecting unauthenticated connection")
		h.reject(conn, CloseAuthenticationFailed, "authentication failed")
		return
	}
	conn.userID = userID

	ctx := r.Context()
	profile, code, reason, err := h.admit(ctx, sessionID, userID)
	if err != nil {
		log.Info().
			Err(err).
			Int64("session_id", sessionID).
			Int64("user_id", userID).
			Int("close_code", code).
			Msg("rejecting connection")
		h.coordinator.Release(sessionID)
		h.reject(conn, code, reason)
		return
	}

	if err := h.coordinator.Join(ctx, sessionID, profile, conn); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Int64("user_id", userID).Msg("join failed")
		h.coordinator.Release(sessionID)
		h.reject(conn, CloseSessionUnavailable, orchestrator.ClientMessage(err))
		return
	}

	log.Info().
		Str("connection_id", conn.ID()).
		Int64("session_id", sessionID).
		Int64("user_id", userID).
		Msg("WebSocket connection joined session")

	conn.readPump(func(frame []byte) {
		h.dispatcher.HandleFrame(ctx, sessionID, profile, conn, frame)
	})

	h.coordinator.Leave(sessionID, userID, conn)
	conn.Close(websocket.CloseNormalClosure, "")
	<-conn.done
}

// admit checks the session exists, the user belongs to its room and loads
// the user's profile. On failure it returns the close code and reason.
func (h *WebSocketHandler) admit(ctx context.Context, sessionID, userID int64) (models.Profile, int, string, error) {
	view, err := h.coordinator.Open(ctx, sessionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			return models.Profile{}, CloseSessionUnavailable, "session not found", err
		}
		return models.Profile{}, websocket.CloseInternalServerErr, "internal error", err
	}

	if err := h.members.ValidateMembership(ctx, view.RoomID, userID); err != nil {
		if errors.Is(err, orchestrator.ErrMembershipDenied) {
			return models.Profile{}, CloseMembershipDenied, "not a member of the room", err
		}
		return models.Profile{}, websocket.CloseInternalServerErr, "internal error", err
	}

	profile := models.Profile{ID: userID}
	profiles, err := h.profiles.FetchProfiles(ctx, []int64{userID})
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("failed to fetch profile, continuing without it")
	} else if len(profiles) > 0 {
		profile = profiles[0]
	}
	return profile, 0, "", nil
}

func (h *WebSocketHandler) reject(conn *Connection, code int, reason string) {
	conn.Close(code, reason)
	<-conn.done
}

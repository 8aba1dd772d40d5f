package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds configuration for the session gateway
type Config struct {
	Connection     ConnectionConfig
	AllowedOrigins []string
}

// DefaultConfig returns default configuration for the session gateway
func DefaultConfig() Config {
	return Config{
		Connection:     DefaultConnectionConfig(),
		AllowedOrigins: []string{"*"},
	}
}

// OutboxCounters reports delivery totals of the lifecycle notification queue.
type OutboxCounters interface {
	Published() uint64
	Dropped() uint64
}

// Service exposes the coordinator over HTTP: the session websocket plus
// health and stats endpoints.
type Service struct {
	config      Config
	coordinator *orchestrator.Coordinator
	manager     *ConnectionManager
	wsHandler   *WebSocketHandler
	outbox      OutboxCounters
}

// NewService creates the gateway service
func NewService(
	config Config,
	coordinator *orchestrator.Coordinator,
	auth Authenticator,
	members orchestrator.MembershipValidator,
	profiles orchestrator.ProfileDirectory,
) *Service {
	manager := NewConnectionManager(config.Connection)
	return &Service{
		config:      config,
		coordinator: coordinator,
		manager:     manager,
		wsHandler:   NewWebSocketHandler(manager, coordinator, auth, members, profiles),
	}
}

// SetOutbox makes /stats report the notification queue counters.
func (s *Service) SetOutbox(counters OutboxCounters) {
	s.outbox = counters
}

// RegisterRoutes registers the gateway routes on router
func (s *Service) RegisterRoutes(router *httprouter.Router) {
	router.GET("/ws/sessions/:id", s.wsHandler.HandleSessionConnection)
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	log.Info().Msg("session gateway routes registered")
}

// Handler returns the routed handler wrapped with CORS and cleartext HTTP/2.
func (s *Service) Handler() http.Handler {
	router := httprouter.New()
	s.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodOptions},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(router), &http2.Server{})
}

// Shutdown closes every open socket with a going-away frame.
func (s *Service) Shutdown() {
	s.manager.CloseAll("server shutting down")
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type outboxStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

type statsResponse struct {
	orchestrator.Stats
	OpenSockets int          `json:"open_sockets"`
	Outbox      *outboxStats `json:"outbox,omitempty"`
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := statsResponse{Stats: s.coordinator.Stats(), OpenSockets: s.manager.OpenConnections()}
	if s.outbox != nil {
		resp.Outbox = &outboxStats{Published: s.outbox.Published(), Dropped: s.outbox.Dropped()}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode stats")
	}
}

// Package api is the ops HTTP surface of the dialer: liveness and readiness
// probes, prometheus metrics, runtime pacing control, queue and agent
// snapshots, the AI webhook ingress, and the WebSocket event stream feeding
// agent and supervisor clients.
package api

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dialgrid/dialgrid/internal/api/middleware"
	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/inbound"
	"github.com/dialgrid/dialgrid/internal/pacing"
)

// ConnState is the readiness slice of a PBX control connection.
type ConnState interface {
	Connected() bool
}

// StorePinger is the readiness slice of the backing store.
type StorePinger interface {
	PingContext(ctx context.Context) error
}

// QueueSource reads inbound queue snapshots.
type QueueSource interface {
	Stats() []inbound.QueueStats
}

// AgentDirectory is the slice of the agent tracker the API drives.
type AgentDirectory interface {
	List(ctx context.Context) ([]models.AgentPresence, error)
	SetStatus(ctx context.Context, agentID, status string) (*models.AgentPresence, error)
}

// Deps are the collaborators behind the HTTP surface. Campaigns, Engine,
// Monitor, Agents, and Bus must be set; the rest may be nil, and the routes
// or checks depending on them degrade accordingly.
type Deps struct {
	Campaigns database.CampaignRepository
	Engine    *pacing.Engine
	Monitor   *pacing.Monitor
	Agents    AgentDirectory
	Bus       *events.Bus
	Queues    QueueSource
	Store     StorePinger
	ARI       ConnState
	AMI       ConnState
	Metrics   http.Handler
}

// Config tunes the HTTP surface.
type Config struct {
	// WebhookSecret signs AI webhook payloads. Empty rejects all webhook
	// posts with 503 until configured.
	WebhookSecret string

	// WSWriteTimeout bounds each write to an event-stream client; a client
	// that cannot drain within it is disconnected.
	WSWriteTimeout time.Duration

	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS headers entirely.
	CORSOrigins []string
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{WSWriteTimeout: 10 * time.Second}
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	throttle *middleware.Throttle
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = DefaultConfig().WSWriteTimeout
	}
	s := &Server{
		router:   chi.NewRouter(),
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("subsystem", "api"),
		throttle: middleware.NewWebhookThrottle(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(middleware.CORS(s.cfg.CORSOrigins))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.With(middleware.RateLimit(s.throttle)).Post("/webhooks/ai", s.handleAIWebhook)
	r.Get("/ws/events", s.handleEventsWS)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/pacing", s.handlePacingGet)
			r.Post("/pacing", s.handlePacingSet)
			r.Post("/pause", s.handlePacingPause)
			r.Post("/resume", s.handlePacingResume)
		})
		r.Get("/queues/stats", s.handleQueueStats)
		r.Get("/agents", s.handleAgentList)
		r.Post("/agents/{id}/status", s.handleAgentStatus)
	})

	s.logger.Info("api routes mounted")
}

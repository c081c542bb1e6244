package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/server/handler"
	"github.com/alanyoungcy/controlplane/internal/server/middleware"
	"github.com/alanyoungcy/controlplane/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// RateLimit requests per RateWindow per client. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Orders     *handler.OrderHandler
	Positions  *handler.PositionHandler
	Risk       *handler.RiskHandler
	Strategies *handler.StrategyHandler
	KillSwitch *handler.KillSwitchHandler
	Audit      *handler.AuditHandler
	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics http.Handler
}

// Options carries the cross-cutting collaborators of the server.
type Options struct {
	Auth    *middleware.Authenticator
	Limiter domain.RateLimiter
	Hub     *ws.Hub
}

// Server is the HTTP + WebSocket API of the control plane.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered on a ServeMux and
// the middleware chain applied.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := NewMux(handlers, opts.Hub)

	var h http.Handler = mux
	h = middleware.Auth(opts.Auth, isPublic)(h)
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(opts.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewMux registers every route without middleware.
func NewMux(handlers Handlers, hub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	// Probes and scrape endpoint (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Ready)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// Orders.
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", handlers.Orders.SubmitOrder)
	mux.HandleFunc("POST /api/orders/cancel-all", handlers.Orders.CancelAll)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/fills", handlers.Orders.ApplyFill)
	mux.HandleFunc("POST /api/orders/{id}/open", handlers.Orders.MarkOpen)
	mux.HandleFunc("POST /api/orders/{id}/reject", handlers.Orders.Reject)

	// Positions.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/exposure", handlers.Positions.Exposure)

	// Risk: status, mandates, alerts.
	mux.HandleFunc("GET /api/status", handlers.Risk.Status)
	mux.HandleFunc("GET /api/mandates", handlers.Risk.ListMandates)
	mux.HandleFunc("PUT /api/mandates/{id}/value", handlers.Risk.UpdateMandateValue)
	mux.HandleFunc("GET /api/alerts", handlers.Risk.ListAlerts)
	mux.HandleFunc("GET /api/alerts/history", handlers.Risk.AlertHistory)
	mux.HandleFunc("POST /api/alerts/{id}/ack", handlers.Risk.AcknowledgeAlert)

	// Strategies.
	mux.HandleFunc("GET /api/strategies", handlers.Strategies.ListStrategies)
	mux.HandleFunc("POST /api/strategies", handlers.Strategies.Register)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.Strategies.GetStrategy)
	mux.HandleFunc("PUT /api/strategies/{id}/parameters", handlers.Strategies.UpdateParameters)
	mux.HandleFunc("POST /api/strategies/{id}/activate", handlers.Strategies.Activate)
	mux.HandleFunc("POST /api/strategies/{id}/halt", handlers.Strategies.Halt)

	// Kill switch.
	mux.HandleFunc("GET /api/kill-switch", handlers.KillSwitch.Status)
	mux.HandleFunc("POST /api/kill-switch", handlers.KillSwitch.Execute)
	mux.HandleFunc("GET /api/kill-switch/preview", handlers.KillSwitch.Preview)
	mux.HandleFunc("POST /api/kill-switch/reset", handlers.KillSwitch.Reset)
	mux.HandleFunc("GET /api/incidents", handlers.KillSwitch.ListIncidents)

	// Audit trail and event journal.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	mux.HandleFunc("GET /api/audit/verify", handlers.Audit.VerifyAudit)
	mux.HandleFunc("GET /api/events", handlers.Audit.ListEvents)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	return mux
}

func isPublic(r *http.Request) bool {
	switch r.URL.Path {
	case "/api/health", "/api/ready", "/metrics":
		return r.Method == http.MethodGet
	}
	return false
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

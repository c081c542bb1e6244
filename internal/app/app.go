// Package app provides the top-level application lifecycle of the control
// plane. It wires the infrastructure (stores, caches, blob storage and
// notifications) to the core services and runs every background worker and
// the HTTP server under one errgroup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/controlplane/internal/audit"
	"github.com/alanyoungcy/controlplane/internal/config"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/executor"
	"github.com/alanyoungcy/controlplane/internal/fanout"
	"github.com/alanyoungcy/controlplane/internal/metrics"
	"github.com/alanyoungcy/controlplane/internal/server"
	"github.com/alanyoungcy/controlplane/internal/server/handler"
	"github.com/alanyoungcy/controlplane/internal/server/middleware"
	"github.com/alanyoungcy/controlplane/internal/server/ws"
	"github.com/alanyoungcy/controlplane/internal/service"
	"github.com/alanyoungcy/controlplane/internal/state"
)

// snapshotAlerts is how many recent alerts a subscriber snapshot carries.
const snapshotAlerts = 100

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	closers []func()
}

// Core holds the in-process state and the services operating on it.
type Core struct {
	Store      *state.Store
	Broker     *fanout.Broker
	Journal    *fanout.Journal
	Orders     *service.OrderService
	Positions  *service.PositionService
	Alerts     *service.AlertService
	Monitor    *service.MandateMonitor
	KillSwitch *service.KillSwitch
	Strategies *service.StrategyService
	Status     *service.StatusService
	Simulator  *executor.Simulator
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		metrics: metrics.New(),
	}
}

// Run wires all dependencies, starts the workers and the HTTP server, and
// blocks until the context is cancelled or a worker fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting control plane",
		slog.String("node_id", a.cfg.NodeID),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("postgres", a.cfg.Postgres.Enabled),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
		slog.Bool("paper", a.cfg.Execution.Paper),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	core, err := a.Build(ctx, deps)
	if err != nil {
		return fmt.Errorf("app: build services: %w", err)
	}
	return a.serve(ctx, deps, core)
}

// Build constructs the core services over deps and loads the configured
// mandates and strategies.
func (a *App) Build(ctx context.Context, deps *Dependencies) (*Core, error) {
	cfg := a.cfg
	changeRatio, err := parseDecimal(cfg.Execution.PositionChangeRatio, "0.1")
	if err != nil {
		return nil, fmt.Errorf("position_change_ratio: %w", err)
	}

	c := &Core{Store: state.New(state.NewHalt())}
	c.Broker = fanout.NewBroker(fanout.Config{
		Buffer:     cfg.Fanout.Buffer,
		Heartbeat:  cfg.Fanout.Heartbeat.Duration,
		ReplaySize: cfg.Fanout.ReplaySize,
	}, fanout.SnapshotFunc(func() domain.Snapshot {
		return c.Store.Snapshot(snapshotAlerts)
	}), a.metrics, a.logger)
	rec := audit.NewRecorder(deps.AuditStore)

	c.Orders = service.NewOrderService(c.Store, deps.Prices, c.Broker, rec, a.metrics,
		service.OrderConfig{PositionChangeRatio: changeRatio}, a.logger)
	c.Positions = service.NewPositionService(c.Store, deps.Prices, a.logger)
	c.Alerts = service.NewAlertService(c.Store, c.Broker, rec, a.metrics, a.logger)
	c.Monitor = service.NewMandateMonitor(c.Store, c.Positions, c.Alerts, c.Broker, rec, a.metrics,
		service.MonitorConfig{Tick: cfg.Monitor.Tick.Duration, Refresh: cfg.Monitor.Refresh.Duration}, a.logger)
	c.KillSwitch = service.NewKillSwitch(c.Store, c.Alerts, c.Broker, rec, a.metrics, a.logger)
	c.Strategies = service.NewStrategyService(c.Store, c.Broker, rec, a.logger)
	c.Status = service.NewStatusService(c.Store, c.Positions)

	c.Orders.OnChange(c.Monitor.Notify)

	if deps.AlertStore != nil {
		c.Alerts.WithMirror(deps.AlertStore)
	}
	if deps.Notifier.Senders() > 0 {
		c.Alerts.WithNotifier(deps.Notifier)
		c.KillSwitch.WithNotifier(deps.Notifier)
	}
	if deps.LockManager != nil {
		c.KillSwitch.WithLock(deps.LockManager, cfg.KillSwitch.LockTTL.Duration)
	}
	if deps.SignalBus != nil {
		c.KillSwitch.WithSignalBus(deps.SignalBus, cfg.KillSwitch.SignalChannel, cfg.NodeID)
		c.Journal = fanout.NewJournal(c.Broker, deps.SignalBus, cfg.Fanout.JournalStream, a.logger)
	}
	if deps.BlobWriter != nil {
		c.KillSwitch.WithReports(deps.BlobWriter, cfg.S3.ReportPrefix)
	}

	mandates, err := a.loadMandates(ctx, deps)
	if err != nil {
		return nil, err
	}
	c.Monitor.Load(mandates)
	if deps.MandateStore != nil {
		c.Monitor.WithMirror(deps.MandateStore)
	}

	strategies := make([]domain.Strategy, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies = append(strategies, s.Strategy())
	}
	if err := c.Strategies.Load(strategies); err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}

	if cfg.Execution.Paper {
		ratio, err := parseDecimal(cfg.Execution.PaperFillRatio, "1")
		if err != nil {
			return nil, fmt.Errorf("paper_fill_ratio: %w", err)
		}
		minClip, err := parseDecimal(cfg.Execution.PaperMinClip, "0")
		if err != nil {
			return nil, fmt.Errorf("paper_min_clip: %w", err)
		}
		c.Simulator = executor.NewSimulator(c.Orders, executor.Config{
			Interval:  cfg.Execution.PaperInterval.Duration,
			FillRatio: ratio,
			MinClip:   minClip,
		}, a.logger)
	}

	a.logger.InfoContext(ctx, "services ready",
		slog.Int("mandates", len(mandates)),
		slog.Int("strategies", len(strategies)),
	)
	return c, nil
}

// loadMandates returns the configured mandates. With a mandate store the
// configuration is upserted first and the stored rows, which carry the last
// mirrored status, win.
func (a *App) loadMandates(ctx context.Context, deps *Dependencies) ([]domain.Mandate, error) {
	seeds := make([]domain.Mandate, 0, len(a.cfg.Mandates))
	for _, s := range a.cfg.Mandates {
		m, err := s.Mandate()
		if err != nil {
			return nil, fmt.Errorf("mandate %s: %w", s.Code, err)
		}
		seeds = append(seeds, m)
	}
	if deps.MandateStore == nil {
		return seeds, nil
	}
	for _, m := range seeds {
		if err := deps.MandateStore.Upsert(ctx, m); err != nil {
			return nil, err
		}
	}
	stored, err := deps.MandateStore.List(ctx)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (a *App) serve(ctx context.Context, deps *Dependencies, c *Core) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Monitor.Run(ctx)
	})

	if c.Journal != nil {
		g.Go(func() error {
			return c.Journal.Run(ctx)
		})
	}

	if deps.SignalBus != nil && a.cfg.KillSwitch.FollowPeers {
		g.Go(func() error {
			return c.KillSwitch.Follow(ctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration)
		})
	}

	if c.Simulator != nil {
		a.logger.WarnContext(ctx, "paper execution enabled, open orders will be filled at reference prices")
		g.Go(func() error {
			return c.Simulator.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *Core) {
	cfg := a.cfg
	if !cfg.Auth.Enabled {
		a.logger.WarnContext(ctx, "HTTP server: authentication disabled, every request acts as the dev role",
			slog.String("dev_role", cfg.Auth.DevRole))
	}

	keys := make([]middleware.APIKey, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, middleware.APIKey{Name: k.Name, Key: k.Key, Role: parseRole(k.Role)})
	}
	auth := middleware.NewAuthenticator(middleware.AuthOptions{
		Enabled:   cfg.Auth.Enabled,
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.JWTIssuer,
		APIKeys:   keys,
		DevRole:   parseRole(cfg.Auth.DevRole),
	})

	hub := ws.NewHub(c.Broker, ws.Config{AllowedOrigins: cfg.Server.CORSOrigins}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var journal handler.Journal
	if c.Journal != nil {
		journal = c.Journal
	}
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Probes, a.logger),
		Orders:     handler.NewOrderHandler(c.Orders, a.logger),
		Positions:  handler.NewPositionHandler(c.Positions, a.logger),
		Risk:       handler.NewRiskHandler(c.Monitor, c.Alerts, deps.AlertStore, c.Status, a.logger),
		Strategies: handler.NewStrategyHandler(c.Strategies, a.logger),
		KillSwitch: handler.NewKillSwitchHandler(c.KillSwitch, deps.BlobReader, cfg.S3.ReportPrefix, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, journal, a.logger),
		Metrics:    a.metrics.Handler(),
	}

	srv := server.NewServer(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit:    cfg.Server.RateLimit,
		RateWindow:   cfg.Server.RateWindow.Duration,
	}, handlers, server.Options{
		Auth:    auth,
		Limiter: deps.RateLimiter,
		Hub:     hub,
	}, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func parseDecimal(raw, def string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = def
	}
	return decimal.NewFromString(raw)
}

func parseRole(raw string) domain.Role {
	return domain.Role(strings.ToUpper(strings.TrimSpace(raw)))
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/controlplane/internal/audit"
	s3blob "github.com/alanyoungcy/controlplane/internal/blob/s3"
	"github.com/alanyoungcy/controlplane/internal/cache/memory"
	"github.com/alanyoungcy/controlplane/internal/cache/redis"
	"github.com/alanyoungcy/controlplane/internal/config"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/notify"
	"github.com/alanyoungcy/controlplane/internal/server/handler"
	"github.com/alanyoungcy/controlplane/internal/store/postgres"
)

// Dependencies bundles the infrastructure behind the control plane. Optional
// backends are nil when disabled in configuration.
type Dependencies struct {
	// Always present.
	Prices     domain.PriceCache
	AuditStore domain.AuditStore
	Notifier   *notify.Notifier

	// Postgres.
	MandateStore domain.MandateStore
	AlertStore   domain.AlertStore

	// Redis.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// S3.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.AuditArchiver

	// Probes are checked by the readiness endpoint.
	Probes map[string]handler.Probe
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Probes: make(map[string]handler.Probe)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.MandateStore = postgres.NewMandateStore(pool)
		deps.AlertStore = postgres.NewAlertStore(pool)
		deps.Probes["postgres"] = pgClient.Ping
	} else {
		logger.WarnContext(ctx, "wire: postgres disabled, audit trail kept in memory")
		deps.AuditStore = audit.NewMemoryStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			ReadTimeout: cfg.Redis.ReadTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Prices = redis.NewPriceCache(redisClient, cfg.Redis.PriceMaxAge.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Probes["redis"] = redisClient.Ping
	} else {
		deps.Prices = memory.NewPriceCache()
	}

	if err := seedPrices(ctx, cfg, deps.Prices); err != nil {
		cleanup()
		return nil, nil, err
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewAuditArchiver(deps.BlobWriter, deps.AuditStore, cfg.S3.AuditPrefix, logger)
		deps.Probes["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// seedPrices writes configured reference prices. With a shared cache a price
// some other writer already published is left alone.
func seedPrices(ctx context.Context, cfg *config.Config, prices domain.PriceCache) error {
	seeds, err := cfg.PriceSeeds()
	if err != nil {
		return fmt.Errorf("wire: price seeds: %w", err)
	}
	now := time.Now().UTC()
	for symbol, price := range seeds {
		if _, _, err := prices.GetPrice(ctx, symbol); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("wire: read price %s: %w", symbol, err)
		}
		if err := prices.SetPrice(ctx, symbol, price, now); err != nil {
			return fmt.Errorf("wire: seed price %s: %w", symbol, err)
		}
	}
	return nil
}

// Command controlplane runs the trading control plane. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and serves until interrupted.
//
// Usage:
//
//	controlplane [-config config.toml]
//	controlplane token -config config.toml -sub alice -role ADMIN [-ttl 12h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alanyoungcy/controlplane/internal/app"
	"github.com/alanyoungcy/controlplane/internal/config"
	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/server/middleware"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("control plane starting",
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("control plane stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// issueToken prints a bearer token signed with the configured secret.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	sub := fs.String("sub", "", "caller id (token subject)")
	name := fs.String("name", "", "display name, defaults to the subject")
	role := fs.String("role", string(domain.RoleViewer), "ADMIN, QUANT or VIEWER")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("-sub is required")
	}
	r := domain.Role(strings.ToUpper(*role))
	if len(domain.CapabilitiesFor(r)) == 0 {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	auth := middleware.NewAuthenticator(middleware.AuthOptions{
		Enabled:   true,
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.JWTIssuer,
	})
	token, err := auth.Issue(*sub, *name, r, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// Package config defines the top-level configuration for the control plane
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CONTROLPLANE_* environment variables.
type Config struct {
	NodeID     string            `toml:"node_id"`
	Server     ServerConfig      `toml:"server"`
	Auth       AuthConfig        `toml:"auth"`
	Redis      RedisConfig       `toml:"redis"`
	Postgres   PostgresConfig    `toml:"postgres"`
	S3         S3Config          `toml:"s3"`
	Notify     NotifyConfig      `toml:"notify"`
	Monitor    MonitorConfig     `toml:"monitor"`
	Fanout     FanoutConfig      `toml:"fanout"`
	Execution  ExecutionConfig   `toml:"execution"`
	KillSwitch KillSwitchConfig  `toml:"kill_switch"`
	Mandates   []MandateSeed     `toml:"mandates"`
	Strategies []StrategySeed    `toml:"strategies"`
	Prices     map[string]string `toml:"prices"`
	LogLevel   string            `toml:"log_level"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	// RateLimit is requests per RateWindow per client. Zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	Enabled   bool           `toml:"enabled"`
	JWTSecret string         `toml:"jwt_secret"`
	JWTIssuer string         `toml:"jwt_issuer"`
	APIKeys   []APIKeyConfig `toml:"api_keys"`
	// DevRole is the role granted to every request when auth is disabled.
	DevRole string `toml:"dev_role"`
}

// APIKeyConfig is a static service credential presented in X-API-Key.
type APIKeyConfig struct {
	Name string `toml:"name"`
	Key  string `toml:"key"`
	Role string `toml:"role"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	DialTimeout  duration `toml:"dial_timeout"`
	ReadTimeout  duration `toml:"read_timeout"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	PriceMaxAge  duration `toml:"price_max_age"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ReportPrefix    string   `toml:"report_prefix"`
	AuditPrefix     string   `toml:"audit_prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MonitorConfig tunes the mandate monitor.
type MonitorConfig struct {
	Tick    duration `toml:"tick"`
	Refresh duration `toml:"refresh"`
}

// FanoutConfig tunes the event broker.
type FanoutConfig struct {
	Buffer        int      `toml:"buffer"`
	Heartbeat     duration `toml:"heartbeat"`
	ReplaySize    int      `toml:"replay_size"`
	JournalStream string   `toml:"journal_stream"`
}

// ExecutionConfig tunes order handling and the paper venue.
type ExecutionConfig struct {
	PositionChangeRatio string   `toml:"position_change_ratio"`
	Paper               bool     `toml:"paper"`
	PaperInterval       duration `toml:"paper_interval"`
	PaperFillRatio      string   `toml:"paper_fill_ratio"`
	PaperMinClip        string   `toml:"paper_min_clip"`
}

// KillSwitchConfig tunes the emergency stop.
type KillSwitchConfig struct {
	LockTTL       duration `toml:"lock_ttl"`
	FollowPeers   bool     `toml:"follow_peers"`
	SignalChannel string   `toml:"signal_channel"`
}

// MandateSeed is a mandate definition loaded at startup.
type MandateSeed struct {
	ID             string `toml:"id"`
	Code           string `toml:"code"`
	Description    string `toml:"description"`
	ConstraintType string `toml:"constraint_type"`
	SoftLimit      string `toml:"soft_limit"`
	HardLimit      string `toml:"hard_limit"`
	Active         bool   `toml:"active"`
}

// Mandate converts the seed to a domain mandate in status OK.
func (s MandateSeed) Mandate() (domain.Mandate, error) {
	soft, err := optionalDecimal(s.SoftLimit)
	if err != nil {
		return domain.Mandate{}, fmt.Errorf("mandate %s soft_limit: %w", s.ID, err)
	}
	hard, err := optionalDecimal(s.HardLimit)
	if err != nil {
		return domain.Mandate{}, fmt.Errorf("mandate %s hard_limit: %w", s.ID, err)
	}
	return domain.Mandate{
		ID:             s.ID,
		Code:           s.Code,
		Description:    s.Description,
		ConstraintType: strings.ToUpper(s.ConstraintType),
		SoftLimit:      soft,
		HardLimit:      hard,
		Status:         domain.MandateStatusOK,
		Active:         s.Active,
	}, nil
}

// StrategySeed is a strategy registered at startup.
type StrategySeed struct {
	ID         string         `toml:"id"`
	Name       string         `toml:"name"`
	Type       string         `toml:"type"`
	Status     string         `toml:"status"`
	Parameters map[string]any `toml:"parameters"`
}

// Strategy converts the seed to a domain strategy.
func (s StrategySeed) Strategy() domain.Strategy {
	return domain.Strategy{
		ID:         s.ID,
		Name:       s.Name,
		Type:       s.Type,
		Status:     domain.StrategyStatus(strings.ToUpper(s.Status)),
		Parameters: s.Parameters,
	}
}

// PriceSeeds parses the [prices] table.
func (c *Config) PriceSeeds() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Prices))
	for sym, raw := range c.Prices {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", sym, err)
		}
		out[strings.ToUpper(sym)] = d
	}
	return out, nil
}

func optionalDecimal(raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		NodeID: "controlplane-1",
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{30 * time.Second},
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
		},
		Auth: AuthConfig{
			Enabled:   true,
			JWTIssuer: "controlplane",
			DevRole:   string(domain.RoleViewer),
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			DialTimeout:  duration{5 * time.Second},
			ReadTimeout:  duration{3 * time.Second},
			PriceMaxAge:  duration{5 * time.Minute},
			StreamMaxLen: 100_000,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "controlplane",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "controlplane",
			ForcePathStyle:  true,
			ReportPrefix:    "incidents",
			AuditPrefix:     "audit",
			ArchiveInterval: duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"kill_switch", "alert_critical"},
		},
		Monitor: MonitorConfig{
			Tick:    duration{250 * time.Millisecond},
			Refresh: duration{5 * time.Second},
		},
		Fanout: FanoutConfig{
			Buffer:        256,
			Heartbeat:     duration{30 * time.Second},
			ReplaySize:    1024,
			JournalStream: "control:events",
		},
		Execution: ExecutionConfig{
			PositionChangeRatio: "0.1",
			Paper:               false,
			PaperInterval:       duration{time.Second},
			PaperFillRatio:      "1",
			PaperMinClip:        "0",
		},
		KillSwitch: KillSwitchConfig{
			LockTTL:       duration{time.Minute},
			FollowPeers:   true,
			SignalChannel: "system_alerts",
		},
		Prices:   map[string]string{},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validRoles = map[string]bool{
	string(domain.RoleAdmin):  true,
	string(domain.RoleQuant):  true,
	string(domain.RoleViewer): true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, "node_id must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
			errs = append(errs, "auth: jwt_secret or api_keys required when enabled")
		}
		if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, "auth: jwt_secret must be at least 32 bytes")
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" || k.Name == "" {
				errs = append(errs, fmt.Sprintf("auth: api_keys[%d] needs name and key", i))
			}
			if !validRoles[strings.ToUpper(k.Role)] {
				errs = append(errs, fmt.Sprintf("auth: api_keys[%d] unknown role %q", i, k.Role))
			}
		}
	} else if !validRoles[strings.ToUpper(c.Auth.DevRole)] {
		errs = append(errs, fmt.Sprintf("auth: unknown dev_role %q", c.Auth.DevRole))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.DialTimeout.Duration <= 0 {
			errs = append(errs, "redis: dial_timeout must be > 0")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Monitor
	if c.Monitor.Tick.Duration <= 0 {
		errs = append(errs, "monitor: tick must be > 0")
	}
	if c.Monitor.Refresh.Duration < c.Monitor.Tick.Duration {
		errs = append(errs, "monitor: refresh must be >= tick")
	}

	// Execution
	if d, err := decimal.NewFromString(c.Execution.PositionChangeRatio); err != nil || d.IsNegative() {
		errs = append(errs, fmt.Sprintf("execution: position_change_ratio %q must be a non-negative decimal", c.Execution.PositionChangeRatio))
	}
	if c.Execution.Paper {
		if d, err := decimal.NewFromString(c.Execution.PaperFillRatio); err != nil || !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Sprintf("execution: paper_fill_ratio %q must be in (0, 1]", c.Execution.PaperFillRatio))
		}
		if _, err := decimal.NewFromString(c.Execution.PaperMinClip); err != nil {
			errs = append(errs, fmt.Sprintf("execution: paper_min_clip %q is not a decimal", c.Execution.PaperMinClip))
		}
	}

	// Seeds
	seen := make(map[string]bool, len(c.Mandates))
	for i, m := range c.Mandates {
		if m.ID == "" || m.Code == "" {
			errs = append(errs, fmt.Sprintf("mandates[%d]: id and code are required", i))
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("mandates[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if _, err := m.Mandate(); err != nil {
			errs = append(errs, fmt.Sprintf("mandates[%d]: %v", i, err))
		}
	}
	for i, s := range c.Strategies {
		if s.ID == "" || s.Name == "" {
			errs = append(errs, fmt.Sprintf("strategies[%d]: id and name are required", i))
		}
	}
	if _, err := c.PriceSeeds(); err != nil {
		errs = append(errs, fmt.Sprintf("prices: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

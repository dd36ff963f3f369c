package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/funnelsync/internal/storage"
)

// Config is the main configuration structure for funnelsync.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Telegram TelegramConfig `yaml:"telegram"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is one of memory, postgres, sqlite or sqlite3.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// AutoMigrate applies pending migrations on serve.
	AutoMigrate *bool `yaml:"auto_migrate"`
}

// Storage converts the section to a storage.Config.
func (d DatabaseConfig) Storage() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Driver = d.Driver
	cfg.URL = d.URL
	if d.MaxConnections > 0 {
		cfg.MaxOpenConns = d.MaxConnections
	}
	if d.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if d.ConnectTimeout > 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	cfg.AutoMigrate = d.ShouldAutoMigrate()
	return cfg
}

// ShouldAutoMigrate reports whether serve applies migrations. Defaults to true.
func (d DatabaseConfig) ShouldAutoMigrate() bool {
	return d.AutoMigrate == nil || *d.AutoMigrate
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Issuer      string        `yaml:"issuer"`
}

type TelegramConfig struct {
	// RateLimit is the global outbound messages per second per bot.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// PerChatRate is outbound messages per second to a single chat.
	PerChatRate float64 `yaml:"per_chat_rate"`

	PollTimeout      time.Duration `yaml:"poll_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`

	// ServerURL overrides the Bot API endpoint, for local Bot API servers.
	ServerURL string `yaml:"server_url"`
}

type RelayConfig struct {
	HistoryLimit   int      `yaml:"history_limit"`
	SendBuffer     int      `yaml:"send_buffer"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// local runs without a file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storage.DriverMemory
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Telegram.RateLimit == 0 {
		cfg.Telegram.RateLimit = 30
	}
	if cfg.Telegram.RateBurst == 0 {
		cfg.Telegram.RateBurst = 20
	}
	if cfg.Telegram.PerChatRate == 0 {
		cfg.Telegram.PerChatRate = 1
	}
	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = time.Minute
	}
	if cfg.Telegram.HandshakeTimeout == 0 {
		cfg.Telegram.HandshakeTimeout = 15 * time.Second
	}
	if cfg.Telegram.CloseTimeout == 0 {
		cfg.Telegram.CloseTimeout = 10 * time.Second
	}
	if cfg.Relay.HistoryLimit == 0 {
		cfg.Relay.HistoryLimit = storage.DefaultHistoryLimit
	}
	if cfg.Relay.SendBuffer == 0 {
		cfg.Relay.SendBuffer = 64
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "funnelsync"
	}
}

// Validate checks the configuration for consistency. Every problem found is
// reported, not just the first.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var errs []error
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 0 and 65535"))
	}

	switch c.Database.Driver {
	case storage.DriverMemory:
	case storage.DriverPostgres, storage.DriverSQLite, storage.DriverSQLite3:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, fmt.Errorf("database.url is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required"))
	} else if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 bytes"))
	}
	if c.Auth.TokenExpiry < 0 {
		errs = append(errs, fmt.Errorf("auth.token_expiry must not be negative"))
	}

	if c.Telegram.RateLimit < 0 || c.Telegram.PerChatRate < 0 {
		errs = append(errs, fmt.Errorf("telegram rate limits must not be negative"))
	}
	if c.Telegram.ServerURL != "" {
		if u, err := url.Parse(c.Telegram.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("telegram.server_url must be an absolute URL"))
		}
	}

	if c.Relay.HistoryLimit < 0 || c.Relay.HistoryLimit > 500 {
		errs = append(errs, fmt.Errorf("relay.history_limit must be between 1 and 500"))
	}
	if c.Relay.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("relay.send_buffer must not be negative"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not supported", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/florianilch/stringart-drive/internal/credstore"
	"github.com/florianilch/stringart-drive/internal/gateway"
	"github.com/florianilch/stringart-drive/internal/observability"
	"github.com/florianilch/stringart-drive/internal/session"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// CredentialStorageType represents the different backends supported for session state.
type CredentialStorageType string

const (
	CredentialStorageTypeFile    CredentialStorageType = "file"
	CredentialStorageTypeKeyring CredentialStorageType = "keyring"
	CredentialStorageTypeBolt    CredentialStorageType = "bolt"
	CredentialStorageTypeRedis   CredentialStorageType = "redis"
	CredentialStorageTypeMemory  CredentialStorageType = "memory"
)

// keyringService names the OS keyring entries written by this application.
const keyringService = "stringart-drive"

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigLogExporter     = observability.ExporterNone
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4100
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigUpstreamBaseURL = gateway.DefaultBaseURL
	DefaultConfigAuthStorage     = CredentialStorageTypeFile
	DefaultConfigRedisKeyPrefix  = "stringart:"
	DefaultConfigHealthSchedule  = "@every 1m"
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// UpstreamConfig holds upstream API configuration.
type UpstreamConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// AuthConfig describes the OAuth client, where session state is kept and how
// the token is renewed.
type AuthConfig struct {
	// Storage configuration - where session state lives between restarts
	Storage CredentialStorageType `json:"storage" validate:"required,oneof=file keyring bolt redis memory"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File           string `json:"file,omitempty"`             // For file and bolt storage: path to the database
	KeyringUser    string `json:"keyring_user,omitempty"`     // For keyring storage: user identifier
	RedisURL       string `json:"redis_url,omitempty"`        // For redis storage: redis://host:port/db
	RedisKeyPrefix string `json:"redis_key_prefix,omitempty"` // For redis storage: prefix for all keys

	// OAuth client registration
	ClientID     string   `json:"client_id" validate:"required"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectPort uint16   `json:"redirect_port"` // 0 picks a free port

	// Renewal timing
	RenewalWindow  time.Duration `json:"renewal_window"`
	SafetyBuffer   time.Duration `json:"safety_buffer"`
	RefreshTimeout time.Duration `json:"refresh_timeout"`
}

// HealthConfig controls the periodic session probe.
type HealthConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m"; "none" disables the probe.
	Schedule string `json:"schedule"`
}

// NewStore creates the credential store selected by the configuration.
func (a *AuthConfig) NewStore() (credstore.Store, error) {
	switch a.Storage {
	case CredentialStorageTypeFile:
		return credstore.NewFileStore(a.File)
	case CredentialStorageTypeKeyring:
		return credstore.NewKeyringStore(keyringService, a.KeyringUser)
	case CredentialStorageTypeBolt:
		return credstore.NewBoltStore(a.File)
	case CredentialStorageTypeRedis:
		return credstore.NewRedisStore(a.RedisURL, a.RedisKeyPrefix)
	case CredentialStorageTypeMemory:
		return credstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// SessionOptions translates the renewal timing into session options.
func (a *AuthConfig) SessionOptions() []session.Option {
	return []session.Option{
		session.WithRenewalWindow(a.RenewalWindow),
		session.WithSafetyBuffer(a.SafetyBuffer),
		session.WithRefreshTimeout(a.RefreshTimeout),
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level     `json:"log_level"`
	LogFormat   LogFormat      `json:"log_format" validate:"oneof=text json"`
	LogExporter string         `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Server      ServerConfig   `json:"server"`
	Shutdown    ShutdownConfig `json:"shutdown"`
	Upstream    UpstreamConfig `json:"upstream"`
	Auth        AuthConfig     `json:"auth"`
	Health      HealthConfig   `json:"health"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultConfigUpstreamBaseURL
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.RenewalWindow == 0 {
		c.Auth.RenewalWindow = session.DefaultRenewalWindow
	}
	if c.Auth.SafetyBuffer == 0 {
		c.Auth.SafetyBuffer = session.DefaultSafetyBuffer
	}
	if c.Auth.RefreshTimeout == 0 {
		c.Auth.RefreshTimeout = session.DefaultRefreshTimeout
	}
	if c.Health.Schedule == "" {
		c.Health.Schedule = DefaultConfigHealthSchedule
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case CredentialStorageTypeFile, CredentialStorageTypeBolt:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			name := "session.json"
			if c.Auth.Storage == CredentialStorageTypeBolt {
				name = "session.db"
			}
			c.Auth.File = filepath.Join(configDir, "stringart-drive", name)
		}
	case CredentialStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case CredentialStorageTypeRedis:
		if c.Auth.RedisKeyPrefix == "" {
			c.Auth.RedisKeyPrefix = DefaultConfigRedisKeyPrefix
		}
		// redis_url must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Auth.RenewalWindow <= c.Auth.SafetyBuffer {
		return fmt.Errorf("auth.renewal_window (%s) must be longer than auth.safety_buffer (%s)", c.Auth.RenewalWindow, c.Auth.SafetyBuffer)
	}
	if c.Auth.RefreshTimeout <= 0 {
		return errors.New("auth.refresh_timeout must be positive")
	}

	switch c.Auth.Storage {
	case CredentialStorageTypeFile, CredentialStorageTypeBolt:
		if c.Auth.File == "" {
			return fmt.Errorf("file path required for %s storage", c.Auth.Storage)
		}
	case CredentialStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case CredentialStorageTypeRedis:
		if c.Auth.RedisURL == "" {
			return errors.New("redis_url required for redis storage")
		}
	}

	if c.Health.Schedule != "none" {
		if _, err := cron.ParseStandard(c.Health.Schedule); err != nil {
			return fmt.Errorf("invalid health.schedule: %w", err)
		}
	}

	return nil
}

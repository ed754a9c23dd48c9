package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/florianilch/stringart-drive/internal/credstore"
	"github.com/florianilch/stringart-drive/internal/session"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Auth: AuthConfig{
			Storage:  CredentialStorageTypeMemory,
			ClientID: "client-id.apps.googleusercontent.com",
		},
	}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Storage: CredentialStorageTypeBolt}}
	require.NoError(t, cfg.ApplyDefaults())

	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, "none", cfg.LogExporter)
	assert.Equal(t, DefaultConfigServerHost, cfg.Server.Host)
	assert.Equal(t, uint16(DefaultConfigServerPort), cfg.Server.Port)
	assert.Equal(t, DefaultConfigShutdownTimeout, cfg.Shutdown.Timeout)
	assert.Equal(t, "https://www.googleapis.com", cfg.Upstream.BaseURL)
	assert.Equal(t, session.DefaultRenewalWindow, cfg.Auth.RenewalWindow)
	assert.Equal(t, session.DefaultSafetyBuffer, cfg.Auth.SafetyBuffer)
	assert.Equal(t, session.DefaultRefreshTimeout, cfg.Auth.RefreshTimeout)
	assert.Equal(t, DefaultConfigHealthSchedule, cfg.Health.Schedule)
	assert.Equal(t, "session.db", filepath.Base(cfg.Auth.File))

	redis := &Config{Auth: AuthConfig{Storage: CredentialStorageTypeRedis}}
	require.NoError(t, redis.ApplyDefaults())
	assert.Equal(t, DefaultConfigRedisKeyPrefix, redis.Auth.RedisKeyPrefix)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing client id", mutate: func(c *Config) { c.Auth.ClientID = "" }, wantErr: "ClientID"},
		{name: "unknown storage", mutate: func(c *Config) { c.Auth.Storage = "floppy" }, wantErr: "Storage"},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LogFormat"},
		{name: "unknown exporter", mutate: func(c *Config) { c.LogExporter = "syslog" }, wantErr: "LogExporter"},
		{name: "bad upstream", mutate: func(c *Config) { c.Upstream.BaseURL = "not a url" }, wantErr: "BaseURL"},
		{
			name:    "window not longer than buffer",
			mutate:  func(c *Config) { c.Auth.RenewalWindow = 30 * time.Second },
			wantErr: "renewal_window",
		},
		{name: "negative timeout", mutate: func(c *Config) { c.Auth.RefreshTimeout = -time.Second }, wantErr: "refresh_timeout"},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.Auth.Storage = CredentialStorageTypeRedis },
			wantErr: "redis_url",
		},
		{
			name:    "file without path",
			mutate:  func(c *Config) { c.Auth.Storage = CredentialStorageTypeFile; c.Auth.File = "" },
			wantErr: "file path required",
		},
		{name: "bad schedule", mutate: func(c *Config) { c.Health.Schedule = "every now and then" }, wantErr: "health.schedule"},
		{name: "probe disabled", mutate: func(c *Config) { c.Health.Schedule = "none" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewStore(t *testing.T) {
	keyring.MockInit()
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name     string
		cfg      AuthConfig
		expected credstore.Store
	}{
		{name: "file", cfg: AuthConfig{Storage: CredentialStorageTypeFile, File: filepath.Join(dir, "session.json")}, expected: &credstore.FileStore{}},
		{name: "bolt", cfg: AuthConfig{Storage: CredentialStorageTypeBolt, File: filepath.Join(dir, "session.db")}, expected: &credstore.BoltStore{}},
		{name: "keyring", cfg: AuthConfig{Storage: CredentialStorageTypeKeyring, KeyringUser: "ada"}, expected: &credstore.KeyringStore{}},
		{name: "redis", cfg: AuthConfig{Storage: CredentialStorageTypeRedis, RedisURL: "redis://" + mr.Addr(), RedisKeyPrefix: "test:"}, expected: &credstore.RedisStore{}},
		{name: "memory", cfg: AuthConfig{Storage: CredentialStorageTypeMemory}, expected: &credstore.MemoryStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := tt.cfg.NewStore()
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			assert.IsType(t, tt.expected, store)
		})
	}

	_, err := (&AuthConfig{Storage: "floppy"}).NewStore()
	assert.ErrorContains(t, err, "unsupported storage type")
}

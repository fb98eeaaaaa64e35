package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Transport.Backend)
	assert.Equal(t, 5, cfg.Durability.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Stream.PingInterval)
	assert.Equal(t, 5*time.Minute, cfg.Stream.IdleTimeout)
	assert.Equal(t, 100, cfg.Stream.ReplayPageSize)
	assert.Equal(t, 5*time.Minute, cfg.Terminals.StaleThreshold)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "database url",
		},
		{
			name:    "unknown transport backend",
			mutate:  func(c *Config) { c.Transport.Backend = "kafka" },
			wantErr: "invalid transport backend",
		},
		{
			name:    "unknown rate limit store",
			mutate:  func(c *Config) { c.RateLimit.Store = "dynamo" },
			wantErr: "invalid rate limit store",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Durability.MaxAttempts = 0 },
			wantErr: "max attempts",
		},
		{
			name:    "idle timeout below ping interval",
			mutate:  func(c *Config) { c.Stream.IdleTimeout = 10 * time.Second },
			wantErr: "idle timeout",
		},
		{
			name:    "zero replay page size",
			mutate:  func(c *Config) { c.Stream.ReplayPageSize = 0 },
			wantErr: "replay page size",
		},
		{
			name:    "zero stale threshold",
			mutate:  func(c *Config) { c.Terminals.StaleThreshold = 0 },
			wantErr: "stale threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LR_SERVER_PORT", "9090")
	t.Setenv("LR_TRANSPORT_BACKEND", "redis")
	t.Setenv("LR_DURABILITY_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Transport.Backend)
	assert.Equal(t, 3, cfg.Durability.MaxAttempts)
}

package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licenserelay/internal/config"
)

func TestLicenseLimitsFromConfig(t *testing.T) {
	cfg := config.Default()
	app := &Application{Config: cfg}

	limits := app.licenseLimits()

	require.NotNil(t, limits.Activation)
	require.NotNil(t, limits.Validation)
	require.NotNil(t, limits.Heartbeat)

	// Each limiter counts independently.
	res, err := limits.Activation.Allow(context.Background(), "activate:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, cfg.RateLimit.Activation.Limit-1, res.Remaining)
}

func TestLicenseLimitsDisabledWhenZero(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Heartbeat.Limit = 0
	app := &Application{Config: cfg}

	limits := app.licenseLimits()

	assert.NotNil(t, limits.Activation)
	assert.Nil(t, limits.Heartbeat)
}

func TestJobSchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobs(nil, nil, nil, nil, 0, logger)

	schedules := jobs.schedules(30*time.Second, 5*time.Minute)

	byName := map[string]time.Duration{}
	for _, s := range schedules {
		byName[s.name] = s.interval
	}

	assert.Equal(t, 30*time.Second, byName["retry_sweep"])
	assert.Equal(t, 150*time.Second, byName["stale_sweep"])
	assert.Contains(t, byName, "expired_cancellations")
	assert.Contains(t, byName, "deadletter_cleanup")
	assert.Contains(t, byName, "metrics_rollup")
}

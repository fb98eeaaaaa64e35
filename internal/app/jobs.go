package app

import (
	"context"
	"log/slog"
	"time"

	"licenserelay/internal/analytics"
	"licenserelay/internal/durability"
	"licenserelay/internal/enforcer"
	"licenserelay/internal/terminals"
)

// Jobs aggregates the periodic maintenance work into one surface. The
// HTTP trigger endpoints and the internal scheduler both go through it,
// so a manual trigger and a scheduled run behave identically.
type Jobs struct {
	durability   *durability.Service
	terminals    *terminals.Service
	enforcer     *enforcer.Service
	analytics    *analytics.Service
	rollupWindow time.Duration
	logger       *slog.Logger
}

// NewJobs creates the job aggregate.
func NewJobs(d *durability.Service, t *terminals.Service, e *enforcer.Service, a *analytics.Service, rollupWindow time.Duration, logger *slog.Logger) *Jobs {
	if rollupWindow <= 0 {
		rollupWindow = 24 * time.Hour
	}
	return &Jobs{
		durability:   d,
		terminals:    t,
		enforcer:     e,
		analytics:    a,
		rollupWindow: rollupWindow,
		logger:       logger.With(slog.String("component", "jobs")),
	}
}

// RunRetrySweep republishes unacknowledged events that are due.
func (j *Jobs) RunRetrySweep(ctx context.Context) (durability.SweepReport, error) {
	return j.durability.RunRetrySweep(ctx)
}

// SweepStaleSessions marks sessions without a recent heartbeat.
func (j *Jobs) SweepStaleSessions(ctx context.Context) (int, error) {
	return j.terminals.SweepStale(ctx)
}

// CleanupDeadLetters prunes closed entries past retention.
func (j *Jobs) CleanupDeadLetters(ctx context.Context) (int, error) {
	return j.durability.CleanupDeadLetters(ctx)
}

// SweepExpiredCancellations revokes licenses whose grace period ran out.
func (j *Jobs) SweepExpiredCancellations(ctx context.Context) (int, error) {
	return j.enforcer.SweepExpiredCancellations(ctx)
}

// MetricsRollup snapshots delivery health over the rollup window.
func (j *Jobs) MetricsRollup(ctx context.Context) (*analytics.TrendReport, error) {
	return j.analytics.Rollup(ctx, j.rollupWindow)
}

// jobSchedule pairs a job with its cadence.
type jobSchedule struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

// schedules derives each job's cadence from its policy: the retry sweep
// ticks at the base backoff so a due event waits at most one extra
// period, the stale sweep at half the stale threshold.
func (j *Jobs) schedules(backoffBase, staleThreshold time.Duration) []jobSchedule {
	return []jobSchedule{
		{
			name:     "retry_sweep",
			interval: backoffBase,
			run: func(ctx context.Context) error {
				report, err := j.durability.RunRetrySweep(ctx)
				if err != nil {
					return err
				}
				if report.Scanned > 0 {
					j.logger.InfoContext(ctx, "retry sweep finished",
						slog.Int("scanned", report.Scanned),
						slog.Int("republished", report.Republished),
						slog.Int("quarantined", report.Quarantined))
				}
				return nil
			},
		},
		{
			name:     "stale_sweep",
			interval: staleThreshold / 2,
			run: func(ctx context.Context) error {
				_, err := j.terminals.SweepStale(ctx)
				return err
			},
		},
		{
			name:     "expired_cancellations",
			interval: time.Minute,
			run: func(ctx context.Context) error {
				_, err := j.enforcer.SweepExpiredCancellations(ctx)
				return err
			},
		},
		{
			name:     "deadletter_cleanup",
			interval: time.Hour,
			run: func(ctx context.Context) error {
				_, err := j.durability.CleanupDeadLetters(ctx)
				return err
			},
		},
		{
			name:     "metrics_rollup",
			interval: 15 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := j.analytics.Rollup(ctx, j.rollupWindow)
				return err
			},
		},
	}
}

// runSchedule ticks one job until the context ends. Failures are logged
// and the next tick tries again.
func (j *Jobs) runSchedule(ctx context.Context, s jobSchedule) {
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx); err != nil {
				j.logger.ErrorContext(ctx, "scheduled job failed",
					slog.String("job", s.name),
					slog.String("error", err.Error()))
			}
		}
	}
}

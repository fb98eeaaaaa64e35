// Package analytics turns the durability layer's raw accounting into
// operator-facing reports: delivery trend over a window and recurring
// failure signatures. Read-only; never an enforcement source.
package analytics

import (
	"context"
	"log/slog"
	"time"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
)

// Repository is the slice of the store this package depends on.
type Repository interface {
	GetDeliveryStats(ctx context.Context, since time.Time) (*store.DeliveryStats, error)
	GetFailurePatterns(ctx context.Context, since time.Time, limit int) ([]store.FailurePattern, error)
}

// Service builds delivery reports.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the analytics service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With(slog.String("component", "analytics")),
		now:    time.Now,
	}
}

// TrendReport summarizes delivery health over a window.
type TrendReport struct {
	WindowStart time.Time              `json:"window_start"`
	WindowEnd   time.Time              `json:"window_end"`
	Stats       store.DeliveryStats    `json:"stats"`
	SuccessRate float64                `json:"success_rate"`
	Failures    []store.FailurePattern `json:"failure_patterns,omitempty"`
}

const maxFailurePatterns = 20

// DeliveryTrend aggregates outcomes over the trailing window. The
// success rate counts skipped deliveries as neither success nor failure.
func (s *Service) DeliveryTrend(ctx context.Context, window time.Duration) (*TrendReport, error) {
	if window <= 0 {
		return nil, relayerr.E(relayerr.KindValidation, "analytics.DeliveryTrend", "window must be positive")
	}
	end := s.now()
	start := end.Add(-window)

	stats, err := s.repo.GetDeliveryStats(ctx, start)
	if err != nil {
		return nil, err
	}

	patterns, err := s.repo.GetFailurePatterns(ctx, start, maxFailurePatterns)
	if err != nil {
		return nil, err
	}

	report := &TrendReport{
		WindowStart: start,
		WindowEnd:   end,
		Stats:       *stats,
		Failures:    patterns,
	}
	decided := stats.SuccessCount + stats.FailedCount
	if decided > 0 {
		report.SuccessRate = float64(stats.SuccessCount) / float64(decided)
	}
	return report, nil
}

// Rollup logs a trend snapshot, driven by the metrics-rollup job
// trigger so delivery health lands in the log stream on a schedule.
func (s *Service) Rollup(ctx context.Context, window time.Duration) (*TrendReport, error) {
	report, err := s.DeliveryTrend(ctx, window)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "delivery rollup",
		slog.Int64("success", report.Stats.SuccessCount),
		slog.Int64("failed", report.Stats.FailedCount),
		slog.Int64("skipped", report.Stats.SkippedCount),
		slog.Int64("retry_attempts", report.Stats.RetryAttempts),
		slog.Int64("dead_letter_open", report.Stats.DeadLetterOpen),
		slog.Float64("success_rate", report.SuccessRate))
	return report, nil
}

package durability

import (
	"context"
	"log/slog"
	"time"

	"licenserelay/internal/store"
	"licenserelay/internal/transport"
)

const sweepBatchSize = 200

// SweepReport summarizes one retry sweep pass.
type SweepReport struct {
	Scanned     int `json:"scanned"`
	Republished int `json:"republished"`
	Deferred    int `json:"deferred"`
	Quarantined int `json:"quarantined"`
	Errors      int `json:"errors"`
}

// backoff returns the delay before the given attempt number. Quadratic
// in the attempt count so repeated failures back off quickly without
// the unbounded growth of an exponential schedule.
func (s *Service) backoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * s.policy.BackoffBase
}

// RunRetrySweep scans the retry window for events with no success ack
// and re-publishes the due ones. Events past the attempt budget are
// quarantined. Each candidate is handled independently: a failure on
// one never blocks the rest of the batch.
func (s *Service) RunRetrySweep(ctx context.Context) (SweepReport, error) {
	now := s.now()

	candidates, err := s.repo.ListRetryCandidates(ctx, s.policy.RetryWindow, now, sweepBatchSize)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	report.Scanned = len(candidates)

	for _, c := range candidates {
		switch outcome := s.sweepOne(ctx, c, now); outcome {
		case sweepRepublished:
			report.Republished++
		case sweepDeferred:
			report.Deferred++
		case sweepQuarantined:
			report.Quarantined++
		case sweepErrored:
			report.Errors++
		}
	}

	if report.Republished > 0 || report.Quarantined > 0 || report.Errors > 0 {
		s.logger.InfoContext(ctx, "retry sweep complete",
			slog.Int("scanned", report.Scanned),
			slog.Int("republished", report.Republished),
			slog.Int("deferred", report.Deferred),
			slog.Int("quarantined", report.Quarantined),
			slog.Int("errors", report.Errors))
	}
	return report, nil
}

type sweepOutcome int

const (
	sweepRepublished sweepOutcome = iota
	sweepDeferred
	sweepQuarantined
	sweepErrored
)

func (s *Service) sweepOne(ctx context.Context, c store.RetryCandidate, now time.Time) sweepOutcome {
	if c.Attempts >= s.policy.MaxAttempts {
		_, err := s.repo.QuarantineEvent(ctx, c.Event.ID, c.Event.LicenseKey,
			"retry budget exhausted without a successful acknowledgment", c.Attempts)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to quarantine event",
				slog.String("event_id", c.Event.ID),
				slog.String("error", err.Error()))
			return sweepErrored
		}
		recordDeadLetter()
		s.logger.WarnContext(ctx, "event quarantined to dead-letter queue",
			slog.String("event_id", c.Event.ID),
			slog.String("license_key", c.Event.LicenseKey),
			slog.Int("attempts", c.Attempts))
		return sweepQuarantined
	}

	attempt := c.Attempts + 1

	since := c.Event.CreatedAt
	if c.LastAttemptAt != nil {
		since = *c.LastAttemptAt
	}
	if now.Sub(since) < s.backoff(attempt) {
		return sweepDeferred
	}

	env := &transport.Envelope{
		ID:         c.Event.ID,
		Type:       c.Event.Type,
		LicenseKey: c.Event.LicenseKey,
		Timestamp:  c.Event.CreatedAt,
		Data:       c.Event.Payload,
	}

	outcome := "republished"
	if err := s.transport.Publish(ctx, c.Event.LicenseKey, env); err != nil {
		outcome = "publish_failed"
		s.logger.ErrorContext(ctx, "retry publish failed",
			slog.String("event_id", c.Event.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	// The attempt is recorded either way so the backoff schedule and
	// the budget see failed publishes too.
	if err := s.repo.AppendRetryAttempt(ctx, c.Event.ID, attempt, outcome); err != nil {
		s.logger.ErrorContext(ctx, "failed to record retry attempt",
			slog.String("event_id", c.Event.ID),
			slog.String("error", err.Error()))
		return sweepErrored
	}

	recordRetryAttempt(outcome)
	if outcome != "republished" {
		return sweepErrored
	}
	return sweepRepublished
}

package store

import (
	"context"
	"time"

	relayerr "licenserelay/internal/errors"
)

// GetDeliveryStats aggregates acknowledgment, retry and dead-letter
// outcomes since the given time. Feeds the analytics layer; never an
// enforcement source.
func (s *Store) GetDeliveryStats(ctx context.Context, since time.Time) (*DeliveryStats, error) {
	var stats DeliveryStats

	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE outcome = 'success'),
		       count(*) FILTER (WHERE outcome = 'failed'),
		       count(*) FILTER (WHERE outcome = 'skipped')
		FROM event_acknowledgments WHERE created_at > $1`, since).
		Scan(&stats.SuccessCount, &stats.FailedCount, &stats.SkippedCount)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetDeliveryStats", "failed to aggregate acknowledgments", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM retry_history WHERE attempted_at > $1`, since).
		Scan(&stats.RetryAttempts)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetDeliveryStats", "failed to aggregate retries", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status IN ('pending_review', 'retrying')),
		       count(*)
		FROM dead_letter_entries WHERE created_at > $1`, since).
		Scan(&stats.DeadLetterOpen, &stats.DeadLetterTotal)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetDeliveryStats", "failed to aggregate dead letters", err)
	}

	return &stats, nil
}

// FailurePattern is one recurring failure signature among failed
// acknowledgments.
type FailurePattern struct {
	ErrorMessage string `json:"error_message"`
	Count        int64  `json:"count"`
	LicenseCount int64  `json:"license_count"`
}

// GetFailurePatterns groups failed acknowledgments by error message so
// operators can spot systemic delivery problems.
func (s *Store) GetFailurePatterns(ctx context.Context, since time.Time, limit int) ([]FailurePattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(error_message, ''), count(*), count(DISTINCT license_key)
		FROM event_acknowledgments
		WHERE outcome = 'failed' AND created_at > $1
		GROUP BY error_message
		ORDER BY count(*) DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetFailurePatterns", "failed to query patterns", err)
	}
	defer rows.Close()

	var out []FailurePattern
	for rows.Next() {
		var p FailurePattern
		if err := rows.Scan(&p.ErrorMessage, &p.Count, &p.LicenseCount); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetFailurePatterns", "failed to scan pattern", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"time"

	relayerr "licenserelay/internal/errors"
)

// ListRetryCandidates returns events inside the retry-eligibility window
// that have no success acknowledgment and are not already quarantined.
// Events whose dead-letter entry was put back into the retry cycle
// (status retrying) are eligible again.
func (s *Store) ListRetryCandidates(ctx context.Context, window time.Duration, now time.Time, limit int) ([]RetryCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.event_type, e.license_key, e.payload, e.created_at,
		       count(rh.id), max(rh.attempted_at)
		FROM subscription_events e
		LEFT JOIN retry_history rh ON rh.event_id = e.id
		WHERE e.created_at > $1
		  AND NOT EXISTS (
			SELECT 1 FROM event_acknowledgments a
			WHERE a.event_id = e.id AND a.outcome = 'success')
		  AND NOT EXISTS (
			SELECT 1 FROM dead_letter_entries d
			WHERE d.event_id = e.id AND d.status IN ('pending_review', 'resolved', 'abandoned'))
		GROUP BY e.id, e.event_type, e.license_key, e.payload, e.created_at
		ORDER BY e.created_at
		LIMIT $2`,
		now.Add(-window), limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListRetryCandidates", "failed to query candidates", err)
	}
	defer rows.Close()

	var out []RetryCandidate
	for rows.Next() {
		var c RetryCandidate
		if err := rows.Scan(&c.Event.ID, &c.Event.Type, &c.Event.LicenseKey, &c.Event.Payload,
			&c.Event.CreatedAt, &c.Attempts, &c.LastAttemptAt); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListRetryCandidates", "failed to scan candidate", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendRetryAttempt records one attempt in the audit trail.
func (s *Store) AppendRetryAttempt(ctx context.Context, eventID string, attempt int, outcome string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retry_history (event_id, attempt, outcome) VALUES ($1, $2, $3)`,
		eventID, attempt, outcome)
	if err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "store.AppendRetryAttempt", "failed to append retry record", err)
	}
	return nil
}

// ListRetryHistory returns the attempt trail for one event, oldest first.
func (s *Store) ListRetryHistory(ctx context.Context, eventID string) ([]RetryHistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, attempt, outcome, attempted_at
		FROM retry_history WHERE event_id = $1 ORDER BY attempt`,
		eventID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListRetryHistory", "failed to query retry history", err)
	}
	defer rows.Close()

	var out []RetryHistoryRecord
	for rows.Next() {
		var r RetryHistoryRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.Attempt, &r.Outcome, &r.AttemptedAt); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListRetryHistory", "failed to scan retry record", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

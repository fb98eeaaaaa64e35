package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	relayerr "licenserelay/internal/errors"
)

const deadLetterColumns = `id, event_id, license_key, failure_reason, retry_count, status, resolved_by, resolution_notes, created_at, updated_at`

func scanDeadLetter(row pgx.Row) (*DeadLetterEntry, error) {
	var d DeadLetterEntry
	err := row.Scan(&d.ID, &d.EventID, &d.LicenseKey, &d.FailureReason, &d.RetryCount,
		&d.Status, &d.ResolvedBy, &d.ResolutionNotes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// QuarantineEvent moves an event into the dead-letter store with status
// pending_review. If the event already has an entry in the retry cycle
// (status retrying) that entry is re-quarantined instead of duplicated.
func (s *Store) QuarantineEvent(ctx context.Context, eventID, licenseKey, reason string, retryCount int) (*DeadLetterEntry, error) {
	var entry *DeadLetterEntry

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = scanDeadLetter(tx.QueryRow(ctx, `
			UPDATE dead_letter_entries SET
				status = 'pending_review',
				failure_reason = $2,
				retry_count = retry_count + $3,
				updated_at = now()
			WHERE event_id = $1 AND status = 'retrying'
			RETURNING `+deadLetterColumns,
			eventID, reason, retryCount))
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return relayerr.Wrap(relayerr.KindTransient, "store.QuarantineEvent", "failed to re-quarantine entry", err)
		}

		entry, err = scanDeadLetter(tx.QueryRow(ctx, `
			INSERT INTO dead_letter_entries (event_id, license_key, failure_reason, retry_count)
			VALUES ($1, $2, $3, $4)
			RETURNING `+deadLetterColumns,
			eventID, licenseKey, reason, retryCount))
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.QuarantineEvent", "failed to insert entry", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// GetDeadLetter fetches one entry by id.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*DeadLetterEntry, error) {
	entry, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.GetDeadLetter", "dead-letter entry not found")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetDeadLetter", "failed to load entry", err)
	}
	return entry, nil
}

// ListDeadLetters returns entries, optionally filtered by status, newest
// first.
func (s *Store) ListDeadLetters(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_entries`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if status != "" {
		query += ` LIMIT $2`
	} else {
		query += ` LIMIT $1`
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListDeadLetters", "failed to query entries", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var d DeadLetterEntry
		if err := rows.Scan(&d.ID, &d.EventID, &d.LicenseKey, &d.FailureReason, &d.RetryCount,
			&d.Status, &d.ResolvedBy, &d.ResolutionNotes, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListDeadLetters", "failed to scan entry", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// transitionDeadLetter moves a non-terminal entry to a new status.
// Attempting to transition a resolved or abandoned entry is a conflict.
func (s *Store) transitionDeadLetter(ctx context.Context, id int64, to DeadLetterStatus, resolvedBy, notes *string) (*DeadLetterEntry, error) {
	entry, err := scanDeadLetter(s.pool.QueryRow(ctx, `
		UPDATE dead_letter_entries SET
			status = $2,
			resolved_by = COALESCE($3, resolved_by),
			resolution_notes = COALESCE($4, resolution_notes),
			updated_at = now()
		WHERE id = $1 AND status IN ('pending_review', 'retrying')
		RETURNING `+deadLetterColumns,
		id, to, resolvedBy, notes))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.transitionDeadLetter", "failed to transition entry", err)
	}

	// Zero rows: distinguish missing entry from a terminal-state conflict.
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		return nil, err
	}
	return nil, relayerr.E(relayerr.KindConflict, "store.transitionDeadLetter", "entry is already resolved or abandoned")
}

// ResolveDeadLetter marks an entry resolved. Terminal and immutable
// afterwards.
func (s *Store) ResolveDeadLetter(ctx context.Context, id int64, resolvedBy, notes string) (*DeadLetterEntry, error) {
	return s.transitionDeadLetter(ctx, id, DeadLetterResolved, &resolvedBy, &notes)
}

// AbandonDeadLetter marks an entry abandoned. Terminal and immutable
// afterwards.
func (s *Store) AbandonDeadLetter(ctx context.Context, id int64) (*DeadLetterEntry, error) {
	return s.transitionDeadLetter(ctx, id, DeadLetterAbandoned, nil, nil)
}

// RetryDeadLetter puts an entry back into the retry cycle: status becomes
// retrying and the event's attempt bookkeeping is reset so the sweep
// starts over.
func (s *Store) RetryDeadLetter(ctx context.Context, id int64) (*DeadLetterEntry, error) {
	var entry *DeadLetterEntry

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = scanDeadLetter(tx.QueryRow(ctx, `
			UPDATE dead_letter_entries SET status = 'retrying', updated_at = now()
			WHERE id = $1 AND status = 'pending_review'
			RETURNING `+deadLetterColumns, id))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return relayerr.Wrap(relayerr.KindTransient, "store.RetryDeadLetter", "failed to update entry", err)
			}
			if _, getErr := s.GetDeadLetter(ctx, id); getErr != nil {
				return getErr
			}
			return relayerr.E(relayerr.KindConflict, "store.RetryDeadLetter", "entry is not awaiting review")
		}

		_, err = tx.Exec(ctx, `DELETE FROM retry_history WHERE event_id = $1`, entry.EventID)
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.RetryDeadLetter", "failed to reset retry history", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// CloseRetryingEntry resolves a retrying entry after its event finally
// received a success acknowledgment. No-op when no such entry exists.
func (s *Store) CloseRetryingEntry(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_entries SET
			status = 'resolved',
			resolved_by = 'system',
			resolution_notes = 'event acknowledged after re-entry into retry cycle',
			updated_at = now()
		WHERE event_id = $1 AND status = 'retrying'`,
		eventID)
	if err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "store.CloseRetryingEntry", "failed to close entry", err)
	}
	return nil
}

// PruneDeadLetters deletes terminal entries older than the retention
// window and returns the number removed.
func (s *Store) PruneDeadLetters(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dead_letter_entries
		WHERE status IN ('resolved', 'abandoned') AND updated_at < $1`,
		now.Add(-retention))
	if err != nil {
		return 0, relayerr.Wrap(relayerr.KindTransient, "store.PruneDeadLetters", "failed to prune entries", err)
	}
	return int(tag.RowsAffected()), nil
}

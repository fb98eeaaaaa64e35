package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	relayerr "licenserelay/internal/errors"
)

const sessionColumns = `id, license_key, machine_hash, status, registered_at, last_heartbeat_at`

func scanSession(row pgx.Row) (*TerminalSession, error) {
	var sess TerminalSession
	err := row.Scan(&sess.ID, &sess.LicenseKey, &sess.MachineHash, &sess.Status,
		&sess.RegisteredAt, &sess.LastHeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpsertSession creates or refreshes the liveness record for a
// (license, machine) pair. The uniqueness constraint plus upsert makes
// concurrent registrations safe; no read-then-insert race.
func (s *Store) UpsertSession(ctx context.Context, key, machineHash string, status SessionStatus) (*TerminalSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO terminal_sessions (license_key, machine_hash, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (license_key, machine_hash) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat_at = now()
		RETURNING `+sessionColumns,
		key, machineHash, status))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.UpsertSession", "failed to upsert session", err)
	}
	return sess, nil
}

// TouchSession records a heartbeat: the session becomes connected and, if
// the machine holds a durable activation, its last-heartbeat moves too so
// the dashboard's "last seen" reflects the freshest signal.
func (s *Store) TouchSession(ctx context.Context, key, machineHash string, at time.Time) (*TerminalSession, error) {
	var sess *TerminalSession

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRow(ctx, `
			INSERT INTO terminal_sessions (license_key, machine_hash, status, last_heartbeat_at)
			VALUES ($1, $2, 'connected', $3)
			ON CONFLICT (license_key, machine_hash) DO UPDATE SET
				status = 'connected',
				last_heartbeat_at = $3
			RETURNING `+sessionColumns,
			key, machineHash, at))
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.TouchSession", "failed to update session", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE activations SET last_heartbeat_at = $3
			WHERE license_key = $1 AND machine_hash = $2 AND is_active AND last_heartbeat_at < $3`,
			key, machineHash, at)
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.TouchSession", "failed to update activation heartbeat", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// DisconnectSession marks a session disconnected without touching the
// durable activation.
func (s *Store) DisconnectSession(ctx context.Context, key, machineHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE terminal_sessions SET status = 'disconnected'
		WHERE license_key = $1 AND machine_hash = $2`,
		key, machineHash)
	if err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "store.DisconnectSession", "failed to disconnect session", err)
	}
	if tag.RowsAffected() == 0 {
		return relayerr.E(relayerr.KindNotFound, "store.DisconnectSession", "no session for this machine")
	}
	return nil
}

// SweepStaleSessions forces sessions silent past the threshold to
// disconnected and returns the affected rows.
func (s *Store) SweepStaleSessions(ctx context.Context, threshold time.Duration, now time.Time) ([]TerminalSession, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE terminal_sessions SET status = 'disconnected'
		WHERE status = 'connected' AND last_heartbeat_at < $1
		RETURNING `+sessionColumns,
		now.Add(-threshold))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.SweepStaleSessions", "failed to sweep sessions", err)
	}
	defer rows.Close()

	var out []TerminalSession
	for rows.Next() {
		var sess TerminalSession
		if err := rows.Scan(&sess.ID, &sess.LicenseKey, &sess.MachineHash, &sess.Status,
			&sess.RegisteredAt, &sess.LastHeartbeatAt); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.SweepStaleSessions", "failed to scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessions returns sessions for a license. With activeOnly, only
// currently-connected sessions are returned.
func (s *Store) ListSessions(ctx context.Context, key string, activeOnly bool) ([]TerminalSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions WHERE license_key = $1`
	if activeOnly {
		query += ` AND status = 'connected'`
	}
	query += ` ORDER BY registered_at`

	rows, err := s.pool.Query(ctx, query, key)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListSessions", "failed to list sessions", err)
	}
	defer rows.Close()

	var out []TerminalSession
	for rows.Next() {
		var sess TerminalSession
		if err := rows.Scan(&sess.ID, &sess.LicenseKey, &sess.MachineHash, &sess.Status,
			&sess.RegisteredAt, &sess.LastHeartbeatAt); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListSessions", "failed to scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSessionStats summarizes session liveness for a license.
func (s *Store) GetSessionStats(ctx context.Context, key string) (*SessionStats, error) {
	var stats SessionStats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'connected'),
		       count(*) FILTER (WHERE status = 'disconnected')
		FROM terminal_sessions WHERE license_key = $1`, key).
		Scan(&stats.Total, &stats.Connected, &stats.Disconnected)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetSessionStats", "failed to load session stats", err)
	}
	return &stats, nil
}

// DeactivateAllForLicense marks every session and activation under a
// license inactive, used for full license shutdown.
func (s *Store) DeactivateAllForLicense(ctx context.Context, key string) (int, error) {
	var affected int

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE activations SET is_active = FALSE WHERE license_key = $1 AND is_active`, key)
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.DeactivateAllForLicense", "failed to deactivate activations", err)
		}
		affected = int(tag.RowsAffected())

		_, err = tx.Exec(ctx,
			`UPDATE terminal_sessions SET status = 'disconnected' WHERE license_key = $1`, key)
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.DeactivateAllForLicense", "failed to disconnect sessions", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return affected, nil
}

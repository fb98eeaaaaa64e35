package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	relayerr "licenserelay/internal/errors"
)

const syncColumns = `id, license_key, sync_type, source_machine, payload, targets, acked, created_at`

func scanSync(row pgx.Row) (*StateSyncRequest, error) {
	var r StateSyncRequest
	err := row.Scan(&r.ID, &r.LicenseKey, &r.SyncType, &r.SourceMachine,
		&r.Payload, &r.Targets, &r.Acked, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateSyncRequest records a new state-synchronization round.
func (s *Store) CreateSyncRequest(ctx context.Context, id, licenseKey, syncType string, sourceMachine *string, payload json.RawMessage, targets []string) (*StateSyncRequest, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	req, err := scanSync(s.pool.QueryRow(ctx, `
		INSERT INTO state_sync_requests (id, license_key, sync_type, source_machine, payload, targets)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+syncColumns,
		id, licenseKey, syncType, sourceMachine, payload, targets))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.CreateSyncRequest", "failed to create sync request", err)
	}
	return req, nil
}

// GetSyncRequest fetches one sync round by id.
func (s *Store) GetSyncRequest(ctx context.Context, id string) (*StateSyncRequest, error) {
	req, err := scanSync(s.pool.QueryRow(ctx,
		`SELECT `+syncColumns+` FROM state_sync_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.GetSyncRequest", "sync request not found")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetSyncRequest", "failed to load sync request", err)
	}
	return req, nil
}

// AckSyncTarget records one target machine's acknowledgment. Machines
// outside the target set are rejected; double-acks are idempotent.
func (s *Store) AckSyncTarget(ctx context.Context, id, machineHash string) (*StateSyncRequest, error) {
	req, err := scanSync(s.pool.QueryRow(ctx, `
		UPDATE state_sync_requests SET
			acked = (CASE WHEN $2 = ANY(acked) THEN acked ELSE array_append(acked, $2) END)
		WHERE id = $1 AND $2 = ANY(targets)
		RETURNING `+syncColumns,
		id, machineHash))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.AckSyncTarget", "failed to record acknowledgment", err)
	}

	// Zero rows: missing request or a machine that was never targeted.
	if _, getErr := s.GetSyncRequest(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, relayerr.E(relayerr.KindValidation, "store.AckSyncTarget", "machine is not a target of this sync")
}

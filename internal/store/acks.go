package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	relayerr "licenserelay/internal/errors"
)

const ackColumns = `id, event_id, license_key, machine_hash, outcome, error_message, duration_ms, created_at`

func scanAck(row pgx.Row) (*EventAcknowledgment, error) {
	var a EventAcknowledgment
	err := row.Scan(&a.ID, &a.EventID, &a.LicenseKey, &a.MachineHash,
		&a.Outcome, &a.ErrorMessage, &a.DurationMs, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordAck records a delivery outcome for one (event, machine) pair.
// Idempotent: if an acknowledgment already exists the stored record is
// returned unchanged and created is false.
func (s *Store) RecordAck(ctx context.Context, ack EventAcknowledgment) (*EventAcknowledgment, bool, error) {
	stored, err := scanAck(s.pool.QueryRow(ctx, `
		INSERT INTO event_acknowledgments (event_id, license_key, machine_hash, outcome, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, machine_hash) DO NOTHING
		RETURNING `+ackColumns,
		ack.EventID, ack.LicenseKey, ack.MachineHash, ack.Outcome, ack.ErrorMessage, ack.DurationMs))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, relayerr.Wrap(relayerr.KindTransient, "store.RecordAck", "failed to record acknowledgment", err)
	}

	// Conflict path: return the pre-existing record.
	existing, err := s.GetAck(ctx, ack.EventID, ack.MachineHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetAck fetches the acknowledgment for one (event, machine) pair.
func (s *Store) GetAck(ctx context.Context, eventID, machineHash string) (*EventAcknowledgment, error) {
	ack, err := scanAck(s.pool.QueryRow(ctx,
		`SELECT `+ackColumns+` FROM event_acknowledgments WHERE event_id = $1 AND machine_hash = $2`,
		eventID, machineHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.GetAck", "acknowledgment not found")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetAck", "failed to load acknowledgment", err)
	}
	return ack, nil
}

// HasSuccessAck reports whether any machine acknowledged the event with a
// success outcome.
func (s *Store) HasSuccessAck(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_acknowledgments WHERE event_id = $1 AND outcome = 'success')`,
		eventID).Scan(&exists)
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindTransient, "store.HasSuccessAck", "failed to check acknowledgments", err)
	}
	return exists, nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	relayerr "licenserelay/internal/errors"
)

const licenseColumns = `license_key, customer_ref, max_terminals, is_active, revoked_at, revocation_reason, created_at, updated_at`

func scanLicense(row pgx.Row) (*License, error) {
	var l License
	err := row.Scan(&l.Key, &l.CustomerRef, &l.MaxTerminals, &l.IsActive,
		&l.RevokedAt, &l.RevocationReason, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLicense provisions a new license key. Used by the subscription
// webhook path when a subscription is first seen.
func (s *Store) CreateLicense(ctx context.Context, key, customerRef string, maxTerminals int) (*License, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO licenses (license_key, customer_ref, max_terminals)
		VALUES ($1, $2, $3)
		ON CONFLICT (license_key) DO UPDATE SET
			customer_ref = EXCLUDED.customer_ref,
			max_terminals = EXCLUDED.max_terminals,
			updated_at = now()
		RETURNING `+licenseColumns,
		key, customerRef, maxTerminals)

	lic, err := scanLicense(row)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.CreateLicense", "failed to create license", err)
	}
	return lic, nil
}

// GetLicense fetches a license with its derived active activation count.
// The count is for display only; enforcement re-counts transactionally.
func (s *Store) GetLicense(ctx context.Context, key string) (*License, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = $1`, key)
	lic, err := scanLicense(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.GetLicense", "license key not found")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetLicense", "failed to load license", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM activations WHERE license_key = $1 AND is_active`, key).
		Scan(&lic.ActivationCount)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetLicense", "failed to count activations", err)
	}

	return lic, nil
}

// ActivateMachine performs the atomic check-and-increment activation.
// The license row is locked for the duration of the transaction so two
// concurrent activations for the same key serialize; different keys do
// not contend. Re-activation by a machine that already holds an active
// slot is idempotent and does not consume capacity.
func (s *Store) ActivateMachine(ctx context.Context, key, machineHash string, info TerminalInfo) (*Activation, error) {
	var act *Activation

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		lic, err := scanLicense(tx.QueryRow(ctx,
			`SELECT `+licenseColumns+` FROM licenses WHERE license_key = $1 FOR UPDATE`, key))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return relayerr.E(relayerr.KindNotFound, "store.ActivateMachine", "license key not found")
			}
			return relayerr.Wrap(relayerr.KindTransient, "store.ActivateMachine", "failed to lock license", err)
		}

		if !lic.IsActive || lic.RevokedAt != nil {
			return relayerr.E(relayerr.KindUnauthorized, "store.ActivateMachine", "license is not active")
		}

		existing, err := scanActivationRow(tx.QueryRow(ctx,
			`SELECT `+activationColumns+` FROM activations WHERE license_key = $1 AND machine_hash = $2`,
			key, machineHash))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return relayerr.Wrap(relayerr.KindTransient, "store.ActivateMachine", "failed to load activation", err)
		}

		if existing != nil && existing.IsActive {
			// Idempotent re-activation: refresh metadata, keep the slot.
			act, err = scanActivationRow(tx.QueryRow(ctx, `
				UPDATE activations SET
					terminal_name = $3, ip_address = $4, location = $5,
					last_heartbeat_at = now()
				WHERE license_key = $1 AND machine_hash = $2
				RETURNING `+activationColumns,
				key, machineHash, info.TerminalName, info.IPAddress, info.Location))
			if err != nil {
				return relayerr.Wrap(relayerr.KindTransient, "store.ActivateMachine", "failed to refresh activation", err)
			}
			return nil
		}

		var activeCount int
		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM activations WHERE license_key = $1 AND is_active`, key).
			Scan(&activeCount)
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.ActivateMachine", "failed to count activations", err)
		}

		if activeCount >= lic.MaxTerminals {
			return relayerr.E(relayerr.KindCapacity, "store.ActivateMachine", "license is at its maximum terminal count")
		}

		act, err = scanActivationRow(tx.QueryRow(ctx, `
			INSERT INTO activations (license_key, machine_hash, terminal_name, ip_address, location)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (license_key, machine_hash) DO UPDATE SET
				is_active = TRUE,
				terminal_name = EXCLUDED.terminal_name,
				ip_address = EXCLUDED.ip_address,
				location = EXCLUDED.location,
				last_heartbeat_at = now()
			RETURNING `+activationColumns,
			key, machineHash, info.TerminalName, info.IPAddress, info.Location))
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.ActivateMachine", "failed to insert activation", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return act, nil
}

// DeactivateMachine releases a machine's slot. Idempotent: deactivating
// an already-inactive or unknown activation is a no-op.
func (s *Store) DeactivateMachine(ctx context.Context, key, machineHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE activations SET is_active = FALSE WHERE license_key = $1 AND machine_hash = $2 AND is_active`,
		key, machineHash)
	if err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "store.DeactivateMachine", "failed to deactivate", err)
	}
	return nil
}

// RevokeLicense marks the license revoked and cascades deactivation to
// every activation under it, all in one transaction.
func (s *Store) RevokeLicense(ctx context.Context, key, reason string) (*License, error) {
	var lic *License

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		lic, err = scanLicense(tx.QueryRow(ctx, `
			UPDATE licenses SET
				is_active = FALSE,
				revoked_at = now(),
				revocation_reason = $2,
				updated_at = now()
			WHERE license_key = $1
			RETURNING `+licenseColumns,
			key, reason))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return relayerr.E(relayerr.KindNotFound, "store.RevokeLicense", "license key not found")
			}
			return relayerr.Wrap(relayerr.KindTransient, "store.RevokeLicense", "failed to revoke license", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE activations SET is_active = FALSE WHERE license_key = $1 AND is_active`, key)
		if err != nil {
			return relayerr.Wrap(relayerr.KindTransient, "store.RevokeLicense", "failed to cascade deactivation", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return lic, nil
}

// ReactivateLicense clears revocation state, used when a cancelled
// subscription is reactivated before its grace period elapses.
func (s *Store) ReactivateLicense(ctx context.Context, key string) (*License, error) {
	lic, err := scanLicense(s.pool.QueryRow(ctx, `
		UPDATE licenses SET
			is_active = TRUE, revoked_at = NULL, revocation_reason = NULL, updated_at = now()
		WHERE license_key = $1
		RETURNING `+licenseColumns, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.ReactivateLicense", "license key not found")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ReactivateLicense", "failed to reactivate license", err)
	}
	return lic, nil
}

const activationColumns = `id, license_key, machine_hash, terminal_name, ip_address, location, is_active, first_seen_at, last_heartbeat_at`

func scanActivationRow(row pgx.Row) (*Activation, error) {
	var a Activation
	err := row.Scan(&a.ID, &a.LicenseKey, &a.MachineHash, &a.TerminalName,
		&a.IPAddress, &a.Location, &a.IsActive, &a.FirstSeenAt, &a.LastHeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActivation fetches one (license, machine) activation.
func (s *Store) GetActivation(ctx context.Context, key, machineHash string) (*Activation, error) {
	act, err := scanActivationRow(s.pool.QueryRow(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_key = $1 AND machine_hash = $2`,
		key, machineHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.GetActivation", "no activation for this machine")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetActivation", "failed to load activation", err)
	}
	return act, nil
}

// TouchActivation refreshes the durable activation heartbeat. Returns a
// not-found error if the machine no longer holds an active slot, which is
// how a terminal that missed the push event discovers it was cut off.
func (s *Store) TouchActivation(ctx context.Context, key, machineHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE activations SET last_heartbeat_at = $3
		WHERE license_key = $1 AND machine_hash = $2 AND is_active`,
		key, machineHash, at)
	if err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "store.TouchActivation", "failed to update heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return relayerr.E(relayerr.KindUnauthorized, "store.TouchActivation", "no active activation for this machine")
	}
	return nil
}

// ListActivations returns a license's activations, optionally only the
// active ones.
func (s *Store) ListActivations(ctx context.Context, key string, activeOnly bool) ([]Activation, error) {
	query := `SELECT ` + activationColumns + ` FROM activations WHERE license_key = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY first_seen_at`

	rows, err := s.pool.Query(ctx, query, key)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListActivations", "failed to list activations", err)
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		var a Activation
		if err := rows.Scan(&a.ID, &a.LicenseKey, &a.MachineHash, &a.TerminalName,
			&a.IPAddress, &a.Location, &a.IsActive, &a.FirstSeenAt, &a.LastHeartbeatAt); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListActivations", "failed to scan activation", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

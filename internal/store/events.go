package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	relayerr "licenserelay/internal/errors"
)

const eventColumns = `id, event_type, license_key, payload, created_at`

func scanEvent(row pgx.Row) (*SubscriptionEvent, error) {
	var ev SubscriptionEvent
	err := row.Scan(&ev.ID, &ev.Type, &ev.LicenseKey, &ev.Payload, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// InsertEvent appends an event to the immutable log.
func (s *Store) InsertEvent(ctx context.Context, id, eventType, licenseKey string, payload json.RawMessage) (*SubscriptionEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx, `
		INSERT INTO subscription_events (id, event_type, license_key, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING `+eventColumns,
		id, eventType, licenseKey, payload))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.InsertEvent", "failed to append event", err)
	}
	return ev, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*SubscriptionEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM subscription_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerr.E(relayerr.KindNotFound, "store.GetEvent", "event not found")
		}
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.GetEvent", "failed to load event", err)
	}
	return ev, nil
}

// ListDueCancellations returns license keys with a period-end
// cancellation whose effective date has passed while the license is
// still active. Distinct keys; a key cancelled twice is revoked once.
func (s *Store) ListDueCancellations(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT e.license_key
		FROM subscription_events e
		JOIN licenses l ON l.license_key = e.license_key
		WHERE e.event_type = 'cancellation'
		  AND l.is_active
		  AND (e.payload ->> 'effective_at') IS NOT NULL
		  AND (e.payload ->> 'effective_at')::timestamptz <= $1`,
		now)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListDueCancellations", "failed to query cancellations", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, relayerr.Wrap(relayerr.KindTransient, "store.ListDueCancellations", "failed to scan key", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// EventsSince returns events strictly after the given time in a stable
// order, fetching one extra row so callers can report hasMore without a
// second count query.
func (s *Store) EventsSince(ctx context.Context, licenseKey string, since time.Time, limit int) ([]SubscriptionEvent, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM subscription_events
		WHERE license_key = $1 AND created_at > $2
		ORDER BY created_at, id
		LIMIT $3`,
		licenseKey, since, limit+1)
	if err != nil {
		return nil, false, relayerr.Wrap(relayerr.KindTransient, "store.EventsSince", "failed to query events", err)
	}
	defer rows.Close()

	var out []SubscriptionEvent
	for rows.Next() {
		var ev SubscriptionEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.LicenseKey, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, false, relayerr.Wrap(relayerr.KindTransient, "store.EventsSince", "failed to scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, relayerr.Wrap(relayerr.KindTransient, "store.EventsSince", "failed to read events", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

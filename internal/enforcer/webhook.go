package enforcer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/transport"
)

// Subscription fact types accepted from the billing system. The webhook
// payload is a tagged union discriminated on event_type; anything else
// is rejected as non-retryable so the sender stops looping.
const (
	FactSubscriptionCreated     = "subscription.created"
	FactSubscriptionUpdated     = "subscription.updated"
	FactSubscriptionCancelled   = "subscription.cancelled"
	FactSubscriptionReactivated = "subscription.reactivated"
)

// Cancellation modes carried on a cancellation fact.
const (
	CancelAtPeriodEnd = "period_end"
	CancelImmediate   = "immediate"
	CancelTrial       = "trial"
)

// SubscriptionFact is one already-validated billing notification.
type SubscriptionFact struct {
	EventType        string     `json:"event_type" validate:"required"`
	LicenseKey       string     `json:"license_key" validate:"required"`
	CustomerRef      string     `json:"customer_ref,omitempty"`
	MaxTerminals     int        `json:"max_terminals,omitempty"`
	CancellationType string     `json:"cancellation_type,omitempty"`
	PeriodEnd        *time.Time `json:"period_end,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// GracePeriod decides when a cancellation takes effect: period-end
// cancellations keep the license alive until the paid period runs out,
// immediate and trial cancellations revoke right away. One rule set for
// every ingestion path.
func GracePeriod(fact SubscriptionFact, now time.Time) (effectiveAt time.Time, immediate bool) {
	switch fact.CancellationType {
	case CancelImmediate, CancelTrial:
		return now, true
	case CancelAtPeriodEnd, "":
		if fact.PeriodEnd != nil && fact.PeriodEnd.After(now) {
			return *fact.PeriodEnd, false
		}
		// Period already over (or never supplied): nothing left to honor.
		return now, true
	default:
		return now, true
	}
}

// HandleFact applies one subscription fact. Errors of transient or
// internal kind are retryable by the sender; everything else means the
// fact itself is bad and retrying cannot help.
func (s *Service) HandleFact(ctx context.Context, fact SubscriptionFact) error {
	if fact.LicenseKey == "" {
		return relayerr.E(relayerr.KindValidation, "enforcer.HandleFact", "license key is required")
	}

	switch fact.EventType {
	case FactSubscriptionCreated, FactSubscriptionUpdated:
		maxTerminals := fact.MaxTerminals
		if maxTerminals < 1 {
			maxTerminals = 1
		}
		_, err := s.Provision(ctx, fact.LicenseKey, fact.CustomerRef, maxTerminals)
		return err

	case FactSubscriptionCancelled:
		return s.handleCancellation(ctx, fact)

	case FactSubscriptionReactivated:
		_, err := s.Reactivate(ctx, fact.LicenseKey)
		return err

	default:
		return relayerr.E(relayerr.KindValidation, "enforcer.HandleFact",
			fmt.Sprintf("unknown subscription fact type %q", fact.EventType))
	}
}

// handleCancellation applies the grace-period policy. An immediate
// cancellation revokes now; a period-end cancellation appends a durable
// cancellation event carrying the effective date so terminals can warn
// the user, and the license stays usable until then.
func (s *Service) handleCancellation(ctx context.Context, fact SubscriptionFact) error {
	effectiveAt, immediate := GracePeriod(fact, s.now())

	if immediate {
		reason := fact.Reason
		if reason == "" {
			reason = "subscription cancelled"
		}
		_, err := s.Revoke(ctx, fact.LicenseKey, reason)
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"cancellation_type": fact.CancellationType,
		"effective_at":      effectiveAt.UTC().Format(time.RFC3339),
		"reason":            fact.Reason,
	})
	ev, err := s.emitEvent(ctx, transport.EventCancellation, fact.LicenseKey, payload)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "cancellation scheduled",
		slog.String("license_key", fact.LicenseKey),
		slog.String("event_id", ev.ID),
		slog.Time("effective_at", effectiveAt))
	return nil
}

// SweepExpiredCancellations revokes licenses whose period-end
// cancellation has come due. Driven by the scheduled-job trigger.
func (s *Service) SweepExpiredCancellations(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueCancellations(ctx, s.now())
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, key := range due {
		if _, err := s.Revoke(ctx, key, "cancellation grace period elapsed"); err != nil {
			s.logger.ErrorContext(ctx, "deferred revocation failed",
				slog.String("license_key", key),
				slog.String("error", err.Error()))
			continue
		}
		revoked++
	}
	return revoked, nil
}

// Package enforcer owns the license lifecycle: activation against the
// terminal capacity limit, validation, heartbeat admission and
// revocation. All capacity decisions happen transactionally in the
// store; this layer adds the event emission and policy around them.
package enforcer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
	"licenserelay/internal/transport"
)

// Repository is the slice of the store this package depends on.
type Repository interface {
	CreateLicense(ctx context.Context, key, customerRef string, maxTerminals int) (*store.License, error)
	GetLicense(ctx context.Context, key string) (*store.License, error)
	ActivateMachine(ctx context.Context, key, machineHash string, info store.TerminalInfo) (*store.Activation, error)
	DeactivateMachine(ctx context.Context, key, machineHash string) error
	RevokeLicense(ctx context.Context, key, reason string) (*store.License, error)
	ReactivateLicense(ctx context.Context, key string) (*store.License, error)
	GetActivation(ctx context.Context, key, machineHash string) (*store.Activation, error)
	TouchActivation(ctx context.Context, key, machineHash string, at time.Time) error
	ListActivations(ctx context.Context, key string, activeOnly bool) ([]store.Activation, error)
	InsertEvent(ctx context.Context, id, eventType, licenseKey string, payload json.RawMessage) (*store.SubscriptionEvent, error)
	ListDueCancellations(ctx context.Context, now time.Time) ([]string, error)
}

// Service implements license enforcement.
type Service struct {
	repo      Repository
	transport transport.Transport
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService creates the enforcer.
func NewService(repo Repository, tr transport.Transport, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		transport: tr,
		logger:    logger.With(slog.String("component", "enforcer")),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Provision creates or updates a license key. Driven by the
// subscription webhook path; idempotent on repeated facts.
func (s *Service) Provision(ctx context.Context, key, customerRef string, maxTerminals int) (*store.License, error) {
	if key == "" {
		return nil, relayerr.E(relayerr.KindValidation, "enforcer.Provision", "license key is required")
	}
	if maxTerminals < 1 {
		return nil, relayerr.E(relayerr.KindValidation, "enforcer.Provision", "max terminals must be at least 1")
	}
	return s.repo.CreateLicense(ctx, key, customerRef, maxTerminals)
}

// ActivateInput identifies the machine claiming a slot.
type ActivateInput struct {
	LicenseKey  string
	MachineHash string
	Info        store.TerminalInfo
}

// Activate claims a terminal slot for a machine. The capacity check and
// claim are a single transaction in the store, so concurrent activations
// against a nearly-full license cannot both succeed. Re-activation by a
// machine already holding a slot is idempotent.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*store.Activation, error) {
	if in.LicenseKey == "" || in.MachineHash == "" {
		return nil, relayerr.E(relayerr.KindValidation, "enforcer.Activate", "license key and machine hash are required")
	}

	act, err := s.repo.ActivateMachine(ctx, in.LicenseKey, in.MachineHash, in.Info)
	if err != nil {
		recordActivation("rejected")
		return nil, err
	}

	recordActivation("accepted")
	s.logger.InfoContext(ctx, "machine activated",
		slog.String("license_key", act.LicenseKey),
		slog.String("machine_hash", act.MachineHash))
	return act, nil
}

// Deactivate releases a machine's slot. Idempotent.
func (s *Service) Deactivate(ctx context.Context, licenseKey, machineHash string) error {
	if licenseKey == "" || machineHash == "" {
		return relayerr.E(relayerr.KindValidation, "enforcer.Deactivate", "license key and machine hash are required")
	}
	if err := s.repo.DeactivateMachine(ctx, licenseKey, machineHash); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "machine deactivated",
		slog.String("license_key", licenseKey),
		slog.String("machine_hash", machineHash))
	return nil
}

// ValidationResult reports a read-only license check.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Reason     string            `json:"reason,omitempty"`
	License    *store.License    `json:"license,omitempty"`
	Activation *store.Activation `json:"activation,omitempty"`
}

// Validate answers whether a license (and optionally a specific machine
// under it) is in good standing. Read-only; never mutates state.
func (s *Service) Validate(ctx context.Context, licenseKey, machineHash string) (*ValidationResult, error) {
	if licenseKey == "" {
		return nil, relayerr.E(relayerr.KindValidation, "enforcer.Validate", "license key is required")
	}

	lic, err := s.repo.GetLicense(ctx, licenseKey)
	if err != nil {
		if relayerr.KindOf(err) == relayerr.KindNotFound {
			recordValidation(false)
			return &ValidationResult{Valid: false, Reason: "license key not found"}, nil
		}
		return nil, err
	}

	if !lic.IsActive || lic.RevokedAt != nil {
		recordValidation(false)
		return &ValidationResult{Valid: false, Reason: "license is revoked", License: lic}, nil
	}

	result := &ValidationResult{Valid: true, License: lic}
	if machineHash != "" {
		act, err := s.repo.GetActivation(ctx, licenseKey, machineHash)
		switch {
		case err == nil && act.IsActive:
			result.Activation = act
		case err == nil || relayerr.KindOf(err) == relayerr.KindNotFound:
			result.Valid = false
			result.Reason = "machine does not hold an active slot"
		default:
			return nil, err
		}
	}

	recordValidation(result.Valid)
	return result, nil
}

// Heartbeat refreshes a machine's durable activation heartbeat. Revoked
// licenses and machines without an active slot are rejected, which is
// how a terminal that missed the revocation push finds out.
func (s *Service) Heartbeat(ctx context.Context, licenseKey, machineHash string) error {
	if licenseKey == "" || machineHash == "" {
		return relayerr.E(relayerr.KindValidation, "enforcer.Heartbeat", "license key and machine hash are required")
	}

	lic, err := s.repo.GetLicense(ctx, licenseKey)
	if err != nil {
		return err
	}
	if !lic.IsActive || lic.RevokedAt != nil {
		return relayerr.E(relayerr.KindUnauthorized, "enforcer.Heartbeat", "license is revoked")
	}

	return s.repo.TouchActivation(ctx, licenseKey, machineHash, s.now())
}

// Revoke shuts a license down: every activation is released in the same
// transaction, a durable revocation event is appended and pushed.
func (s *Service) Revoke(ctx context.Context, licenseKey, reason string) (*store.License, error) {
	if licenseKey == "" {
		return nil, relayerr.E(relayerr.KindValidation, "enforcer.Revoke", "license key is required")
	}
	if reason == "" {
		reason = "revoked by operator"
	}

	lic, err := s.repo.RevokeLicense(ctx, licenseKey, reason)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if _, err := s.emitEvent(ctx, transport.EventRevocation, licenseKey, payload); err != nil {
		return nil, err
	}

	recordRevocation()
	s.logger.WarnContext(ctx, "license revoked",
		slog.String("license_key", licenseKey),
		slog.String("reason", reason))
	return lic, nil
}

// Reactivate clears revocation state and notifies terminals.
func (s *Service) Reactivate(ctx context.Context, licenseKey string) (*store.License, error) {
	if licenseKey == "" {
		return nil, relayerr.E(relayerr.KindValidation, "enforcer.Reactivate", "license key is required")
	}

	lic, err := s.repo.ReactivateLicense(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	if _, err := s.emitEvent(ctx, transport.EventReactivation, licenseKey, nil); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license reactivated", slog.String("license_key", licenseKey))
	return lic, nil
}

// emitEvent appends a durable event and pushes it to subscribers. The
// append is authoritative; a failed push is recovered by the retry
// sweep, so only the append error propagates.
func (s *Service) emitEvent(ctx context.Context, eventType, licenseKey string, payload json.RawMessage) (*store.SubscriptionEvent, error) {
	ev, err := s.repo.InsertEvent(ctx, s.newID(), eventType, licenseKey, payload)
	if err != nil {
		return nil, err
	}

	env := &transport.Envelope{
		ID:         ev.ID,
		Type:       ev.Type,
		LicenseKey: ev.LicenseKey,
		Timestamp:  ev.CreatedAt,
		Data:       ev.Payload,
	}
	if err := s.transport.Publish(ctx, licenseKey, env); err != nil {
		s.logger.WarnContext(ctx, "event push failed, retry sweep will re-deliver",
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()))
	}
	return ev, nil
}

// Package durability closes the delivery loop the transport leaves
// open: it records acknowledgments, re-publishes events that never got
// one, and quarantines events that exhaust their retry budget.
package durability

import (
	"context"
	"log/slog"
	"time"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
	"licenserelay/internal/transport"
)

// Repository is the slice of the store this layer depends on.
type Repository interface {
	GetEvent(ctx context.Context, id string) (*store.SubscriptionEvent, error)
	RecordAck(ctx context.Context, ack store.EventAcknowledgment) (*store.EventAcknowledgment, bool, error)
	ListRetryCandidates(ctx context.Context, window time.Duration, now time.Time, limit int) ([]store.RetryCandidate, error)
	AppendRetryAttempt(ctx context.Context, eventID string, attempt int, outcome string) error
	QuarantineEvent(ctx context.Context, eventID, licenseKey, reason string, retryCount int) (*store.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id int64) (*store.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, status store.DeadLetterStatus, limit int) ([]store.DeadLetterEntry, error)
	ResolveDeadLetter(ctx context.Context, id int64, resolvedBy, notes string) (*store.DeadLetterEntry, error)
	AbandonDeadLetter(ctx context.Context, id int64) (*store.DeadLetterEntry, error)
	RetryDeadLetter(ctx context.Context, id int64) (*store.DeadLetterEntry, error)
	CloseRetryingEntry(ctx context.Context, eventID string) error
	PruneDeadLetters(ctx context.Context, retention time.Duration, now time.Time) (int, error)
}

// Policy holds the retry and dead-letter policy values.
type Policy struct {
	MaxAttempts         int
	BackoffBase         time.Duration
	RetryWindow         time.Duration
	DeadLetterRetention time.Duration
}

// Service implements the durability layer.
type Service struct {
	repo      Repository
	transport transport.Transport
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the durability service.
func NewService(repo Repository, tr transport.Transport, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		transport: tr,
		policy:    policy,
		logger:    logger.With(slog.String("component", "durability")),
		now:       time.Now,
	}
}

// AckInput is one delivery outcome reported by a terminal.
type AckInput struct {
	EventID     string
	LicenseKey  string
	MachineHash string
	Outcome     store.AckOutcome
	Error       string
	DurationMs  int64
}

// Acknowledge records a delivery outcome. Idempotent: a second ack for
// the same (event, machine) pair returns the stored record unchanged, so
// re-delivery from retries never corrupts accounting. A failed outcome
// does not itself retry; it marks the event as a retry candidate.
func (s *Service) Acknowledge(ctx context.Context, in AckInput) (*store.EventAcknowledgment, bool, error) {
	if _, err := s.repo.GetEvent(ctx, in.EventID); err != nil {
		return nil, false, err
	}

	ack := store.EventAcknowledgment{
		EventID:     in.EventID,
		LicenseKey:  in.LicenseKey,
		MachineHash: in.MachineHash,
		Outcome:     in.Outcome,
	}
	if in.Error != "" {
		ack.ErrorMessage = &in.Error
	}
	if in.DurationMs > 0 {
		ack.DurationMs = &in.DurationMs
	}

	stored, created, err := s.repo.RecordAck(ctx, ack)
	if err != nil {
		return nil, false, err
	}

	if created {
		recordAckOutcome(string(stored.Outcome))
	}

	// A success closes any dead-letter entry that was re-entered into
	// the retry cycle for this event.
	if created && stored.Outcome == store.AckSuccess {
		if err := s.repo.CloseRetryingEntry(ctx, stored.EventID); err != nil {
			s.logger.WarnContext(ctx, "failed to close retrying dead-letter entry",
				slog.String("event_id", stored.EventID),
				slog.String("error", err.Error()))
		}
	}

	return stored, created, nil
}

// ListDeadLetters returns quarantined events, optionally by status.
func (s *Service) ListDeadLetters(ctx context.Context, status store.DeadLetterStatus, limit int) ([]store.DeadLetterEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListDeadLetters(ctx, status, limit)
}

// RetryEntry puts a quarantined event back into the retry cycle.
func (s *Service) RetryEntry(ctx context.Context, id int64) (*store.DeadLetterEntry, error) {
	entry, err := s.repo.RetryDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "dead-letter entry re-entered retry cycle",
		slog.Int64("entry_id", entry.ID),
		slog.String("event_id", entry.EventID))
	return entry, nil
}

// ResolveEntry marks a quarantined event as fixed by a human. Terminal.
func (s *Service) ResolveEntry(ctx context.Context, id int64, resolvedBy, notes string) (*store.DeadLetterEntry, error) {
	if resolvedBy == "" {
		return nil, relayerr.E(relayerr.KindValidation, "durability.ResolveEntry", "resolver identity is required")
	}
	if notes == "" {
		return nil, relayerr.E(relayerr.KindValidation, "durability.ResolveEntry", "resolution notes are required")
	}
	return s.repo.ResolveDeadLetter(ctx, id, resolvedBy, notes)
}

// AbandonEntry gives up on a quarantined event. Terminal.
func (s *Service) AbandonEntry(ctx context.Context, id int64) (*store.DeadLetterEntry, error) {
	return s.repo.AbandonDeadLetter(ctx, id)
}

// CleanupDeadLetters prunes terminal entries past the retention window.
// Safe to invoke repeatedly.
func (s *Service) CleanupDeadLetters(ctx context.Context) (int, error) {
	removed, err := s.repo.PruneDeadLetters(ctx, s.policy.DeadLetterRetention, s.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "pruned terminal dead-letter entries", slog.Int("removed", removed))
	}
	return removed, nil
}

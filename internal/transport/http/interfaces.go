package http

import (
	"context"
	"encoding/json"
	"time"

	"licenserelay/internal/analytics"
	"licenserelay/internal/durability"
	"licenserelay/internal/enforcer"
	"licenserelay/internal/store"
	"licenserelay/internal/terminals"
)

// LicenseService is the enforcer surface the license handler needs.
type LicenseService interface {
	Activate(ctx context.Context, in enforcer.ActivateInput) (*store.Activation, error)
	Deactivate(ctx context.Context, licenseKey, machineHash string) error
	Validate(ctx context.Context, licenseKey, machineHash string) (*enforcer.ValidationResult, error)
	Heartbeat(ctx context.Context, licenseKey, machineHash string) error
	Revoke(ctx context.Context, licenseKey, reason string) (*store.License, error)
	HandleFact(ctx context.Context, fact enforcer.SubscriptionFact) error
}

// EventService is the durability surface for acknowledgments.
type EventService interface {
	Acknowledge(ctx context.Context, in durability.AckInput) (*store.EventAcknowledgment, bool, error)
}

// EventLog is the replay query over the durable event log.
type EventLog interface {
	EventsSince(ctx context.Context, licenseKey string, since time.Time, limit int) ([]store.SubscriptionEvent, bool, error)
}

// DeadLetterService is the dead-letter review surface.
type DeadLetterService interface {
	ListDeadLetters(ctx context.Context, status store.DeadLetterStatus, limit int) ([]store.DeadLetterEntry, error)
	RetryEntry(ctx context.Context, id int64) (*store.DeadLetterEntry, error)
	ResolveEntry(ctx context.Context, id int64, resolvedBy, notes string) (*store.DeadLetterEntry, error)
	AbandonEntry(ctx context.Context, id int64) (*store.DeadLetterEntry, error)
}

// TerminalService is the terminals coordination surface.
type TerminalService interface {
	Register(ctx context.Context, licenseKey, machineHash string) (*store.TerminalSession, error)
	Heartbeat(ctx context.Context, licenseKey, machineHash string) (*store.TerminalSession, error)
	Disconnect(ctx context.Context, licenseKey, machineHash string) error
	List(ctx context.Context, licenseKey string, activeOnly bool) ([]store.TerminalSession, error)
	Stats(ctx context.Context, licenseKey string) (*store.SessionStats, error)
	Broadcast(ctx context.Context, licenseKey string, payload json.RawMessage) (string, error)
	DeactivateAll(ctx context.Context, licenseKey string) (int, error)
	RequestSync(ctx context.Context, in terminals.SyncInput) (*store.StateSyncRequest, error)
	AckSync(ctx context.Context, syncID, machineHash string) (*store.StateSyncRequest, bool, error)
	SyncStatus(ctx context.Context, syncID string) (*store.StateSyncRequest, bool, error)
}

// AnalyticsService builds delivery reports.
type AnalyticsService interface {
	DeliveryTrend(ctx context.Context, window time.Duration) (*analytics.TrendReport, error)
}

// JobService is the set of idempotent scheduled jobs exposed as
// triggers.
type JobService interface {
	RunRetrySweep(ctx context.Context) (durability.SweepReport, error)
	SweepStaleSessions(ctx context.Context) (int, error)
	CleanupDeadLetters(ctx context.Context) (int, error)
	SweepExpiredCancellations(ctx context.Context) (int, error)
	MetricsRollup(ctx context.Context) (*analytics.TrendReport, error)
}

// HealthChecker reports component connectivity for the health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Occupancy reports the stream hub's per-license client counts.
type Occupancy interface {
	ClientCount() int
	Occupancy() map[string]int
}

package store

import (
	"encoding/json"
	"time"
)

// SessionStatus is the liveness state of a terminal session.
type SessionStatus string

const (
	SessionConnecting   SessionStatus = "connecting"
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
)

// AckOutcome is the recorded result of one event delivery attempt.
type AckOutcome string

const (
	AckSuccess AckOutcome = "success"
	AckFailed  AckOutcome = "failed"
	AckSkipped AckOutcome = "skipped"
)

// DeadLetterStatus is the lifecycle state of a quarantined event.
// Resolved and abandoned are terminal.
type DeadLetterStatus string

const (
	DeadLetterPendingReview DeadLetterStatus = "pending_review"
	DeadLetterRetrying      DeadLetterStatus = "retrying"
	DeadLetterResolved      DeadLetterStatus = "resolved"
	DeadLetterAbandoned     DeadLetterStatus = "abandoned"
)

// License is the durable license/subscription record. Never hard-deleted;
// revocation is soft state via IsActive/RevokedAt.
type License struct {
	Key              string     `json:"license_key"`
	CustomerRef      string     `json:"customer_ref"`
	MaxTerminals     int        `json:"max_terminals"`
	IsActive         bool       `json:"is_active"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason *string    `json:"revocation_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	// ActivationCount is derived at read time and is for display only;
	// enforcement always re-counts inside the activation transaction.
	ActivationCount int `json:"activation_count"`
}

// Activation is a terminal's durable claim on a license slot. One row per
// (license, machine); deactivated, never deleted.
type Activation struct {
	ID              int64     `json:"id"`
	LicenseKey      string    `json:"license_key"`
	MachineHash     string    `json:"machine_hash"`
	TerminalName    string    `json:"terminal_name"`
	IPAddress       string    `json:"ip_address,omitempty"`
	Location        string    `json:"location,omitempty"`
	IsActive        bool      `json:"is_active"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// TerminalInfo is the metadata supplied with an activation or registration.
type TerminalInfo struct {
	TerminalName string `json:"terminal_name,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	Location     string `json:"location,omitempty"`
}

// TerminalSession is the ephemeral liveness record for a connected machine,
// distinct from its durable Activation.
type TerminalSession struct {
	ID              int64         `json:"id"`
	LicenseKey      string        `json:"license_key"`
	MachineHash     string        `json:"machine_hash"`
	Status          SessionStatus `json:"status"`
	RegisteredAt    time.Time     `json:"registered_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
}

// SubscriptionEvent is one immutable entry in the append-only event log.
type SubscriptionEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	LicenseKey string          `json:"license_key"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventAcknowledgment is the recorded outcome of one (event, machine)
// delivery. Append-only; the uniqueness constraint makes acks idempotent.
type EventAcknowledgment struct {
	ID           int64      `json:"id"`
	EventID      string     `json:"event_id"`
	LicenseKey   string     `json:"license_key"`
	MachineHash  string     `json:"machine_hash"`
	Outcome      AckOutcome `json:"outcome"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DeadLetterEntry holds an event that exhausted its retry budget.
type DeadLetterEntry struct {
	ID              int64            `json:"id"`
	EventID         string           `json:"event_id"`
	LicenseKey      string           `json:"license_key"`
	FailureReason   string           `json:"failure_reason"`
	RetryCount      int              `json:"retry_count"`
	Status          DeadLetterStatus `json:"status"`
	ResolvedBy      *string          `json:"resolved_by,omitempty"`
	ResolutionNotes *string          `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// RetryHistoryRecord is the append-only audit trail of retry attempts.
type RetryHistoryRecord struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// RetryCandidate is an event eligible for another delivery attempt.
type RetryCandidate struct {
	Event         SubscriptionEvent
	Attempts      int
	LastAttemptAt *time.Time
}

// StateSyncRequest tracks a request/acknowledge synchronization round
// across the terminals of one license.
type StateSyncRequest struct {
	ID            string          `json:"sync_id"`
	LicenseKey    string          `json:"license_key"`
	SyncType      string          `json:"sync_type"`
	SourceMachine *string         `json:"source_machine,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Targets       []string        `json:"targets"`
	Acked         []string        `json:"acked"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Complete reports whether every targeted machine has acknowledged.
func (r *StateSyncRequest) Complete() bool {
	if len(r.Targets) == 0 {
		return false
	}
	acked := make(map[string]bool, len(r.Acked))
	for _, m := range r.Acked {
		acked[m] = true
	}
	for _, m := range r.Targets {
		if !acked[m] {
			return false
		}
	}
	return true
}

// SessionStats summarizes terminal session liveness for a license.
type SessionStats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
}

// DeliveryStats aggregates durability outcomes for analytics.
type DeliveryStats struct {
	SuccessCount    int64 `json:"success_count"`
	FailedCount     int64 `json:"failed_count"`
	SkippedCount    int64 `json:"skipped_count"`
	RetryAttempts   int64 `json:"retry_attempts"`
	DeadLetterOpen  int64 `json:"dead_letter_open"`
	DeadLetterTotal int64 `json:"dead_letter_total"`
}

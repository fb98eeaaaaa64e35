// Package transport abstracts the publish/subscribe fabric that fans
// license events out to connected terminals. Two interchangeable
// backends exist: an in-process fan-out map for single-instance
// deployments and a Redis-backed broker for multi-instance fan-out.
// Publishing here is best-effort; durability is layered on top by the
// durability package.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Event type names carried on the fabric and in push frames.
const (
	EventCancellation = "cancellation"
	EventReactivation = "reactivation"
	EventRevocation   = "revocation"
	EventHeartbeatAck = "heartbeat_ack"
	EventStateSync    = "state_sync"
	EventBroadcast    = "broadcast"
)

// Envelope is the wire form of one published event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	LicenseKey string          `json:"licenseKey"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Handler receives envelopes published for a subscribed license key.
// Handlers must not block; slow consumers are disconnected by the
// backend rather than allowed to stall other subscribers.
type Handler func(*Envelope)

// Transport is the pub/sub contract. Events for a single license key are
// delivered to each subscriber in publish order; no ordering is promised
// across subscribers.
type Transport interface {
	// Publish sends an envelope to every current subscriber of the
	// license key. Fire-and-forget at this layer.
	Publish(ctx context.Context, licenseKey string, env *Envelope) error

	// Subscribe registers a handler for a license key and returns an
	// unsubscribe function. Unsubscribe is idempotent and must be
	// called on every connection teardown path.
	Subscribe(licenseKey string, handler Handler) (unsubscribe func(), err error)

	// SubscriberCounts reports current subscribers per license key.
	// Observability only; never a durability source.
	SubscriberCounts() map[string]int

	// Close tears down the backend and all subscriptions.
	Close() error
}

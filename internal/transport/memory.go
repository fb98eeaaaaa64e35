package transport

import (
	"context"
	"log/slog"
	"sync"

	relayerr "licenserelay/internal/errors"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind is dropped rather than allowed to block the
// publisher.
const subscriberBuffer = 64

// Memory is the in-process fan-out backend for single-instance
// deployments. It is not durable across process restarts; that is a
// documented degradation, not a bug, and the durability layer's retry
// sweep covers the gap.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*memorySubscriber
	nextID int64
	closed bool
	logger *slog.Logger
}

type memorySubscriber struct {
	ch       chan *Envelope
	done     chan struct{}
	stopOnce sync.Once
}

func (s *memorySubscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// NewMemory creates the in-process transport backend.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		subs:   make(map[string]map[int64]*memorySubscriber),
		logger: logger.With(slog.String("component", "transport.memory")),
	}
}

// Publish fans the envelope out to every subscriber of the license key.
// Per-subscriber goroutines preserve publish order within one license's
// stream.
func (m *Memory) Publish(ctx context.Context, licenseKey string, env *Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return relayerr.E(relayerr.KindTransient, "transport.Publish", "transport is closed")
	}

	for id, sub := range m.subs[licenseKey] {
		select {
		case sub.ch <- env:
		default:
			// Buffer full: the consumer stalled. Drop it; the retry
			// sweep re-delivers anything it misses.
			m.logger.Warn("dropping stalled subscriber",
				slog.String("license_key", licenseKey),
				slog.Int64("subscriber_id", id))
			sub.stop()
		}
	}
	return nil
}

// Subscribe registers a handler and starts its delivery goroutine.
func (m *Memory) Subscribe(licenseKey string, handler Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, relayerr.E(relayerr.KindTransient, "transport.Subscribe", "transport is closed")
	}

	if m.subs[licenseKey] == nil {
		m.subs[licenseKey] = make(map[int64]*memorySubscriber)
	}

	m.nextID++
	id := m.nextID
	sub := &memorySubscriber{
		ch:   make(chan *Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}
	m.subs[licenseKey][id] = sub

	go func() {
		for {
			select {
			case env := <-sub.ch:
				handler(env)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.subs[licenseKey]; ok {
				if s, ok := subs[id]; ok {
					delete(subs, id)
					if len(subs) == 0 {
						delete(m.subs, licenseKey)
					}
					s.stop()
				}
			}
		})
	}

	return unsubscribe, nil
}

// SubscriberCounts snapshots current subscriber counts per license key.
func (m *Memory) SubscriberCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.subs))
	for key, subs := range m.subs {
		out[key] = len(subs)
	}
	return out
}

// Close tears down every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for key, subs := range m.subs {
		for id, sub := range subs {
			sub.stop()
			delete(subs, id)
		}
		delete(m.subs, key)
	}
	return nil
}

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	relayerr "licenserelay/internal/errors"
)

// channelPrefix namespaces relay traffic on a shared Redis.
const channelPrefix = "lr:events:"

// Redis is the distributed broker backend. Every relay instance
// subscribed to a license key receives each published envelope, so
// terminals can connect to any instance.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int64]*redisSubscription
	nextID int64
	closed bool
}

type redisSubscription struct {
	licenseKey string
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
}

// NewRedis creates the Redis-backed transport.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With(slog.String("component", "transport.redis")),
		subs:   make(map[int64]*redisSubscription),
	}
}

// Publish sends the envelope to the license key's channel.
func (r *Redis) Publish(ctx context.Context, licenseKey string, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return relayerr.Wrap(relayerr.KindInternal, "transport.Publish", "failed to encode envelope", err)
	}

	if err := r.client.Publish(ctx, channelPrefix+licenseKey, payload).Err(); err != nil {
		return relayerr.Wrap(relayerr.KindTransient, "transport.Publish", "broker publish failed", err)
	}
	return nil
}

// Subscribe opens a dedicated Redis subscription for the license key and
// pumps envelopes to the handler until unsubscribed.
func (r *Redis) Subscribe(licenseKey string, handler Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, relayerr.E(relayerr.KindTransient, "transport.Subscribe", "transport is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+licenseKey)

	r.nextID++
	id := r.nextID
	r.subs[id] = &redisSubscription{licenseKey: licenseKey, pubsub: pubsub, cancel: cancel}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("discarding undecodable envelope",
						slog.String("license_key", licenseKey),
						slog.String("error", err.Error()))
					continue
				}
				handler(&env)
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()

			cancel()
			if err := pubsub.Close(); err != nil {
				r.logger.Warn("failed to close subscription",
					slog.String("license_key", licenseKey),
					slog.String("error", err.Error()))
			}
		})
	}

	return unsubscribe, nil
}

// SubscriberCounts snapshots this instance's local subscribers. Other
// instances' subscribers are not visible here.
func (r *Redis) SubscriberCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int)
	for _, sub := range r.subs {
		out[sub.licenseKey]++
	}
	return out
}

// Close tears down every subscription.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for id, sub := range r.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(r.subs, id)
	}
	return nil
}

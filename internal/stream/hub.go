// Package stream is the push surface: it upgrades terminal connections
// to WebSocket, subscribes them to their license's event feed and keeps
// them alive with a ping/heartbeat cycle. Delivery here is best-effort;
// a terminal that misses frames recovers through missed-event replay.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"licenserelay/internal/config"
	"licenserelay/internal/store"
)

// SessionTracker reflects stream liveness into the terminals layer.
type SessionTracker interface {
	Heartbeat(ctx context.Context, licenseKey, machineHash string) (*store.TerminalSession, error)
	Disconnect(ctx context.Context, licenseKey, machineHash string) error
}

// Hub maintains the set of active stream clients.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Register requests from new connections
	register chan *Client

	// Unregister requests from dying connections
	unregister chan *Client

	mu sync.RWMutex

	sessions SessionTracker
	logger   *slog.Logger

	// Stream policy, handed to each client
	pingInterval time.Duration
	idleTimeout  time.Duration
	sendBuffer   int

	quit    chan struct{}
	running bool
}

// NewHub creates a hub with the given stream policy.
func NewHub(cfg config.StreamConfig, sessions SessionTracker, logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		sessions:     sessions,
		logger:       logger.With(slog.String("component", "stream.hub")),
		pingInterval: cfg.PingInterval,
		idleTimeout:  cfg.IdleTimeout,
		sendBuffer:   cfg.SendBuffer,
		quit:         make(chan struct{}),
	}
}

// Start launches the hub loop. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop shuts the hub loop down and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	close(h.quit)
	for _, client := range clients {
		client.teardown()
	}
	h.logger.Info("stream hub stopped", slog.Int("closed_clients", len(clients)))
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			setActiveStreams(count)
			h.logger.Info("stream client attached",
				slog.String("client_id", client.id),
				slog.String("license_key", client.licenseKey),
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("total_clients", count))

		case client := <-h.unregister:
			h.mu.Lock()
			_, known := h.clients[client]
			if known {
				delete(h.clients, client)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if !known {
				continue
			}
			// The client owns its send channel; teardown stops the
			// write pump through the done signal.
			client.teardown()
			setActiveStreams(count)

			if client.machineHash != "" {
				if err := h.sessions.Disconnect(context.Background(), client.licenseKey, client.machineHash); err != nil {
					h.logger.Debug("session disconnect not recorded",
						slog.String("license_key", client.licenseKey),
						slog.String("machine_hash", client.machineHash),
						slog.String("error", err.Error()))
				}
			}

			h.logger.Info("stream client detached",
				slog.String("client_id", client.id),
				slog.String("license_key", client.licenseKey),
				slog.Duration("connection_duration", time.Since(client.connectedAt)),
				slog.Int("total_clients", count))
		}
	}
}

// touch records an application-level heartbeat from a stream client.
func (h *Hub) touch(ctx context.Context, client *Client) {
	if client.machineHash == "" {
		return
	}
	if _, err := h.sessions.Heartbeat(ctx, client.licenseKey, client.machineHash); err != nil {
		h.logger.Debug("stream heartbeat not recorded",
			slog.String("license_key", client.licenseKey),
			slog.String("machine_hash", client.machineHash),
			slog.String("error", err.Error()))
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Occupancy reports attached clients per license key.
func (h *Hub) Occupancy() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.clients))
	for client := range h.clients {
		out[client.licenseKey]++
	}
	return out
}

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"licenserelay/internal/transport"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// heartbeatFrame is the liveness frame pushed to the terminal on
// connect and on every ping interval.
type heartbeatFrame struct {
	Type       string `json:"type"`
	ServerTime string `json:"server_time"`
}

func marshalHeartbeatAck(at time.Time) []byte {
	data, _ := json.Marshal(heartbeatFrame{
		Type:       transport.EventHeartbeatAck,
		ServerTime: at.UTC().Format(time.RFC3339),
	})
	return data
}

// Client is a middleman between one terminal's websocket connection and
// the event transport.
type Client struct {
	hub *Hub

	// The websocket connection
	conn Connection

	// Buffered channel of outbound frames. Never closed: transport
	// delivery goroutines may still be enqueueing when the client dies,
	// so teardown signals done instead.
	send chan []byte

	// Closed by teardown, after the transport unsubscribe completed.
	done chan struct{}

	// Client metadata
	id          string
	licenseKey  string
	machineHash string
	remoteAddr  string
	connectedAt time.Time

	// Stream policy
	pingInterval time.Duration
	idleTimeout  time.Duration

	// Teardown. unsubscribe detaches from the transport; closeOnce makes
	// teardown safe from every exit path.
	unsubscribe func()
	closeOnce   sync.Once

	logger *slog.Logger

	framesSent   int64
	framesQueued int64
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn Connection, licenseKey, machineHash string, logger *slog.Logger) *Client {
	id := uuid.NewString()
	logger = logger.With(
		slog.String("component", "stream.client"),
		slog.String("client_id", id),
		slog.String("license_key", licenseKey),
	)

	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, hub.sendBuffer),
		done:         make(chan struct{}),
		id:           id,
		licenseKey:   licenseKey,
		machineHash:  machineHash,
		remoteAddr:   conn.RemoteAddr(),
		connectedAt:  time.Now(),
		pingInterval: hub.pingInterval,
		idleTimeout:  hub.idleTimeout,
		logger:       logger,
	}
}

// enqueue offers a frame to the client without blocking. A full buffer
// means the terminal stopped draining; the connection is torn down and
// the terminal recovers the gap through missed-event replay.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
		c.framesQueued++
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, dropping client",
			slog.String("machine_hash", c.machineHash))
		recordDroppedClient()
		c.teardown()
	}
}

// enqueueEnvelope marshals a transport envelope into the send queue.
func (c *Client) enqueueEnvelope(env *transport.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope",
			slog.String("event_id", env.ID),
			slog.String("error", err.Error()))
		return
	}
	c.enqueue(frame)
}

// teardown detaches the client from the transport and closes the
// connection. Safe to call from any exit path, any number of times.
// done is closed only after the unsubscribe returned, so a delivery
// goroutine that already passed the done check can still enqueue into
// the live (unclosed) send channel without panicking.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes frames from the terminal until the connection dies
// or goes idle past the timeout. Incoming heartbeat frames refresh the
// idle deadline; the stream itself carries no other client commands.
func (c *Client) readPump() {
	defer func() {
		c.logger.Info("stream client disconnected",
			slog.Duration("connection_duration", time.Since(c.connectedAt)),
			slog.Int64("frames_sent", c.framesSent))
		c.hub.unregister <- c
		c.teardown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("unexpected close error", slog.String("error", err.Error()))
			}
			break
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))

		// Any frame from the terminal counts as activity.
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		if string(message) == `{"type":"heartbeat"}` {
			c.hub.touch(context.Background(), c)
		}
	}
}

// writePump drains the send queue to the connection and drives the ping
// cycle. Each ping carries a heartbeat_ack frame so the terminal sees
// application-level liveness, not just protocol pongs.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error("error writing frame", slog.String("error", err.Error()))
				return
			}
			c.framesSent++
			recordFrameSent()

			// Drain any queued frames as separate WebSocket frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case queued := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						c.logger.Error("error writing queued frame", slog.String("error", err.Error()))
						return
					}
					c.framesSent++
					recordFrameSent()
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", slog.String("error", err.Error()))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, marshalHeartbeatAck(time.Now())); err != nil {
				c.logger.Debug("failed to send heartbeat ack", slog.String("error", err.Error()))
				return
			}
			c.framesSent++
		}
	}
}

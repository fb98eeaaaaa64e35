package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licenserelay/internal/config"
	"licenserelay/internal/enforcer"
	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
	"licenserelay/internal/transport"
)

type mockConn struct {
	mu        sync.Mutex
	written   [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 8),
		closed:  make(chan struct{}),
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return websocket.ErrCloseSent
	default:
	}
	if messageType == websocket.TextMessage {
		m.mu.Lock()
		m.written = append(m.written, append([]byte(nil), data...))
		m.mu.Unlock()
	}
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.inbound:
		return websocket.TextMessage, msg, nil
	case <-m.closed:
		return 0, nil, websocket.ErrCloseSent
	}
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadLimit(int64)                {}
func (m *mockConn) SetPongHandler(func(string) error) {}
func (m *mockConn) RemoteAddr() string                { return "10.0.0.1:54321" }

func (m *mockConn) frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

type fakeSessions struct {
	mu          sync.Mutex
	heartbeats  []string
	disconnects []string
}

func (f *fakeSessions) Heartbeat(_ context.Context, licenseKey, machineHash string) (*store.TerminalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, licenseKey+"|"+machineHash)
	return &store.TerminalSession{LicenseKey: licenseKey, MachineHash: machineHash, Status: store.SessionConnected}, nil
}

func (f *fakeSessions) Disconnect(_ context.Context, licenseKey, machineHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, licenseKey+"|"+machineHash)
	return nil
}

type fakeValidator struct {
	valid  bool
	reason string
	err    error
}

func (f *fakeValidator) Validate(context.Context, string, string) (*enforcer.ValidationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &enforcer.ValidationResult{Valid: f.valid, Reason: f.reason}, nil
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		PingInterval:   30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		SendBuffer:     8,
		ReplayPageSize: 100,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWritePumpDeliversQueuedFrames(t *testing.T) {
	hub := NewHub(testStreamConfig(), &fakeSessions{}, slog.Default())
	conn := newMockConn()
	client := NewClient(hub, conn, "LK-1", "m-a", slog.Default())

	go client.writePump()
	defer client.teardown()

	client.enqueueEnvelope(&transport.Envelope{ID: "ev-1", Type: transport.EventCancellation, LicenseKey: "LK-1"})

	waitFor(t, func() bool { return len(conn.frames()) >= 1 })

	var env transport.Envelope
	require.NoError(t, json.Unmarshal(conn.frames()[0], &env))
	assert.Equal(t, "ev-1", env.ID)
	assert.Equal(t, transport.EventCancellation, env.Type)
}

func TestEnqueueDropsClientWhenBufferFull(t *testing.T) {
	cfg := testStreamConfig()
	cfg.SendBuffer = 1
	hub := NewHub(cfg, &fakeSessions{}, slog.Default())
	conn := newMockConn()
	client := NewClient(hub, conn, "LK-1", "m-a", slog.Default())

	unsubscribed := false
	client.unsubscribe = func() { unsubscribed = true }

	// No write pump draining: the second frame overflows the buffer.
	client.enqueue([]byte(`{"n":1}`))
	client.enqueue([]byte(`{"n":2}`))

	assert.True(t, unsubscribed, "a stalled client must be detached from the transport")
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection was not closed")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	hub := NewHub(testStreamConfig(), &fakeSessions{}, slog.Default())
	conn := newMockConn()
	client := NewClient(hub, conn, "LK-1", "", slog.Default())

	calls := 0
	client.unsubscribe = func() { calls++ }

	client.teardown()
	client.teardown()
	assert.Equal(t, 1, calls)
}

func TestEnqueueSurvivesDisconnectDuringBurst(t *testing.T) {
	hub := NewHub(testStreamConfig(), &fakeSessions{}, slog.Default())
	hub.Start()
	defer hub.Stop()

	tr := transport.NewMemory(slog.Default())
	defer tr.Close()

	// Transport delivery goroutines keep calling enqueue while the
	// terminal drops; the send channel must never be closed under them.
	for i := 0; i < 100; i++ {
		conn := newMockConn()
		client := NewClient(hub, conn, "LK-1", "m-a", slog.Default())

		unsubscribe, err := tr.Subscribe("LK-1", client.enqueueEnvelope)
		require.NoError(t, err)
		client.unsubscribe = unsubscribe

		hub.register <- client
		go client.writePump()
		go client.readPump()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tr.Publish(context.Background(), "LK-1", &transport.Envelope{
					ID:         "ev-burst",
					Type:       transport.EventBroadcast,
					LicenseKey: "LK-1",
					Timestamp:  time.Now(),
				})
			}
		}()
		go func() {
			defer wg.Done()
			conn.Close()
		}()
		wg.Wait()

		waitFor(t, func() bool { return hub.ClientCount() == 0 })
	}
}

func TestEnqueueAfterTeardownIsDiscarded(t *testing.T) {
	hub := NewHub(testStreamConfig(), &fakeSessions{}, slog.Default())
	conn := newMockConn()
	client := NewClient(hub, conn, "LK-1", "m-a", slog.Default())
	client.unsubscribe = func() {}

	client.teardown()
	client.enqueue([]byte(`{"n":1}`))

	assert.Empty(t, client.send)
	assert.Equal(t, int64(0), client.framesQueued)
}

func TestReadPumpHeartbeatTouchesSession(t *testing.T) {
	sessions := &fakeSessions{}
	hub := NewHub(testStreamConfig(), sessions, slog.Default())
	hub.Start()
	defer hub.Stop()

	conn := newMockConn()
	client := NewClient(hub, conn, "LK-1", "m-a", slog.Default())
	client.unsubscribe = func() {}

	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	go client.readPump()

	conn.inbound <- []byte(`{"type":"heartbeat"}`)
	waitFor(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.heartbeats) == 1
	})

	// Closing the connection ends the pump and records the disconnect.
	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
	waitFor(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.disconnects) == 1
	})
}

func TestHubOccupancyGroupsByLicense(t *testing.T) {
	hub := NewHub(testStreamConfig(), &fakeSessions{}, slog.Default())
	hub.Start()
	defer hub.Stop()

	for _, key := range []string{"LK-1", "LK-1", "LK-2"} {
		client := NewClient(hub, newMockConn(), key, "", slog.Default())
		client.unsubscribe = func() {}
		hub.register <- client
	}

	waitFor(t, func() bool { return hub.ClientCount() == 3 })
	occ := hub.Occupancy()
	assert.Equal(t, 2, occ["LK-1"])
	assert.Equal(t, 1, occ["LK-2"])
}

func newStreamServer(t *testing.T, validator Validator) (*httptest.Server, *Hub, transport.Transport) {
	t.Helper()

	hub := NewHub(testStreamConfig(), &fakeSessions{}, slog.Default())
	hub.Start()
	t.Cleanup(hub.Stop)

	tr := transport.NewMemory(slog.Default())
	t.Cleanup(func() { tr.Close() })

	handler := NewHandler(hub, tr, validator, []string{"*"}, slog.Default())

	r := chi.NewRouter()
	r.Get("/api/stream/{licenseKey}", handler.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub, tr
}

func TestHandlerStreamsPublishedEvents(t *testing.T) {
	srv, hub, tr := newStreamServer(t, &fakeValidator{valid: true})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream/LK-1?machine=m-a"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	// First frame is the connection heartbeat ack.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello heartbeatFrame
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, transport.EventHeartbeatAck, hello.Type)

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	err = tr.Publish(context.Background(), "LK-1", &transport.Envelope{
		ID:         "ev-1",
		Type:       transport.EventRevocation,
		LicenseKey: "LK-1",
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)

	var env transport.Envelope
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "ev-1", env.ID)
	assert.Equal(t, transport.EventRevocation, env.Type)
}

func TestHandlerRejectsInvalidLicenseBeforeUpgrade(t *testing.T) {
	srv, _, _ := newStreamServer(t, &fakeValidator{valid: false, reason: "license is revoked"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream/LK-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerMapsValidatorErrors(t *testing.T) {
	srv, _, _ := newStreamServer(t, &fakeValidator{
		err: relayerr.E(relayerr.KindTransient, "store.GetLicense", "store unavailable"),
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream/LK-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

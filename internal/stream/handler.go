package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"licenserelay/internal/enforcer"
	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/transport"
)

// Validator answers whether a license and machine are in good standing.
type Validator interface {
	Validate(ctx context.Context, licenseKey, machineHash string) (*enforcer.ValidationResult, error)
}

// Handler upgrades terminal connections and attaches them to the event
// feed of their license.
type Handler struct {
	hub       *Hub
	transport transport.Transport
	validator Validator
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewHandler creates the stream upgrade handler. Allowed origins are
// matched exactly; an empty list admits only same-origin requests.
func NewHandler(hub *Hub, tr transport.Transport, validator Validator, allowedOrigins []string, logger *slog.Logger) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &Handler{
		hub:       hub,
		transport: tr,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return origins[origin] || origins["*"]
			},
		},
		logger: logger.With(slog.String("component", "stream.handler")),
	}
}

// ServeHTTP handles GET /api/stream/{licenseKey}. The license is
// validated before the upgrade so a rejected terminal gets a proper
// HTTP error instead of an opaque handshake failure.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/stream").Start(r.Context(), "stream.attach")
	defer span.End()

	licenseKey := chi.URLParam(r, "licenseKey")
	machineHash := r.URL.Query().Get("machine")
	span.SetAttributes(attribute.String("license_key", licenseKey))

	if licenseKey == "" {
		render.Render(w, r, relayerr.ErrValidation("licenseKey", "license key is required"))
		return
	}

	result, err := h.validator.Validate(ctx, licenseKey, machineHash)
	if err != nil {
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}
	if !result.Valid {
		render.Render(w, r, relayerr.New(http.StatusUnauthorized, "LICENSE_INVALID", result.Reason))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("websocket upgrade failed",
			slog.String("license_key", licenseKey),
			slog.String("error", err.Error()))
		return
	}

	client := NewClient(h.hub, NewConnectionWrapper(conn), licenseKey, machineHash, h.logger)

	unsubscribe, err := h.transport.Subscribe(licenseKey, client.enqueueEnvelope)
	if err != nil {
		h.logger.Error("transport subscribe failed",
			slog.String("license_key", licenseKey),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}
	client.unsubscribe = unsubscribe

	h.hub.register <- client
	h.hub.touch(ctx, client)

	// The terminal learns the stream is live before any event arrives.
	client.enqueue(marshalHeartbeatAck(time.Now()))

	go client.writePump()
	go client.readPump()
}

package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"licenserelay/internal/enforcer"
	relayerr "licenserelay/internal/errors"
)

// WebhookHandler consumes already-validated subscription facts from the
// billing system. Signature verification happens upstream.
type WebhookHandler struct {
	service LicenseService
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service LicenseService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "webhook")),
	}
}

// subscriptionFactRequest wraps the enforcer fact for binding.
type subscriptionFactRequest struct {
	enforcer.SubscriptionFact
}

// Bind implements the render.Binder interface.
func (s *subscriptionFactRequest) Bind(*http.Request) error {
	return validate.Struct(&s.SubscriptionFact)
}

// Subscription handles POST /api/webhooks/subscription. The response
// code steers the sender's retry loop: 503 with Retry-After when the
// failure can self-correct, 200 when retrying cannot help, so a
// poisoned fact never loops forever.
func (h *WebhookHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "webhook.subscription")
	defer span.End()

	var req subscriptionFactRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	span.SetAttributes(
		attribute.String("event_type", req.EventType),
		attribute.String("license_key", req.LicenseKey),
	)

	err := h.service.HandleFact(ctx, req.SubscriptionFact)
	if err == nil {
		render.JSON(w, r, map[string]bool{"success": true})
		return
	}
	span.RecordError(err)

	if relayerr.IsRetryable(err) {
		h.logger.WarnContext(ctx, "subscription fact deferred",
			slog.String("event_type", req.EventType),
			slog.String("license_key", req.LicenseKey),
			slog.String("error", err.Error()))
		w.Header().Set("Retry-After", "30")
		render.Render(w, r, relayerr.NewErrorResponse(relayerr.ErrServiceUnavailable))
		return
	}

	// Non-retryable: acknowledge so the sender stops, but flag the
	// rejection in the body and the log.
	h.logger.ErrorContext(ctx, "subscription fact rejected",
		slog.String("event_type", req.EventType),
		slog.String("license_key", req.LicenseKey),
		slog.String("error", err.Error()))
	render.JSON(w, r, map[string]any{"success": false, "rejected": true, "reason": err.Error()})
}

package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	relayerr "licenserelay/internal/errors"
)

// AnalyticsHandler serves delivery trend reports.
type AnalyticsHandler struct {
	service AnalyticsService
	logger  *slog.Logger
}

// NewAnalyticsHandler creates a new analytics handler.
func NewAnalyticsHandler(service AnalyticsService, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "analytics")),
	}
}

// Routes returns a chi router for analytics endpoints.
func (h *AnalyticsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/delivery", h.Delivery)
	return r
}

// Delivery handles GET /api/analytics/delivery?window=. The window is a
// Go duration string and defaults to 24h.
func (h *AnalyticsHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "analytics.delivery")
	defer span.End()

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			render.Render(w, r, relayerr.ErrValidation("window", "window must be a duration such as 1h or 30m"))
			return
		}
		window = parsed
	}
	span.SetAttributes(attribute.String("window", window.String()))

	report, err := h.service.DeliveryTrend(ctx, window)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, report)
}

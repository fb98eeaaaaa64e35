package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
)

// Subscribers reports current push-transport subscriber counts.
type Subscribers interface {
	SubscriberCounts() map[string]int
}

// HealthHandler reports component connectivity and stream occupancy.
type HealthHandler struct {
	db        HealthChecker
	transport Subscribers
	hub       Occupancy
	version   string
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db HealthChecker, transport Subscribers, hub Occupancy, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		transport: transport,
		hub:       hub,
		version:   version,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// Routes returns a chi router for health endpoints.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Health)
	r.Get("/live", h.Liveness)
	return r
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
	Components map[string]any `json:"components"`
}

// Health handles GET /api/health. The database is the only hard
// dependency; transport and hub figures are informational.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "health.check")
	defer span.End()

	status := "healthy"
	components := map[string]any{}

	if err := h.db.Ping(ctx); err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "database ping failed", slog.String("error", err.Error()))
		status = "degraded"
		components["database"] = map[string]string{"status": "down", "error": err.Error()}
	} else {
		components["database"] = map[string]string{"status": "up"}
	}

	subscribers := 0
	for _, n := range h.transport.SubscriberCounts() {
		subscribers += n
	}
	components["transport"] = map[string]int{"subscribers": subscribers}
	components["stream"] = map[string]int{"clients": h.hub.ClientCount()}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	render.Status(r, code)
	render.JSON(w, r, HealthResponse{
		Status:     status,
		Version:    h.version,
		Timestamp:  time.Now().UTC(),
		Components: components,
	})
}

// Liveness handles GET /api/health/live. It answers as long as the
// process can serve requests at all.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

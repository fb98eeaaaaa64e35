package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	relayerr "licenserelay/internal/errors"
)

// JobsHandler exposes the scheduled maintenance jobs as explicit
// triggers so an external scheduler or an operator can drive them.
// Every job is idempotent, so overlapping triggers are harmless.
type JobsHandler struct {
	jobs   JobService
	logger *slog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(jobs JobService, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:   jobs,
		logger: logger.With(slog.String("handler", "jobs")),
	}
}

// Routes returns a chi router for job triggers.
func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/retry-sweep", h.RetrySweep)
	r.Post("/stale-sweep", h.StaleSweep)
	r.Post("/deadletter-cleanup", h.DeadLetterCleanup)
	r.Post("/expired-cancellations", h.ExpiredCancellations)
	r.Post("/metrics-rollup", h.MetricsRollup)
	return r
}

// RetrySweep handles POST /api/jobs/retry-sweep.
func (h *JobsHandler) RetrySweep(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "jobs.retry_sweep")
	defer span.End()

	report, err := h.jobs.RunRetrySweep(ctx)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}
	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.republished", report.Republished),
		attribute.Int("sweep.quarantined", report.Quarantined),
	)

	render.JSON(w, r, map[string]any{"success": true, "report": report})
}

// StaleSweep handles POST /api/jobs/stale-sweep.
func (h *JobsHandler) StaleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "jobs.stale_sweep")
	defer span.End()

	swept, err := h.jobs.SweepStaleSessions(ctx)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "swept": swept})
}

// DeadLetterCleanup handles POST /api/jobs/deadletter-cleanup.
func (h *JobsHandler) DeadLetterCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "jobs.deadletter_cleanup")
	defer span.End()

	pruned, err := h.jobs.CleanupDeadLetters(ctx)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "pruned": pruned})
}

// ExpiredCancellations handles POST /api/jobs/expired-cancellations.
func (h *JobsHandler) ExpiredCancellations(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "jobs.expired_cancellations")
	defer span.End()

	revoked, err := h.jobs.SweepExpiredCancellations(ctx)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "revoked": revoked})
}

// MetricsRollup handles POST /api/jobs/metrics-rollup.
func (h *JobsHandler) MetricsRollup(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "jobs.metrics_rollup")
	defer span.End()

	report, err := h.jobs.MetricsRollup(ctx)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "report": report})
}

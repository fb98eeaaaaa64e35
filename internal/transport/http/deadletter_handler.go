package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
)

// DeadLetterHandler serves the dead-letter review surface.
type DeadLetterHandler struct {
	service DeadLetterService
	logger  *slog.Logger
}

// NewDeadLetterHandler creates a new dead-letter handler.
func NewDeadLetterHandler(service DeadLetterService, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "deadletter")),
	}
}

// Routes returns a chi router for dead-letter endpoints.
func (h *DeadLetterHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/{entryID}/retry", h.Retry)
	r.Post("/{entryID}/resolve", h.Resolve)
	r.Post("/{entryID}/abandon", h.Abandon)
	return r
}

func entryID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
}

var validStatuses = map[store.DeadLetterStatus]bool{
	store.DeadLetterPendingReview: true,
	store.DeadLetterRetrying:      true,
	store.DeadLetterResolved:      true,
	store.DeadLetterAbandoned:     true,
}

// List handles GET /api/deadletters?status=&limit=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "deadletters.list")
	defer span.End()

	status := store.DeadLetterStatus(r.URL.Query().Get("status"))
	if status != "" && !validStatuses[status] {
		render.Render(w, r, relayerr.ErrValidation("status", "unknown dead-letter status"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.service.ListDeadLetters(ctx, status, limit)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}
	if entries == nil {
		entries = []store.DeadLetterEntry{}
	}

	span.SetAttributes(attribute.Int("entries.count", len(entries)))
	render.JSON(w, r, map[string]any{"entries": entries})
}

// Retry handles POST /api/deadletters/{entryID}/retry.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "deadletters.retry")
	defer span.End()

	id, err := entryID(r)
	if err != nil {
		render.Render(w, r, relayerr.ErrValidation("entryID", "entry id must be an integer"))
		return
	}

	entry, err := h.service.RetryEntry(ctx, id)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "entry": entry})
}

// ResolveRequest closes a dead-letter entry with an audit trail.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required"`
	Notes      string `json:"notes" validate:"required"`
}

// Bind implements the render.Binder interface.
func (rr *ResolveRequest) Bind(*http.Request) error {
	return validate.Struct(rr)
}

// Resolve handles POST /api/deadletters/{entryID}/resolve.
func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "deadletters.resolve")
	defer span.End()

	id, err := entryID(r)
	if err != nil {
		render.Render(w, r, relayerr.ErrValidation("entryID", "entry id must be an integer"))
		return
	}

	var req ResolveRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	entry, err := h.service.ResolveEntry(ctx, id, req.ResolvedBy, req.Notes)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "entry": entry})
}

// Abandon handles POST /api/deadletters/{entryID}/abandon.
func (h *DeadLetterHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "deadletters.abandon")
	defer span.End()

	id, err := entryID(r)
	if err != nil {
		render.Render(w, r, relayerr.ErrValidation("entryID", "entry id must be an integer"))
		return
	}

	entry, err := h.service.AbandonEntry(ctx, id)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "entry": entry})
}

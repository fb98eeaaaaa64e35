package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"licenserelay/internal/durability"
	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
)

// EventsHandler serves acknowledgment ingestion and missed-event
// replay over the durable event log.
type EventsHandler struct {
	acks     EventService
	log      EventLog
	pageSize int
	logger   *slog.Logger
}

// NewEventsHandler creates a new events handler. pageSize caps one
// replay response.
func NewEventsHandler(acks EventService, log EventLog, pageSize int, logger *slog.Logger) *EventsHandler {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &EventsHandler{
		acks:     acks,
		log:      log,
		pageSize: pageSize,
		logger:   logger.With(slog.String("handler", "events")),
	}
}

// Routes returns a chi router for event endpoints.
func (h *EventsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ack", h.Acknowledge)
	r.Get("/missed", h.Missed)
	return r
}

// AckRequest reports one delivery outcome.
type AckRequest struct {
	EventID     string `json:"event_id" validate:"required"`
	LicenseKey  string `json:"license_key" validate:"required"`
	MachineHash string `json:"machine_hash" validate:"required"`
	Outcome     string `json:"outcome" validate:"required,oneof=success failed skipped"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// Bind implements the render.Binder interface.
func (a *AckRequest) Bind(*http.Request) error {
	return validate.Struct(a)
}

// AckResponse reports the stored acknowledgment. Duplicate is set when
// an earlier report for the same (event, machine) already existed.
type AckResponse struct {
	Success   bool                       `json:"success"`
	Duplicate bool                       `json:"duplicate"`
	Ack       *store.EventAcknowledgment `json:"ack"`
}

// Acknowledge handles POST /api/events/ack.
func (h *EventsHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "events.ack")
	defer span.End()

	var req AckRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("outcome", req.Outcome),
	)

	ack, created, err := h.acks.Acknowledge(ctx, durability.AckInput{
		EventID:     req.EventID,
		LicenseKey:  req.LicenseKey,
		MachineHash: req.MachineHash,
		Outcome:     store.AckOutcome(req.Outcome),
		Error:       req.Error,
		DurationMs:  req.DurationMs,
	})
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, AckResponse{Success: true, Duplicate: !created, Ack: ack})
}

// MissedResponse is one page of missed-event replay.
type MissedResponse struct {
	Events  []store.SubscriptionEvent `json:"events"`
	HasMore bool                      `json:"has_more"`
}

// Missed handles GET /api/events/missed?license=&since=. Events are
// returned strictly after since, oldest first, one page at a time.
func (h *EventsHandler) Missed(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "events.missed")
	defer span.End()

	licenseKey := r.URL.Query().Get("license")
	if licenseKey == "" {
		render.Render(w, r, relayerr.ErrValidation("license", "license query parameter is required"))
		return
	}
	span.SetAttributes(attribute.String("license_key", licenseKey))

	sinceRaw := r.URL.Query().Get("since")
	if sinceRaw == "" {
		render.Render(w, r, relayerr.ErrValidation("since", "since query parameter is required"))
		return
	}
	since, err := time.Parse(time.RFC3339, sinceRaw)
	if err != nil {
		render.Render(w, r, relayerr.ErrValidation("since", "since must be an RFC 3339 timestamp"))
		return
	}

	events, hasMore, err := h.log.EventsSince(ctx, licenseKey, since, h.pageSize)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}
	if events == nil {
		events = []store.SubscriptionEvent{}
	}

	span.SetAttributes(
		attribute.Int("events.count", len(events)),
		attribute.Bool("events.has_more", hasMore),
	)
	render.JSON(w, r, MissedResponse{Events: events, HasMore: hasMore})
}

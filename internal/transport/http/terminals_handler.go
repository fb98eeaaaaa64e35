package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
	"licenserelay/internal/terminals"
)

// TerminalsHandler serves terminal session and coordination endpoints.
type TerminalsHandler struct {
	service  TerminalService
	enforcer LicenseService
	logger   *slog.Logger
}

// NewTerminalsHandler creates a new terminals handler.
func NewTerminalsHandler(service TerminalService, enforcer LicenseService, logger *slog.Logger) *TerminalsHandler {
	return &TerminalsHandler{
		service:  service,
		enforcer: enforcer,
		logger:   logger.With(slog.String("handler", "terminals")),
	}
}

// Routes returns a chi router for terminal endpoints.
func (h *TerminalsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Action)
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Post("/broadcast", h.Broadcast)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/deactivate-all", h.DeactivateAll)
	return r
}

// TerminalActionRequest carries a register, heartbeat or disconnect
// action for one terminal.
type TerminalActionRequest struct {
	Action      string `json:"action" validate:"required,oneof=register heartbeat disconnect"`
	LicenseKey  string `json:"license_key" validate:"required"`
	MachineHash string `json:"machine_hash" validate:"required"`
}

// Bind implements the render.Binder interface.
func (t *TerminalActionRequest) Bind(*http.Request) error {
	return validate.Struct(t)
}

// Action handles POST /api/terminals with an action discriminator.
func (h *TerminalsHandler) Action(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "terminals.action")
	defer span.End()

	var req TerminalActionRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	span.SetAttributes(
		attribute.String("action", req.Action),
		attribute.String("license_key", req.LicenseKey),
	)

	var (
		session *store.TerminalSession
		err     error
	)
	switch req.Action {
	case "register":
		session, err = h.service.Register(ctx, req.LicenseKey, req.MachineHash)
	case "heartbeat":
		session, err = h.service.Heartbeat(ctx, req.LicenseKey, req.MachineHash)
	case "disconnect":
		err = h.service.Disconnect(ctx, req.LicenseKey, req.MachineHash)
	}
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	resp := map[string]any{"success": true}
	if session != nil {
		resp["session"] = session
	}
	render.JSON(w, r, resp)
}

// List handles GET /api/terminals?license=&scope=active|all.
func (h *TerminalsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "terminals.list")
	defer span.End()

	licenseKey := r.URL.Query().Get("license")
	if licenseKey == "" {
		render.Render(w, r, relayerr.ErrValidation("license", "license query parameter is required"))
		return
	}

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "active"
	}
	if scope != "active" && scope != "all" {
		render.Render(w, r, relayerr.ErrValidation("scope", "scope must be active or all"))
		return
	}

	sessions, err := h.service.List(ctx, licenseKey, scope == "active")
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}
	if sessions == nil {
		sessions = []store.TerminalSession{}
	}

	render.JSON(w, r, map[string]any{"terminals": sessions})
}

// Stats handles GET /api/terminals/stats?license=.
func (h *TerminalsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "terminals.stats")
	defer span.End()

	licenseKey := r.URL.Query().Get("license")
	if licenseKey == "" {
		render.Render(w, r, relayerr.ErrValidation("license", "license query parameter is required"))
		return
	}

	stats, err := h.service.Stats(ctx, licenseKey)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, stats)
}

// BroadcastRequest pushes a message to every terminal of a license.
type BroadcastRequest struct {
	LicenseKey string          `json:"license_key" validate:"required"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// Bind implements the render.Binder interface.
func (b *BroadcastRequest) Bind(*http.Request) error {
	return validate.Struct(b)
}

// Broadcast handles POST /api/terminals/broadcast.
func (h *TerminalsHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "terminals.broadcast")
	defer span.End()

	var req BroadcastRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	id, err := h.service.Broadcast(ctx, req.LicenseKey, req.Payload)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "broadcast_id": id})
}

// Deactivate handles POST /api/terminals/deactivate: release one
// machine's durable slot.
func (h *TerminalsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "terminals.deactivate")
	defer span.End()

	var req MachineRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	if err := h.enforcer.Deactivate(ctx, req.LicenseKey, req.MachineHash); err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]bool{"success": true})
}

// DeactivateAllRequest shuts down every terminal of a license.
type DeactivateAllRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
}

// Bind implements the render.Binder interface.
func (d *DeactivateAllRequest) Bind(*http.Request) error {
	return validate.Struct(d)
}

// DeactivateAll handles POST /api/terminals/deactivate-all.
func (h *TerminalsHandler) DeactivateAll(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "terminals.deactivate_all")
	defer span.End()

	var req DeactivateAllRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	released, err := h.service.DeactivateAll(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "released_slots": released})
}

// SyncHandler serves the state-synchronization protocol.
type SyncHandler struct {
	service TerminalService
	logger  *slog.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(service TerminalService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "sync")),
	}
}

// Routes returns a chi router for sync endpoints.
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Request)
	r.Get("/{syncID}", h.Status)
	r.Post("/{syncID}/ack", h.Ack)
	return r
}

// SyncRequest starts a synchronization round.
type SyncRequest struct {
	LicenseKey    string          `json:"license_key" validate:"required"`
	SyncType      string          `json:"sync_type" validate:"required"`
	SourceMachine string          `json:"source_machine,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Targets       []string        `json:"targets,omitempty"`
}

// Bind implements the render.Binder interface.
func (s *SyncRequest) Bind(*http.Request) error {
	return validate.Struct(s)
}

// SyncStatusResponse reports one round's progress.
type SyncStatusResponse struct {
	Sync     *store.StateSyncRequest `json:"sync"`
	Complete bool                    `json:"complete"`
}

// Request handles POST /api/sync.
func (h *SyncHandler) Request(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "sync.request")
	defer span.End()

	var req SyncRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	span.SetAttributes(attribute.String("sync_type", req.SyncType))

	sync, err := h.service.RequestSync(ctx, terminals.SyncInput{
		LicenseKey:    req.LicenseKey,
		SyncType:      req.SyncType,
		SourceMachine: req.SourceMachine,
		Payload:       req.Payload,
		Targets:       req.Targets,
	})
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SyncStatusResponse{Sync: sync, Complete: false})
}

// SyncAckRequest records one target's acknowledgment.
type SyncAckRequest struct {
	MachineHash string `json:"machine_hash" validate:"required"`
}

// Bind implements the render.Binder interface.
func (s *SyncAckRequest) Bind(*http.Request) error {
	return validate.Struct(s)
}

// Ack handles POST /api/sync/{syncID}/ack.
func (h *SyncHandler) Ack(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "sync.ack")
	defer span.End()

	var req SyncAckRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	sync, complete, err := h.service.AckSync(ctx, chi.URLParam(r, "syncID"), req.MachineHash)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, SyncStatusResponse{Sync: sync, Complete: complete})
}

// Status handles GET /api/sync/{syncID}.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "sync.status")
	defer span.End()

	sync, complete, err := h.service.SyncStatus(ctx, chi.URLParam(r, "syncID"))
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, SyncStatusResponse{Sync: sync, Complete: complete})
}

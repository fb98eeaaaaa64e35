package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"licenserelay/internal/enforcer"
	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/middleware"
	"licenserelay/internal/ratelimit"
	"licenserelay/internal/store"
)

var validate = validator.New()

// LicenseLimits holds the per-operation throttles. Activation is keyed
// by client IP before the body is read; validation and heartbeat are
// keyed by license (and machine) after binding, since the key lives in
// the request body. A nil limiter disables that throttle.
type LicenseLimits struct {
	Activation *ratelimit.Limiter
	Validation *ratelimit.Limiter
	Heartbeat  *ratelimit.Limiter
}

// LicenseHandler handles license lifecycle HTTP requests.
type LicenseHandler struct {
	service LicenseService
	limits  LicenseLimits
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service LicenseService, limits LicenseLimits, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		limits:  limits,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.limits.Activation != nil {
		r.With(middleware.KeyedLimit(h.limits.Activation, middleware.IPKey("activate"), h.logger)).
			Post("/activate", h.Activate)
	} else {
		r.Post("/activate", h.Activate)
	}
	r.Post("/deactivate", h.Deactivate)
	r.Post("/validate", h.Validate)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/revoke", h.Revoke)
	return r
}

// allow runs a bound-body keyed limit check. It reports whether the
// request may proceed; on rejection the 429 response is already
// written. Store failures admit the request.
func (h *LicenseHandler) allow(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter, key string) bool {
	if limiter == nil {
		return true
	}
	result, err := limiter.Allow(r.Context(), key)
	if err != nil {
		h.logger.WarnContext(r.Context(), "rate limit check failed, admitting request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return true
	}
	if !result.Allowed {
		middleware.WriteRateLimited(w, r, result.RetryAfter)
		return false
	}
	return true
}

// ActivateRequest is the activation request payload.
type ActivateRequest struct {
	LicenseKey   string `json:"license_key" validate:"required"`
	MachineHash  string `json:"machine_hash" validate:"required"`
	TerminalName string `json:"terminal_name,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	Location     string `json:"location,omitempty"`
}

// Bind implements the render.Binder interface.
func (a *ActivateRequest) Bind(*http.Request) error {
	return validate.Struct(a)
}

// MachineRequest identifies a (license, machine) pair.
type MachineRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	MachineHash string `json:"machine_hash" validate:"required"`
}

// Bind implements the render.Binder interface.
func (m *MachineRequest) Bind(*http.Request) error {
	return validate.Struct(m)
}

// ValidateRequest is the validation request payload. The machine is
// optional; without it only license standing is checked.
type ValidateRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	MachineHash string `json:"machine_hash,omitempty"`
}

// Bind implements the render.Binder interface.
func (v *ValidateRequest) Bind(*http.Request) error {
	return validate.Struct(v)
}

// RevokeRequest is the operator revocation payload.
type RevokeRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

// Bind implements the render.Binder interface.
func (v *RevokeRequest) Bind(*http.Request) error {
	return validate.Struct(v)
}

// ActivationResponse is the successful activation payload.
type ActivationResponse struct {
	Success    bool              `json:"success"`
	Activation *store.Activation `json:"activation"`
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "license.activate")
	defer span.End()

	var req ActivateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	span.SetAttributes(attribute.String("license_key", req.LicenseKey))

	act, err := h.service.Activate(ctx, enforcer.ActivateInput{
		LicenseKey:  req.LicenseKey,
		MachineHash: req.MachineHash,
		Info: store.TerminalInfo{
			TerminalName: req.TerminalName,
			IPAddress:    req.IPAddress,
			Location:     req.Location,
		},
	})
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "activation rejected",
			slog.String("license_key", req.LicenseKey),
			slog.String("error", err.Error()))
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ActivationResponse{Success: true, Activation: act})
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "license.deactivate")
	defer span.End()

	var req MachineRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	if err := h.service.Deactivate(ctx, req.LicenseKey, req.MachineHash); err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]bool{"success": true})
}

// Validate handles POST /api/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "license.validate")
	defer span.End()

	var req ValidateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	if !h.allow(w, r, h.limits.Validation, "validate:"+req.LicenseKey) {
		return
	}

	result, err := h.service.Validate(ctx, req.LicenseKey, req.MachineHash)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	span.SetAttributes(attribute.Bool("license.valid", result.Valid))
	render.JSON(w, r, result)
}

// HeartbeatResponse confirms a heartbeat was recorded.
type HeartbeatResponse struct {
	Success    bool      `json:"success"`
	ServerTime time.Time `json:"server_time"`
}

// Heartbeat handles POST /api/license/heartbeat. A rejected heartbeat
// tells the terminal its slot is gone.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "license.heartbeat")
	defer span.End()

	var req MachineRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}
	if !h.allow(w, r, h.limits.Heartbeat, "heartbeat:"+req.LicenseKey+":"+req.MachineHash) {
		return
	}

	if err := h.service.Heartbeat(ctx, req.LicenseKey, req.MachineHash); err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, HeartbeatResponse{Success: true, ServerTime: time.Now().UTC()})
}

// Revoke handles POST /api/license/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("licenserelay/http").Start(r.Context(), "license.revoke")
	defer span.End()

	var req RevokeRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, relayerr.InvalidRequestWithError(err))
		return
	}

	lic, err := h.service.Revoke(ctx, req.LicenseKey, req.Reason)
	if err != nil {
		span.RecordError(err)
		render.Render(w, r, relayerr.FromDomain(err))
		return
	}

	render.JSON(w, r, map[string]any{"success": true, "license": lic})
}

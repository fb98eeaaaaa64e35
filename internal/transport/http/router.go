package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"licenserelay/internal/middleware"
)

// RouterDeps bundles everything the router needs. Handlers depend on
// the narrow service interfaces, not the concrete services.
type RouterDeps struct {
	Licenses    LicenseService
	Events      EventService
	EventLog    EventLog
	DeadLetters DeadLetterService
	Terminals   TerminalService
	Analytics   AnalyticsService
	Jobs        JobService
	Health      HealthChecker
	Subscribers Subscribers
	Hub         Occupancy
	Stream      http.Handler

	Limits         LicenseLimits
	GlobalRPS      float64
	GlobalBurst    int
	ReplayPageSize int
	AllowedOrigins []string
	Version        string

	Logger *slog.Logger
}

// NewRouter assembles the full HTTP surface. The stream endpoint and
// /metrics sit outside the JSON middleware group: the stream upgrade
// must not pass through response wrappers, and metrics scrapes should
// not count against the global limit.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/api/stream/{licenseKey}", deps.Stream.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.StructuredLogger(deps.Logger))
		r.Use(middleware.Recoverer(deps.Logger))
		r.Use(middleware.SecurityHeaders)
		r.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		}))
		if deps.GlobalRPS > 0 {
			r.Use(middleware.NewGlobalRateLimiter(deps.GlobalRPS, deps.GlobalBurst, deps.Logger).Handler)
		}
		r.Use(middleware.Compress(5))

		health := NewHealthHandler(deps.Health, deps.Subscribers, deps.Hub, deps.Version, deps.Logger)
		r.Get("/healthz", health.Health)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))

			r.Mount("/health", health.Routes())
			r.Mount("/license", NewLicenseHandler(deps.Licenses, deps.Limits, deps.Logger).Routes())
			r.Mount("/events", NewEventsHandler(deps.Events, deps.EventLog, deps.ReplayPageSize, deps.Logger).Routes())
			r.Mount("/deadletters", NewDeadLetterHandler(deps.DeadLetters, deps.Logger).Routes())
			r.Mount("/terminals", NewTerminalsHandler(deps.Terminals, deps.Licenses, deps.Logger).Routes())
			r.Mount("/sync", NewSyncHandler(deps.Terminals, deps.Logger).Routes())
			r.Mount("/analytics", NewAnalyticsHandler(deps.Analytics, deps.Logger).Routes())
			r.Mount("/jobs", NewJobsHandler(deps.Jobs, deps.Logger).Routes())
			r.Post("/webhooks/subscription", NewWebhookHandler(deps.Licenses, deps.Logger).Subscription)
		})
	})

	return r
}

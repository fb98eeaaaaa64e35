package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licenserelay/internal/analytics"
	"licenserelay/internal/durability"
	"licenserelay/internal/enforcer"
	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/ratelimit"
	"licenserelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postJSON(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type fakeLicenseService struct {
	LicenseService

	activateErr  error
	heartbeatErr error
	factErr      error
	validated    []string
	facts        []enforcer.SubscriptionFact
}

func (f *fakeLicenseService) Activate(_ context.Context, in enforcer.ActivateInput) (*store.Activation, error) {
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	return &store.Activation{
		LicenseKey:  in.LicenseKey,
		MachineHash: in.MachineHash,
		IsActive:    true,
	}, nil
}

func (f *fakeLicenseService) Validate(_ context.Context, licenseKey, _ string) (*enforcer.ValidationResult, error) {
	f.validated = append(f.validated, licenseKey)
	return &enforcer.ValidationResult{Valid: true}, nil
}

func (f *fakeLicenseService) Heartbeat(context.Context, string, string) error {
	return f.heartbeatErr
}

func (f *fakeLicenseService) HandleFact(_ context.Context, fact enforcer.SubscriptionFact) error {
	f.facts = append(f.facts, fact)
	return f.factErr
}

func TestLicenseActivate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := &fakeLicenseService{}
		h := NewLicenseHandler(svc, LicenseLimits{}, testLogger())

		rec := postJSON(t, h.Routes(), "/activate", map[string]string{
			"license_key":  "LK-1",
			"machine_hash": "m-1",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
	})

	t.Run("missing machine hash is rejected", func(t *testing.T) {
		h := NewLicenseHandler(&fakeLicenseService{}, LicenseLimits{}, testLogger())

		rec := postJSON(t, h.Routes(), "/activate", map[string]string{"license_key": "LK-1"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("capacity maps to 422", func(t *testing.T) {
		svc := &fakeLicenseService{
			activateErr: relayerr.E(relayerr.KindCapacity, "enforcer.Activate", "license is at its terminal limit"),
		}
		h := NewLicenseHandler(svc, LicenseLimits{}, testLogger())

		rec := postJSON(t, h.Routes(), "/activate", map[string]string{
			"license_key":  "LK-1",
			"machine_hash": "m-3",
		})

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "TERMINAL_LIMIT_REACHED", body["error_code"])
	})
}

func TestLicenseHeartbeatRejectsLostSlot(t *testing.T) {
	svc := &fakeLicenseService{
		heartbeatErr: relayerr.E(relayerr.KindUnauthorized, "enforcer.Heartbeat", "machine does not hold an active slot"),
	}
	h := NewLicenseHandler(svc, LicenseLimits{}, testLogger())

	rec := postJSON(t, h.Routes(), "/heartbeat", map[string]string{
		"license_key":  "LK-1",
		"machine_hash": "m-gone",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLicenseValidateThrottledPerLicense(t *testing.T) {
	svc := &fakeLicenseService{}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 2, time.Minute)
	h := NewLicenseHandler(svc, LicenseLimits{Validation: limiter}, testLogger())
	router := h.Routes()

	body := map[string]string{"license_key": "LK-hot"}
	for i := 0; i < 2; i++ {
		rec := postJSON(t, router, "/validate", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := postJSON(t, router, "/validate", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different license is not affected by LK-hot's burst.
	rec = postJSON(t, router, "/validate", map[string]string{"license_key": "LK-cold"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, svc.validated, 3)
}

type fakeEventService struct {
	created bool
	err     error
}

func (f *fakeEventService) Acknowledge(_ context.Context, in durability.AckInput) (*store.EventAcknowledgment, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return &store.EventAcknowledgment{
		EventID:     in.EventID,
		MachineHash: in.MachineHash,
		Outcome:     in.Outcome,
	}, f.created, nil
}

type fakeEventLog struct {
	events  []store.SubscriptionEvent
	hasMore bool
}

func (f *fakeEventLog) EventsSince(context.Context, string, time.Time, int) ([]store.SubscriptionEvent, bool, error) {
	return f.events, f.hasMore, nil
}

func TestEventsAcknowledge(t *testing.T) {
	t.Run("first report", func(t *testing.T) {
		h := NewEventsHandler(&fakeEventService{created: true}, &fakeEventLog{}, 100, testLogger())

		rec := postJSON(t, h.Routes(), "/ack", map[string]string{
			"event_id":     "evt-1",
			"license_key":  "LK-1",
			"machine_hash": "m-1",
			"outcome":      "success",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["duplicate"])
	})

	t.Run("repeat report is flagged", func(t *testing.T) {
		h := NewEventsHandler(&fakeEventService{created: false}, &fakeEventLog{}, 100, testLogger())

		rec := postJSON(t, h.Routes(), "/ack", map[string]string{
			"event_id":     "evt-1",
			"license_key":  "LK-1",
			"machine_hash": "m-1",
			"outcome":      "success",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["duplicate"])
	})

	t.Run("unknown outcome is rejected", func(t *testing.T) {
		h := NewEventsHandler(&fakeEventService{}, &fakeEventLog{}, 100, testLogger())

		rec := postJSON(t, h.Routes(), "/ack", map[string]string{
			"event_id":     "evt-1",
			"license_key":  "LK-1",
			"machine_hash": "m-1",
			"outcome":      "maybe",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestEventsMissed(t *testing.T) {
	t.Run("requires since", func(t *testing.T) {
		h := NewEventsHandler(&fakeEventService{}, &fakeEventLog{}, 100, testLogger())

		req := httptest.NewRequest(http.MethodGet, "/missed?license=LK-1", nil)
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns page with has_more", func(t *testing.T) {
		log := &fakeEventLog{
			events:  []store.SubscriptionEvent{{ID: "evt-1", LicenseKey: "LK-1"}},
			hasMore: true,
		}
		h := NewEventsHandler(&fakeEventService{}, log, 100, testLogger())

		req := httptest.NewRequest(http.MethodGet, "/missed?license=LK-1&since=2026-01-01T00:00:00Z", nil)
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["has_more"])
	})
}

func TestWebhookSubscription(t *testing.T) {
	fact := map[string]any{
		"event_type":  "subscription_created",
		"license_key": "LK-1",
	}

	t.Run("accepted", func(t *testing.T) {
		svc := &fakeLicenseService{}
		h := NewWebhookHandler(svc, testLogger())
		r := chi.NewRouter()
		r.Post("/subscription", h.Subscription)

		rec := postJSON(t, r, "/subscription", fact)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, svc.facts, 1)
		assert.Equal(t, "subscription_created", svc.facts[0].EventType)
	})

	t.Run("transient failure asks the sender to retry", func(t *testing.T) {
		svc := &fakeLicenseService{
			factErr: relayerr.E(relayerr.KindTransient, "store.CreateLicense", "database unavailable"),
		}
		h := NewWebhookHandler(svc, testLogger())
		r := chi.NewRouter()
		r.Post("/subscription", h.Subscription)

		rec := postJSON(t, r, "/subscription", fact)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("malformed fact is acknowledged so the sender stops", func(t *testing.T) {
		svc := &fakeLicenseService{
			factErr: relayerr.E(relayerr.KindValidation, "enforcer.HandleFact", "unknown subscription event type"),
		}
		h := NewWebhookHandler(svc, testLogger())
		r := chi.NewRouter()
		r.Post("/subscription", h.Subscription)

		rec := postJSON(t, r, "/subscription", fact)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, true, body["rejected"])
	})
}

type fakeJobService struct {
	report durability.SweepReport
	err    error
}

func (f *fakeJobService) RunRetrySweep(context.Context) (durability.SweepReport, error) {
	return f.report, f.err
}

func (f *fakeJobService) SweepStaleSessions(context.Context) (int, error) { return 3, f.err }

func (f *fakeJobService) CleanupDeadLetters(context.Context) (int, error) { return 2, f.err }

func (f *fakeJobService) SweepExpiredCancellations(context.Context) (int, error) { return 1, f.err }

func (f *fakeJobService) MetricsRollup(context.Context) (*analytics.TrendReport, error) {
	return &analytics.TrendReport{}, f.err
}

func TestJobTriggers(t *testing.T) {
	jobs := &fakeJobService{report: durability.SweepReport{Scanned: 4, Republished: 3, Quarantined: 1}}
	h := NewJobsHandler(jobs, testLogger())
	router := h.Routes()

	t.Run("retry sweep reports counts", func(t *testing.T) {
		rec := postJSON(t, router, "/retry-sweep", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		report := body["report"].(map[string]any)
		assert.Equal(t, float64(3), report["republished"])
	})

	t.Run("expired cancellations", func(t *testing.T) {
		rec := postJSON(t, router, "/expired-cancellations", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(1), body["revoked"])
	})
}

type fakeDeadLetterService struct {
	DeadLetterService
}

func TestDeadLetterEntryIDValidation(t *testing.T) {
	h := NewDeadLetterHandler(&fakeDeadLetterService{}, testLogger())

	rec := postJSON(t, h.Routes(), "/not-a-number/retry", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeHealthChecker struct{ err error }

func (f *fakeHealthChecker) Ping(context.Context) error { return f.err }

type fakeSubscribers struct{ counts map[string]int }

func (f *fakeSubscribers) SubscriberCounts() map[string]int { return f.counts }

type fakeOccupancy struct{ clients int }

func (f *fakeOccupancy) ClientCount() int          { return f.clients }
func (f *fakeOccupancy) Occupancy() map[string]int { return nil }

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(&fakeHealthChecker{}, &fakeSubscribers{counts: map[string]int{"LK-1": 2}}, &fakeOccupancy{clients: 2}, "1.0.0", testLogger())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("degraded when the database is down", func(t *testing.T) {
		h := NewHealthHandler(&fakeHealthChecker{err: assert.AnError}, &fakeSubscribers{}, &fakeOccupancy{}, "1.0.0", testLogger())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "degraded", body["status"])
	})
}

package durability

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
	"licenserelay/internal/transport"
)

type fakeRepo struct {
	events        map[string]*store.SubscriptionEvent
	acks          map[string]*store.EventAcknowledgment // keyed event|machine
	candidates    []store.RetryCandidate
	attempts      []store.RetryHistoryRecord
	quarantined   []string
	closedRetry   []string
	entries       map[int64]*store.DeadLetterEntry
	pruned        int
	quarantineErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:  make(map[string]*store.SubscriptionEvent),
		acks:    make(map[string]*store.EventAcknowledgment),
		entries: make(map[int64]*store.DeadLetterEntry),
	}
}

func (f *fakeRepo) GetEvent(_ context.Context, id string) (*store.SubscriptionEvent, error) {
	ev, ok := f.events[id]
	if !ok {
		return nil, relayerr.E(relayerr.KindNotFound, "store.GetEvent", "event not found")
	}
	return ev, nil
}

func (f *fakeRepo) RecordAck(_ context.Context, ack store.EventAcknowledgment) (*store.EventAcknowledgment, bool, error) {
	key := ack.EventID + "|" + ack.MachineHash
	if existing, ok := f.acks[key]; ok {
		return existing, false, nil
	}
	stored := ack
	stored.ID = int64(len(f.acks) + 1)
	stored.CreatedAt = time.Now()
	f.acks[key] = &stored
	return &stored, true, nil
}

func (f *fakeRepo) ListRetryCandidates(_ context.Context, _ time.Duration, _ time.Time, _ int) ([]store.RetryCandidate, error) {
	return f.candidates, nil
}

func (f *fakeRepo) AppendRetryAttempt(_ context.Context, eventID string, attempt int, outcome string) error {
	f.attempts = append(f.attempts, store.RetryHistoryRecord{EventID: eventID, Attempt: attempt, Outcome: outcome})
	return nil
}

func (f *fakeRepo) QuarantineEvent(_ context.Context, eventID, licenseKey, reason string, retryCount int) (*store.DeadLetterEntry, error) {
	if f.quarantineErr != nil {
		return nil, f.quarantineErr
	}
	f.quarantined = append(f.quarantined, eventID)
	entry := &store.DeadLetterEntry{
		ID:            int64(len(f.entries) + 1),
		EventID:       eventID,
		LicenseKey:    licenseKey,
		FailureReason: reason,
		RetryCount:    retryCount,
		Status:        store.DeadLetterPendingReview,
	}
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakeRepo) GetDeadLetter(_ context.Context, id int64) (*store.DeadLetterEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, relayerr.E(relayerr.KindNotFound, "store.GetDeadLetter", "entry not found")
	}
	return entry, nil
}

func (f *fakeRepo) ListDeadLetters(_ context.Context, status store.DeadLetterStatus, _ int) ([]store.DeadLetterEntry, error) {
	var out []store.DeadLetterEntry
	for _, e := range f.entries {
		if status == "" || e.Status == status {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeRepo) ResolveDeadLetter(_ context.Context, id int64, resolvedBy, notes string) (*store.DeadLetterEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, relayerr.E(relayerr.KindNotFound, "store.ResolveDeadLetter", "entry not found")
	}
	if entry.Status == store.DeadLetterResolved || entry.Status == store.DeadLetterAbandoned {
		return nil, relayerr.E(relayerr.KindConflict, "store.ResolveDeadLetter", "entry is terminal")
	}
	entry.Status = store.DeadLetterResolved
	entry.ResolvedBy = &resolvedBy
	entry.ResolutionNotes = &notes
	return entry, nil
}

func (f *fakeRepo) AbandonDeadLetter(_ context.Context, id int64) (*store.DeadLetterEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, relayerr.E(relayerr.KindNotFound, "store.AbandonDeadLetter", "entry not found")
	}
	entry.Status = store.DeadLetterAbandoned
	return entry, nil
}

func (f *fakeRepo) RetryDeadLetter(_ context.Context, id int64) (*store.DeadLetterEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, relayerr.E(relayerr.KindNotFound, "store.RetryDeadLetter", "entry not found")
	}
	if entry.Status != store.DeadLetterPendingReview {
		return nil, relayerr.E(relayerr.KindConflict, "store.RetryDeadLetter", "entry is not pending review")
	}
	entry.Status = store.DeadLetterRetrying
	return entry, nil
}

func (f *fakeRepo) CloseRetryingEntry(_ context.Context, eventID string) error {
	f.closedRetry = append(f.closedRetry, eventID)
	for _, e := range f.entries {
		if e.EventID == eventID && e.Status == store.DeadLetterRetrying {
			e.Status = store.DeadLetterResolved
		}
	}
	return nil
}

func (f *fakeRepo) PruneDeadLetters(_ context.Context, _ time.Duration, _ time.Time) (int, error) {
	return f.pruned, nil
}

type fakeTransport struct {
	published []*transport.Envelope
	fail      bool
}

func (f *fakeTransport) Publish(_ context.Context, _ string, env *transport.Envelope) error {
	if f.fail {
		return relayerr.E(relayerr.KindTransient, "transport.Publish", "broker unavailable")
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakeTransport) Subscribe(string, transport.Handler) (func(), error) { return func() {}, nil }
func (f *fakeTransport) SubscriberCounts() map[string]int                    { return nil }
func (f *fakeTransport) Close() error                                        { return nil }

func newTestService(repo *fakeRepo, tr transport.Transport) *Service {
	svc := NewService(repo, tr, Policy{
		MaxAttempts:         5,
		BackoffBase:         30 * time.Second,
		RetryWindow:         24 * time.Hour,
		DeadLetterRetention: 30 * 24 * time.Hour,
	}, slog.Default())
	return svc
}

func TestAcknowledgeRecordsOutcome(t *testing.T) {
	repo := newFakeRepo()
	repo.events["ev-1"] = &store.SubscriptionEvent{ID: "ev-1", LicenseKey: "LK-1"}
	svc := newTestService(repo, &fakeTransport{})

	ack, created, err := svc.Acknowledge(context.Background(), AckInput{
		EventID:     "ev-1",
		LicenseKey:  "LK-1",
		MachineHash: "m-a",
		Outcome:     store.AckSuccess,
		DurationMs:  42,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.AckSuccess, ack.Outcome)
	require.NotNil(t, ack.DurationMs)
	assert.Equal(t, int64(42), *ack.DurationMs)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.events["ev-1"] = &store.SubscriptionEvent{ID: "ev-1", LicenseKey: "LK-1"}
	svc := newTestService(repo, &fakeTransport{})

	first, created, err := svc.Acknowledge(context.Background(), AckInput{
		EventID: "ev-1", LicenseKey: "LK-1", MachineHash: "m-a", Outcome: store.AckSuccess,
	})
	require.NoError(t, err)
	require.True(t, created)

	// A conflicting second report must not overwrite the first.
	second, created, err := svc.Acknowledge(context.Background(), AckInput{
		EventID: "ev-1", LicenseKey: "LK-1", MachineHash: "m-a", Outcome: store.AckFailed, Error: "late duplicate",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, store.AckSuccess, second.Outcome)
}

func TestAcknowledgeUnknownEvent(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeTransport{})

	_, _, err := svc.Acknowledge(context.Background(), AckInput{
		EventID: "no-such", LicenseKey: "LK-1", MachineHash: "m-a", Outcome: store.AckSuccess,
	})
	require.Error(t, err)
	assert.Equal(t, relayerr.KindNotFound, relayerr.KindOf(err))
}

func TestAcknowledgeSuccessClosesRetryingEntry(t *testing.T) {
	repo := newFakeRepo()
	repo.events["ev-1"] = &store.SubscriptionEvent{ID: "ev-1", LicenseKey: "LK-1"}
	repo.entries[1] = &store.DeadLetterEntry{ID: 1, EventID: "ev-1", Status: store.DeadLetterRetrying}
	svc := newTestService(repo, &fakeTransport{})

	_, _, err := svc.Acknowledge(context.Background(), AckInput{
		EventID: "ev-1", LicenseKey: "LK-1", MachineHash: "m-a", Outcome: store.AckSuccess,
	})
	require.NoError(t, err)
	assert.Contains(t, repo.closedRetry, "ev-1")
	assert.Equal(t, store.DeadLetterResolved, repo.entries[1].Status)
}

func TestAcknowledgeFailureLeavesRetryingEntryOpen(t *testing.T) {
	repo := newFakeRepo()
	repo.events["ev-1"] = &store.SubscriptionEvent{ID: "ev-1", LicenseKey: "LK-1"}
	repo.entries[1] = &store.DeadLetterEntry{ID: 1, EventID: "ev-1", Status: store.DeadLetterRetrying}
	svc := newTestService(repo, &fakeTransport{})

	_, _, err := svc.Acknowledge(context.Background(), AckInput{
		EventID: "ev-1", LicenseKey: "LK-1", MachineHash: "m-a", Outcome: store.AckFailed, Error: "handler crashed",
	})
	require.NoError(t, err)
	assert.Empty(t, repo.closedRetry)
	assert.Equal(t, store.DeadLetterRetrying, repo.entries[1].Status)
}

func TestRetrySweepRepublishesDueEvents(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.candidates = []store.RetryCandidate{
		{
			Event:    store.SubscriptionEvent{ID: "ev-due", LicenseKey: "LK-1", Type: transport.EventCancellation, CreatedAt: now.Add(-5 * time.Minute)},
			Attempts: 0,
		},
	}
	tr := &fakeTransport{}
	svc := newTestService(repo, tr)
	svc.now = func() time.Time { return now }

	report, err := svc.RunRetrySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Republished)

	require.Len(t, tr.published, 1)
	assert.Equal(t, "ev-due", tr.published[0].ID)

	require.Len(t, repo.attempts, 1)
	assert.Equal(t, 1, repo.attempts[0].Attempt)
	assert.Equal(t, "republished", repo.attempts[0].Outcome)
}

func TestRetrySweepDefersUntilBackoffElapses(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lastAttempt := now.Add(-90 * time.Second)
	repo := newFakeRepo()
	repo.candidates = []store.RetryCandidate{
		{
			// Two prior attempts: next is attempt 3 with a 3^2 * 30s = 270s
			// backoff. Only 90s have elapsed, so the event is not due yet.
			Event:         store.SubscriptionEvent{ID: "ev-wait", LicenseKey: "LK-1", CreatedAt: now.Add(-time.Hour)},
			Attempts:      2,
			LastAttemptAt: &lastAttempt,
		},
	}
	tr := &fakeTransport{}
	svc := newTestService(repo, tr)
	svc.now = func() time.Time { return now }

	report, err := svc.RunRetrySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Empty(t, tr.published)
	assert.Empty(t, repo.attempts)
}

func TestRetrySweepQuarantinesExhaustedEvents(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.candidates = []store.RetryCandidate{
		{
			Event:    store.SubscriptionEvent{ID: "ev-dead", LicenseKey: "LK-1", CreatedAt: now.Add(-6 * time.Hour)},
			Attempts: 5,
		},
	}
	tr := &fakeTransport{}
	svc := newTestService(repo, tr)
	svc.now = func() time.Time { return now }

	report, err := svc.RunRetrySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Quarantined)
	assert.Contains(t, repo.quarantined, "ev-dead")
	assert.Empty(t, tr.published, "a quarantined event is never re-published")
}

func TestRetrySweepIsolatesFailures(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.quarantineErr = relayerr.E(relayerr.KindInternal, "store.QuarantineEvent", "write failed")
	repo.candidates = []store.RetryCandidate{
		{
			Event:    store.SubscriptionEvent{ID: "ev-broken", LicenseKey: "LK-1", CreatedAt: now.Add(-6 * time.Hour)},
			Attempts: 5,
		},
		{
			Event:    store.SubscriptionEvent{ID: "ev-fine", LicenseKey: "LK-2", CreatedAt: now.Add(-5 * time.Minute)},
			Attempts: 0,
		},
	}
	tr := &fakeTransport{}
	svc := newTestService(repo, tr)
	svc.now = func() time.Time { return now }

	report, err := svc.RunRetrySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Republished, "one candidate failing must not block the rest")
	require.Len(t, tr.published, 1)
	assert.Equal(t, "ev-fine", tr.published[0].ID)
}

func TestRetrySweepRecordsFailedPublish(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeRepo()
	repo.candidates = []store.RetryCandidate{
		{
			Event:    store.SubscriptionEvent{ID: "ev-1", LicenseKey: "LK-1", CreatedAt: now.Add(-5 * time.Minute)},
			Attempts: 0,
		},
	}
	tr := &fakeTransport{fail: true}
	svc := newTestService(repo, tr)
	svc.now = func() time.Time { return now }

	report, err := svc.RunRetrySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	// The failed attempt still counts toward the budget.
	require.Len(t, repo.attempts, 1)
	assert.Equal(t, "publish_failed", repo.attempts[0].Outcome)
}

func TestResolveEntryRequiresResolverAndNotes(t *testing.T) {
	repo := newFakeRepo()
	repo.entries[1] = &store.DeadLetterEntry{ID: 1, EventID: "ev-1", Status: store.DeadLetterPendingReview}
	svc := newTestService(repo, &fakeTransport{})

	_, err := svc.ResolveEntry(context.Background(), 1, "", "fixed upstream")
	require.Error(t, err)
	assert.Equal(t, relayerr.KindValidation, relayerr.KindOf(err))

	_, err = svc.ResolveEntry(context.Background(), 1, "ops@example.com", "")
	require.Error(t, err)
	assert.Equal(t, relayerr.KindValidation, relayerr.KindOf(err))

	entry, err := svc.ResolveEntry(context.Background(), 1, "ops@example.com", "fixed upstream")
	require.NoError(t, err)
	assert.Equal(t, store.DeadLetterResolved, entry.Status)
}

func TestResolveEntryRejectsTerminalStates(t *testing.T) {
	repo := newFakeRepo()
	repo.entries[1] = &store.DeadLetterEntry{ID: 1, EventID: "ev-1", Status: store.DeadLetterAbandoned}
	svc := newTestService(repo, &fakeTransport{})

	_, err := svc.ResolveEntry(context.Background(), 1, "ops@example.com", "attempted")
	require.Error(t, err)
	assert.Equal(t, relayerr.KindConflict, relayerr.KindOf(err))
}

func TestRetryEntryTransitionsToRetrying(t *testing.T) {
	repo := newFakeRepo()
	repo.entries[1] = &store.DeadLetterEntry{ID: 1, EventID: "ev-1", Status: store.DeadLetterPendingReview}
	svc := newTestService(repo, &fakeTransport{})

	entry, err := svc.RetryEntry(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.DeadLetterRetrying, entry.Status)

	_, err = svc.RetryEntry(context.Background(), 1)
	require.Error(t, err, "a retrying entry cannot re-enter the cycle")
}

func TestBackoffIsQuadratic(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeTransport{})

	assert.Equal(t, 30*time.Second, svc.backoff(1))
	assert.Equal(t, 120*time.Second, svc.backoff(2))
	assert.Equal(t, 270*time.Second, svc.backoff(3))
	assert.Equal(t, 750*time.Second, svc.backoff(5))
}

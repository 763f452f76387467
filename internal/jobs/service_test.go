package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	done   chan struct{}
	once   sync.Once
	report domain.Report
	err    error
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) finish(report domain.Report, err error) {
	h.once.Do(func() {
		h.report, h.err = report, err
		close(h.done)
	})
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Wait(ctx context.Context) (domain.Report, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return domain.Report{}, ctx.Err()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (p *recordingPublisher) LoadBatch(_ context.Context, events []domain.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) statuses() []domain.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.JobStatus, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	results *cache.ResultCache
	metrics *observability.Metrics
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	results := cache.New(cache.NewMemoryEntryStore(), cache.NewMemoryPayloadStore(), cache.Options{
		Policy:       cache.PolicyCreate,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger,
		Metrics:      metrics,
	})
	store := NewMemoryStore()
	svc := NewService(store, results, opts, logger, metrics)
	t.Cleanup(svc.Close)
	return fixture{svc: svc, store: store, results: results, metrics: metrics}
}

func submission(h Handle) Submission {
	return Submission{
		Kind:       domain.ReportCostBenefit,
		RequestKey: "request-1",
		Start:      func(context.Context) Handle { return h },
	}
}

var sampleReport = domain.Report{
	Kind:         domain.ReportCostBenefit,
	Attributions: []domain.AttributionResult{{Year: 2060, PresentYear: 2020, Current: 100, Future: 150}},
}

func TestSubmit_ReturnsPendingRecord(t *testing.T) {
	f := newFixture(t, Options{})
	h := newFakeHandle()

	rec, err := f.svc.Submit(context.Background(), submission(h))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, domain.JobPending, rec.Status)
	assert.Equal(t, domain.ReportCostBenefit, rec.Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsSubmitted.WithLabelValues("costbenefit")))

	polled, err := f.svc.Poll(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, polled.Status)
	assert.Nil(t, polled.Result)
}

func TestPoll_SuccessPersistsResult(t *testing.T) {
	f := newFixture(t, Options{})
	h := newFakeHandle()
	rec, err := f.svc.Submit(context.Background(), submission(h))
	require.NoError(t, err)

	h.finish(sampleReport, nil)

	var polled domain.JobRecord
	require.Eventually(t, func() bool {
		polled, err = f.svc.Poll(context.Background(), rec.ID)
		return err == nil && polled.Status == domain.JobSuccess
	}, 2*time.Second, 5*time.Millisecond)

	require.NotNil(t, polled.Result)
	assert.Equal(t, sampleReport, *polled.Result)
	require.NotNil(t, polled.CompletedAt)
	require.NotNil(t, polled.ExpiresAt)

	_, found, err := f.results.Peek(context.Background(), ResultIdentity, rec.ID.String())
	require.NoError(t, err)
	assert.True(t, found, "the report must be persisted in the result cache")

	stored, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Result, "the job store keeps status only")
}

func TestPoll_FirstPollWaitsForFastJobs(t *testing.T) {
	f := newFixture(t, Options{FirstPollDelay: 2 * time.Second})
	h := newFakeHandle()
	rec, err := f.svc.Submit(context.Background(), submission(h))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.finish(sampleReport, nil)
	}()

	start := time.Now()
	polled, err := f.svc.Poll(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, polled.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_FirstPollDelayExpires(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newFixture(t, Options{FirstPollDelay: time.Second, Clock: fc})
	h := newFakeHandle()
	rec, err := f.svc.Submit(context.Background(), submission(h))
	require.NoError(t, err)

	done := make(chan domain.JobRecord, 1)
	go func() {
		polled, err := f.svc.Poll(context.Background(), rec.ID)
		assert.NoError(t, err)
		done <- polled
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Second)

	select {
	case polled := <-done:
		assert.Equal(t, domain.JobPending, polled.Status)
	case <-ctx.Done():
		t.Fatal("poll did not return after the first poll delay")
	}
}

func TestPoll_FailureIsReportedNotRetried(t *testing.T) {
	f := newFixture(t, Options{})
	h := newFakeHandle()
	starts := 0
	sub := submission(h)
	sub.Start = func(context.Context) Handle {
		starts++
		return h
	}
	rec, err := f.svc.Submit(context.Background(), sub)
	require.NoError(t, err)

	h.finish(domain.Report{}, errors.New("job \"baseline\": model unavailable"))

	var polled domain.JobRecord
	require.Eventually(t, func() bool {
		polled, err = f.svc.Poll(context.Background(), rec.ID)
		return err == nil && polled.Status == domain.JobFailure
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, polled.Message, "model unavailable")
	assert.Nil(t, polled.Result)

	again, err := f.svc.Poll(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailure, again.Status)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsCompleted.WithLabelValues("costbenefit", "FAILURE")))
}

func TestPoll_UnknownJob(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Poll(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPoll_OrphanedJobs(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))

	t.Run("owned by this process is lost", func(t *testing.T) {
		f := newFixture(t, Options{Clock: fc, Expiry: time.Hour})
		id := uuid.New()
		require.NoError(t, f.store.Create(ctx, domain.JobRecord{
			ID: id, Kind: domain.ReportTimeline, Status: domain.JobPending,
			SubmittedAt: fc.Now(), Owner: f.svc.instance,
		}))

		polled, err := f.svc.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailure, polled.Status)
		assert.Contains(t, polled.Message, "task lost")
	})

	t.Run("owned by another process is trusted until stale", func(t *testing.T) {
		f := newFixture(t, Options{Clock: fc, Expiry: 24 * time.Hour, StaleAfter: 30 * time.Minute})
		id := uuid.New()
		require.NoError(t, f.store.Create(ctx, domain.JobRecord{
			ID: id, Kind: domain.ReportTimeline, Status: domain.JobPending,
			SubmittedAt: fc.Now(), Owner: "other-instance",
		}))

		fc.Advance(29 * time.Minute)
		polled, err := f.svc.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobPending, polled.Status)

		// Well inside record expiry, but past the staleness window.
		fc.Advance(2 * time.Minute)
		polled, err = f.svc.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailure, polled.Status)
		assert.Contains(t, polled.Message, "task lost")
		require.NotNil(t, polled.ExpiresAt)
		assert.True(t, polled.ExpiresAt.Equal(fc.Now().Add(24*time.Hour)), "lost records keep the full expiry")
	})

	t.Run("persisted result completes the record", func(t *testing.T) {
		f := newFixture(t, Options{Clock: fc, Expiry: time.Hour})
		id := uuid.New()
		require.NoError(t, f.store.Create(ctx, domain.JobRecord{
			ID: id, Kind: domain.ReportCostBenefit, Status: domain.JobPending,
			SubmittedAt: fc.Now(), Owner: "other-instance",
		}))
		_, err := f.results.Do(ctx, ResultIdentity, id.String(), func(context.Context) ([]byte, error) {
			return []byte(`{"kind":"costbenefit","attributions":[{"year":2060,"present_year":2020,"current_climate":100,"future_climate":150}]}`), nil
		})
		require.NoError(t, err)

		polled, err := f.svc.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobSuccess, polled.Status)
		require.NotNil(t, polled.Result)
		assert.InDelta(t, 150.0, polled.Result.Attributions[0].Future, 1e-9)
	})
}

func TestSweep_RemovesExpiredJobsAndResults(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(t, Options{Clock: fc, Expiry: time.Hour})

	h := newFakeHandle()
	rec, err := f.svc.Submit(ctx, submission(h))
	require.NoError(t, err)
	h.finish(sampleReport, nil)
	require.Eventually(t, func() bool {
		polled, err := f.svc.Poll(ctx, rec.ID)
		return err == nil && polled.Status == domain.JobSuccess
	}, 2*time.Second, 5*time.Millisecond)

	removed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	fc.Advance(2 * time.Hour)
	removed, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsExpired))

	_, err = f.svc.Poll(ctx, rec.ID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	_, found, err := f.results.Peek(ctx, ResultIdentity, rec.ID.String())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSuccessWithoutPersistedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	id := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(ctx, domain.JobRecord{ID: id, Status: domain.JobPending, SubmittedAt: now}))
	updated, err := f.store.Complete(ctx, domain.JobRecord{ID: id, Status: domain.JobSuccess, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, updated)

	polled, err := f.svc.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, polled.Status)
	assert.Nil(t, polled.Result)
	assert.Contains(t, polled.Message, "no longer available")
}

func TestPublisher_ReceivesTerminalEvent(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, Options{Publisher: pub})
	h := newFakeHandle()
	rec, err := f.svc.Submit(context.Background(), submission(h))
	require.NoError(t, err)
	h.finish(sampleReport, nil)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.MessagesProduced) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.JobStatus{domain.JobSuccess}, pub.statuses())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, rec.ID, pub.events[0].JobID)
	assert.Equal(t, "request-1", pub.events[0].RequestKey)
	require.NotNil(t, pub.events[0].Result)
}

func TestMemoryStore_CompleteOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, s.Create(ctx, domain.JobRecord{ID: id, Status: domain.JobPending}))

	ok, err := s.Complete(ctx, domain.JobRecord{ID: id, Status: domain.JobSuccess})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Complete(ctx, domain.JobRecord{ID: id, Status: domain.JobFailure, Message: "late"})
	require.NoError(t, err)
	assert.False(t, ok, "a terminal record must not change")

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, rec.Status)

	_, err = s.Complete(ctx, domain.JobRecord{ID: uuid.New(), Status: domain.JobSuccess})
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

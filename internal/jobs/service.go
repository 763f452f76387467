// Package jobs tracks submitted calculations and exposes their state through
// polling.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ResultIdentity names job results in the result cache.
const ResultIdentity = "job"

const messageTaskLost = "task lost: the process running this job stopped before it finished"

// Handle is a running calculation.
type Handle interface {
	Done() <-chan struct{}
	Wait(ctx context.Context) (domain.Report, error)
}

// Submission is one unit of work. Start must return promptly; the
// calculation runs behind the returned Handle.
type Submission struct {
	Kind       domain.ReportKind
	RequestKey string
	Start      func(ctx context.Context) Handle
}

// Publisher announces terminal job events, for example to a Kafka topic.
type Publisher interface {
	LoadBatch(ctx context.Context, events []domain.JobEvent) error
}

// Options configures a Service.
type Options struct {
	FirstPollDelay time.Duration
	// Expiry is how long terminal records are kept.
	Expiry time.Duration
	// StaleAfter is how long a Pending record owned by another process is
	// trusted before it is reported lost. It must exceed the longest job.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Clock         clockwork.Clock
	Publisher     Publisher
}

// Service submits work, records its outcome, and answers polls.
type Service struct {
	store   Store
	results *cache.ResultCache
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	instance string
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex
	live map[uuid.UUID]liveJob
	wg   sync.WaitGroup
}

type liveJob struct {
	handle     Handle
	requestKey string
}

// NewService creates a Service. results persists successful reports keyed by
// job id and should use the create policy.
func NewService(store Store, results *cache.ResultCache, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		results:  results,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger,
		metrics:  metrics,
		instance: uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[uuid.UUID]liveJob),
	}
}

// Submit records a Pending job and starts its work. The work runs detached
// from ctx and survives the submitting request.
func (s *Service) Submit(ctx context.Context, sub Submission) (domain.JobRecord, error) {
	rec := domain.JobRecord{
		ID:          uuid.New(),
		Kind:        sub.Kind,
		Status:      domain.JobPending,
		SubmittedAt: s.clock.Now().UTC(),
		Owner:       s.instance,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return domain.JobRecord{}, fmt.Errorf("create job record: %w", err)
	}

	handle := sub.Start(s.ctx)
	s.mu.Lock()
	s.live[rec.ID] = liveJob{handle: handle, requestKey: sub.RequestKey}
	s.mu.Unlock()

	s.metrics.JobsSubmitted.WithLabelValues(string(rec.Kind)).Inc()
	s.metrics.JobsInFlight.Inc()
	s.logger.Info("job submitted", "job_id", rec.ID, "kind", rec.Kind)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.metrics.JobsInFlight.Dec()
		select {
		case <-handle.Done():
			if _, err := s.finish(s.ctx, rec, handle); err != nil {
				s.logger.Error("failed to record job outcome", "job_id", rec.ID, "error", err)
			}
		case <-s.ctx.Done():
		}
	}()
	return rec, nil
}

// Poll returns the current state of a job. The first poll of a young job
// waits briefly for it to finish. Failed jobs are reported, never retried.
func (s *Service) Poll(ctx context.Context, id uuid.UUID) (domain.JobRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if rec.Status.Terminal() {
		return s.hydrate(ctx, rec)
	}

	s.mu.Lock()
	job, live := s.live[id]
	s.mu.Unlock()

	if live {
		if wait := s.opts.FirstPollDelay - s.clock.Since(rec.SubmittedAt); wait > 0 {
			select {
			case <-job.handle.Done():
			case <-s.clock.After(wait):
			case <-ctx.Done():
				return domain.JobRecord{}, ctx.Err()
			}
		}
		select {
		case <-job.handle.Done():
			return s.finish(ctx, rec, job.handle)
		default:
			return rec, nil
		}
	}

	// No handle here: the result may have been persisted by another process
	// or before a restart.
	data, found, err := s.results.Peek(ctx, ResultIdentity, id.String())
	if err != nil {
		return domain.JobRecord{}, err
	}
	if found {
		var report domain.Report
		if err := json.Unmarshal(data, &report); err != nil {
			return domain.JobRecord{}, fmt.Errorf("decode job result: %w", err)
		}
		return s.complete(ctx, rec, &report, nil)
	}
	if rec.Owner != s.instance && s.clock.Since(rec.SubmittedAt) < s.opts.StaleAfter {
		return rec, nil
	}
	return s.complete(ctx, rec, nil, errors.New(messageTaskLost))
}

// finish records the outcome of a completed handle.
func (s *Service) finish(ctx context.Context, rec domain.JobRecord, handle Handle) (domain.JobRecord, error) {
	report, runErr := handle.Wait(ctx)
	if runErr != nil {
		return s.complete(ctx, rec, nil, runErr)
	}
	data, err := json.Marshal(report)
	if err != nil {
		return s.complete(ctx, rec, nil, fmt.Errorf("encode job result: %w", err))
	}
	_, err = s.results.Do(ctx, ResultIdentity, rec.ID.String(), func(context.Context) ([]byte, error) {
		return data, nil
	})
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("persist job result: %w", err)
	}
	return s.complete(ctx, rec, &report, nil)
}

// complete moves rec to its terminal status. If another observer got there
// first, the stored record wins.
func (s *Service) complete(ctx context.Context, rec domain.JobRecord, report *domain.Report, runErr error) (domain.JobRecord, error) {
	now := s.clock.Now().UTC()
	expires := now.Add(s.opts.Expiry)
	rec.CompletedAt = &now
	rec.ExpiresAt = &expires
	if runErr != nil {
		rec.Status = domain.JobFailure
		rec.Message = runErr.Error()
	} else {
		rec.Status = domain.JobSuccess
		rec.Result = report
	}

	updated, err := s.store.Complete(ctx, rec)
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("complete job record: %w", err)
	}

	s.mu.Lock()
	job := s.live[rec.ID]
	delete(s.live, rec.ID)
	s.mu.Unlock()

	if !updated {
		stored, err := s.store.Get(ctx, rec.ID)
		if err != nil {
			return domain.JobRecord{}, err
		}
		return s.hydrate(ctx, stored)
	}

	s.metrics.JobsCompleted.WithLabelValues(string(rec.Kind), string(rec.Status)).Inc()
	if runErr != nil {
		s.logger.Warn("job failed", "job_id", rec.ID, "kind", rec.Kind, "error", runErr)
	} else {
		s.logger.Info("job succeeded", "job_id", rec.ID, "kind", rec.Kind,
			"duration", now.Sub(rec.SubmittedAt))
	}
	s.publish(ctx, rec, job.requestKey)
	return rec, nil
}

// hydrate attaches the persisted result to a Success record.
func (s *Service) hydrate(ctx context.Context, rec domain.JobRecord) (domain.JobRecord, error) {
	if rec.Status != domain.JobSuccess || rec.Result != nil {
		return rec, nil
	}
	data, found, err := s.results.Peek(ctx, ResultIdentity, rec.ID.String())
	if err != nil {
		return domain.JobRecord{}, err
	}
	if !found {
		rec.Message = "result is no longer available"
		return rec, nil
	}
	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return domain.JobRecord{}, fmt.Errorf("decode job result: %w", err)
	}
	rec.Result = &report
	return rec, nil
}

func (s *Service) publish(ctx context.Context, rec domain.JobRecord, requestKey string) {
	if s.opts.Publisher == nil {
		return
	}
	if err := s.opts.Publisher.LoadBatch(ctx, []domain.JobEvent{domain.NewJobEvent(rec, requestKey)}); err != nil {
		s.logger.Warn("failed to publish job event", "job_id", rec.ID, "status", rec.Status, "error", err)
		return
	}
	s.metrics.MessagesProduced.Inc()
}

// Sweep deletes expired job records and their persisted results.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteExpired(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	for _, id := range ids {
		if err := s.results.Forget(ctx, ResultIdentity, id.String()); err != nil {
			s.logger.Warn("failed to forget job result", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.metrics.JobsExpired.Add(float64(len(ids)))
		s.logger.Info("expired jobs removed", "count", len(ids))
	}
	return len(ids), nil
}

// Run sweeps expired jobs until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("job sweep failed", "error", err)
			}
		}
	}
}

// Close cancels running jobs and waits for their watchers to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

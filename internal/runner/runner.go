// Package runner fans job specs out to the impact model through the result
// cache and fans their results back in to a single aggregation step.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ImpactIdentity names the cached impact computation.
const ImpactIdentity = "impact"

// Aggregator combines the results of every job, in spec order.
type Aggregator func(results []domain.ImpactResult, specs []domain.JobSpec) (domain.Report, error)

// Runner executes job specs concurrently. Model calls are bounded across all
// submissions by a shared semaphore.
type Runner struct {
	cache   *cache.ResultCache
	model   domain.ImpactModel
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *observability.Metrics
	impact  cache.Cacheable[domain.ImpactRequest, domain.ImpactResult]
}

// New creates a Runner allowing at most concurrency model calls in flight.
func New(c *cache.ResultCache, model domain.ImpactModel, concurrency int, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	r := &Runner{
		cache:   c,
		model:   model,
		sem:     semaphore.NewWeighted(int64(max(concurrency, 1))),
		logger:  logger,
		metrics: metrics,
	}
	r.impact = cache.Cacheable[domain.ImpactRequest, domain.ImpactResult]{
		Identity: ImpactIdentity,
		Compute:  r.computeImpact,
		Codec:    cache.JSONCodec[domain.ImpactResult]{},
	}
	return r
}

// Handle is a submitted fan-out. Its result is available once Done is closed.
type Handle struct {
	done   chan struct{}
	report domain.Report
	err    error
}

// Done is closed when the aggregation step has run or a job has failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (domain.Report, error) {
	select {
	case <-ctx.Done():
		return domain.Report{}, ctx.Err()
	case <-h.done:
		return h.report, h.err
	}
}

// Submit dispatches every spec immediately and runs agg exactly once after
// all of them succeed. If any job fails the remaining ones are cancelled and
// the handle carries that failure; agg is never given a partial list.
func (r *Runner) Submit(ctx context.Context, specs []domain.JobSpec, agg Aggregator) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		results, err := r.Run(ctx, specs)
		if err != nil {
			h.err = err
			return
		}
		h.report, h.err = agg(results, specs)
	}()
	return h
}

// Run computes every spec and returns the results in spec order.
func (r *Runner) Run(ctx context.Context, specs []domain.JobSpec) ([]domain.ImpactResult, error) {
	results := make([]domain.ImpactResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			res, err := cache.GetOrCompute(gctx, r.cache, r.impact, spec.ImpactRequest())
			if err != nil {
				return fmt.Errorf("job %q: %w", spec.DriverLabel, err)
			}
			results[i] = res
			r.logger.Debug("job complete", "driver", spec.DriverLabel,
				"hazard_year", spec.HazardYear, "exposure_year", spec.ExposureYear)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) computeImpact(ctx context.Context, req domain.ImpactRequest) (domain.ImpactResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return domain.ImpactResult{}, err
	}
	defer r.sem.Release(1)

	start := time.Now()
	res, err := r.model.ComputeImpact(ctx, req)
	r.metrics.ModelCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.ModelCallErrors.Inc()
		return domain.ImpactResult{}, err
	}
	return res, nil
}

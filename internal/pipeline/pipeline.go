// Package pipeline runs the Kafka intake loop: scenario requests are read in
// batches, submitted as jobs, and each accepted job is announced on the sink
// topic before its source offset is committed.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// BatchExtractor reads up to batchSize intake messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// Transformer accepts one intake message and returns the event announcing
// the job it started.
type Transformer interface {
	Transform(ctx context.Context, raw domain.RawMessage) (domain.JobEvent, error)
}

// BatchLoader writes multiple job events to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, events []domain.JobEvent) error
}

// Pipeline is the intake loop. It is safe to call Ready and CheckReadiness
// while Run is executing.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	loader      BatchLoader
	logger      *slog.Logger
	metrics     *observability.Metrics
	batchSize   int

	ready atomic.Bool
}

func New(e BatchExtractor, t Transformer, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		batchSize:   batchSize,
	}
}

// Ready reports whether at least one job has been announced.
func (p *Pipeline) Ready() bool { return p.ready.Load() }

// CheckReadiness implements the readiness probe.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("intake pipeline has not announced any jobs yet")
	}
	return nil
}

// Run executes the intake loop until ctx is cancelled. Broker failures are
// retried with exponential backoff and never end the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	b := backoff{next: minBackoff}
	for ctx.Err() == nil {
		if err := p.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("intake step failed", "error", err, "retry_in", b.next)
			if !b.wait(ctx) {
				break
			}
			continue
		}
		b.reset()
	}
	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	return nil
}

// accepted pairs a submitted job's announcement with the message that
// requested it.
type accepted struct {
	raw   domain.RawMessage
	event domain.JobEvent
}

// step runs one extract, submit, announce and commit cycle. A non-nil error
// means the broker failed and the cycle should be retried after a pause.
func (p *Pipeline) step(ctx context.Context) error {
	start := time.Now()

	batch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	p.metrics.MessagesConsumed.Add(float64(len(batch)))
	p.metrics.BatchSize.Observe(float64(len(batch)))

	jobs := p.submit(ctx, batch)
	if len(jobs) == 0 {
		return nil
	}

	events := make([]domain.JobEvent, len(jobs))
	for i, j := range jobs {
		events[i] = j.event
	}
	if err := p.loader.LoadBatch(ctx, events); err != nil {
		return err
	}
	p.metrics.MessagesProduced.Add(float64(len(events)))

	// Offsets are committed only once the announcements are durable.
	for _, j := range jobs {
		p.commit(ctx, j.raw)
	}
	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	p.ready.Store(true)
	return nil
}

// submit transforms every message of the batch. Messages that cannot be
// submitted are committed immediately and dropped.
func (p *Pipeline) submit(ctx context.Context, batch []domain.RawMessage) []accepted {
	out := make([]accepted, 0, len(batch))
	for _, raw := range batch {
		ev, err := p.transformer.Transform(ctx, raw)
		if err == nil {
			out = append(out, accepted{raw: raw, event: ev})
			continue
		}

		level := slog.LevelError
		if errors.Is(err, domain.ErrInvalidRequest) {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "intake request rejected, skipping message",
			"error", err,
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
		)
		p.metrics.IntakeRejected.Inc()
		p.commit(ctx, raw)
	}
	return out
}

func (p *Pipeline) commit(ctx context.Context, raw domain.RawMessage) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

// backoff doubles the pause after each consecutive failure, up to maxBackoff.
type backoff struct {
	next time.Duration
}

func (b *backoff) reset() { b.next = minBackoff }

// wait sleeps for the current pause and reports false if ctx ended first.
func (b *backoff) wait(ctx context.Context) bool {
	timer := time.NewTimer(b.next)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	b.next = min(b.next*2, maxBackoff)
	return true
}

package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/risk-attribution-service/internal/calculation"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
)

// Submitter starts calculations.
type Submitter interface {
	Submit(ctx context.Context, kind domain.ReportKind, req domain.ScenarioRequest) (domain.JobRecord, error)
}

// IntakeTransformer implements Transformer by submitting each scenario
// request as a job.
type IntakeTransformer struct {
	submitter Submitter
	logger    *slog.Logger
}

// NewTransformer creates an IntakeTransformer.
func NewTransformer(submitter Submitter, logger *slog.Logger) *IntakeTransformer {
	return &IntakeTransformer{
		submitter: submitter,
		logger:    logger,
	}
}

func (t *IntakeTransformer) Transform(ctx context.Context, raw domain.RawMessage) (domain.JobEvent, error) {
	in, err := domain.ParseIntakeRequest(raw)
	if err != nil {
		return domain.JobEvent{}, err
	}
	key, err := calculation.RequestKey(in.Kind, in.Request)
	if err != nil {
		return domain.JobEvent{}, err
	}

	rec, err := t.submitter.Submit(ctx, in.Kind, in.Request)
	if err != nil {
		return domain.JobEvent{}, err
	}
	t.logger.Info("intake request accepted",
		"job_id", rec.ID,
		"kind", in.Kind,
		"request_key", key,
		"offset", raw.Offset,
	)
	return domain.NewJobEvent(rec, key), nil
}

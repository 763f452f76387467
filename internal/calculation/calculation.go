// Package calculation turns scenario requests into tracked jobs. It is the
// single entry point shared by the HTTP API and the Kafka intake.
package calculation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/risk-attribution-service/internal/attribution"
	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/catalog"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/jobs"
	"github.com/couchcryptid/risk-attribution-service/internal/planner"
	"github.com/couchcryptid/risk-attribution-service/internal/runner"
	"github.com/google/uuid"
)

// Service validates, plans, and submits calculations.
type Service struct {
	planner  *planner.Planner
	runner   *runner.Runner
	jobs     *jobs.Service
	catalog  *catalog.Catalog
	geocoder domain.Geocoder
	logger   *slog.Logger
}

// New creates a Service. geocoder may be nil, in which case every request
// must name its country.
func New(p *planner.Planner, r *runner.Runner, j *jobs.Service, c *catalog.Catalog, geocoder domain.Geocoder, logger *slog.Logger) *Service {
	return &Service{planner: p, runner: r, jobs: j, catalog: c, geocoder: geocoder, logger: logger}
}

// Submit starts a calculation of the given kind and returns its Pending job
// record. Invalid requests are rejected here, before anything is dispatched,
// with an error matching domain.ErrInvalidRequest.
func (s *Service) Submit(ctx context.Context, kind domain.ReportKind, req domain.ScenarioRequest) (domain.JobRecord, error) {
	requestKey, err := RequestKey(kind, req)
	if err != nil {
		return domain.JobRecord{}, err
	}

	loc, err := domain.ResolveLocation(ctx, req.Location, s.geocoder, s.logger)
	if err != nil {
		return domain.JobRecord{}, err
	}
	req.Location = loc

	if len(req.MeasureSlugs) > 0 {
		resolved, err := s.catalog.Resolve(req.MeasureSlugs)
		if err != nil {
			return domain.JobRecord{}, err
		}
		req.Measures = append(append([]domain.MeasureRef(nil), req.Measures...), resolved...)
	}

	var plan planner.Plan
	switch kind {
	case domain.ReportCostBenefit:
		plan, err = s.planner.PlanCostBenefit(req)
	case domain.ReportTimeline:
		plan, err = s.planner.PlanTimeline(req)
	default:
		err = fmt.Errorf("%w: unknown calculation %q", domain.ErrInvalidRequest, kind)
	}
	if err != nil {
		return domain.JobRecord{}, err
	}

	aggregate := func(results []domain.ImpactResult, specs []domain.JobSpec) (domain.Report, error) {
		return attribution.Aggregate(results, specs, plan.Context)
	}
	rec, err := s.jobs.Submit(ctx, jobs.Submission{
		Kind:       kind,
		RequestKey: requestKey,
		Start: func(ctx context.Context) jobs.Handle {
			return s.runner.Submit(ctx, plan.Specs, aggregate)
		},
	})
	if err != nil {
		return domain.JobRecord{}, err
	}
	s.logger.Debug("calculation planned",
		"job_id", rec.ID,
		"kind", kind,
		"country", req.Location.CountryISO3,
		"jobs", len(plan.Specs),
		"request_key", requestKey,
	)
	return rec, nil
}

// RequestKey identifies a request as submitted, before any defaults are
// applied. Identical submissions share a key.
func RequestKey(kind domain.ReportKind, req domain.ScenarioRequest) (string, error) {
	key, _, err := cache.KeyFor("request", domain.IntakeRequest{Kind: kind, Request: req})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return key.String(), nil
}

// Poll returns the job record for id, which must be of the given kind.
func (s *Service) Poll(ctx context.Context, kind domain.ReportKind, id uuid.UUID) (domain.JobRecord, error) {
	rec, err := s.jobs.Poll(ctx, id)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if rec.Kind != kind {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	return rec, nil
}

// Measures lists the catalog measures for hazard h, or all when h is empty.
func (s *Service) Measures(h domain.HazardType) []domain.MeasureRef {
	return s.catalog.MeasuresFor(h)
}

// Options returns the catalog scenario options for hazard h.
func (s *Service) Options(h domain.HazardType) (catalog.HazardOptions, bool) {
	return s.catalog.Options(h)
}

// Package planner decomposes a scenario request into independent job specs,
// each isolating one driver of change.
package planner

import (
	"fmt"
	"slices"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
)

// YearSource lists the years a hazard has scenario data for.
type YearSource interface {
	Years(hazard domain.HazardType) []int
}

// Plan is the fan-out of one request.
type Plan struct {
	Specs   []domain.JobSpec
	Context domain.AggregationContext
}

// Planner builds plans relative to a fixed present year.
type Planner struct {
	presentYear int
	years       YearSource
}

// New creates a Planner. years is only consulted for timelines.
func New(presentYear int, years YearSource) *Planner {
	return &Planner{presentYear: presentYear, years: years}
}

// PlanCostBenefit emits the baseline, growth, climate, and one job per
// measure. Growth and climate jobs are omitted when the target year is the
// present year. The request is rejected before anything is planned if any
// measure cannot be applied.
func (p *Planner) PlanCostBenefit(req domain.ScenarioRequest) (Plan, error) {
	if err := p.validate(&req); err != nil {
		return Plan{}, err
	}
	if req.TargetYear == 0 {
		req.TargetYear = p.presentYear
	}
	if req.TargetYear < p.presentYear {
		return Plan{}, fmt.Errorf("%w: scenario year %d is before the present year %d",
			domain.ErrInvalidRequest, req.TargetYear, p.presentYear)
	}
	if err := validateMeasures(req); err != nil {
		return Plan{}, err
	}

	present, target := p.presentYear, req.TargetYear
	specs := []domain.JobSpec{p.spec(req, domain.DriverBaseline, present, present, nil)}
	if target != present {
		specs = append(specs,
			p.spec(req, domain.DriverGrowth, present, target, nil),
			p.spec(req, domain.DriverGrowthClimate, target, target, nil),
		)
	}
	// One measure per job; measures are never combined.
	for _, m := range req.Measures {
		specs = append(specs, p.spec(req, domain.DriverWithMeasure(m.Name), target, target, []domain.MeasureRef{m}))
	}

	return Plan{Specs: specs, Context: p.context(domain.ReportCostBenefit, req)}, nil
}

// PlanTimeline emits, for every scenario year from the present on, a growth
// only job (present hazard) and a growth and climate job. For the present
// year both coincide and only one job is emitted.
func (p *Planner) PlanTimeline(req domain.ScenarioRequest) (Plan, error) {
	if err := p.validate(&req); err != nil {
		return Plan{}, err
	}
	if len(req.Measures) > 0 {
		return Plan{}, fmt.Errorf("%w: timelines do not apply adaptation measures", domain.ErrInvalidRequest)
	}

	years := p.timelineYears(req.HazardType)
	specs := make([]domain.JobSpec, 0, 2*len(years))
	for _, y := range years {
		specs = append(specs, p.spec(req, timelineDriver(p.presentYear, y), p.presentYear, y, nil))
		if y != p.presentYear {
			specs = append(specs, p.spec(req, timelineDriver(y, y), y, y, nil))
		}
	}

	req.TargetYear = years[len(years)-1]
	return Plan{Specs: specs, Context: p.context(domain.ReportTimeline, req)}, nil
}

func (p *Planner) validate(req *domain.ScenarioRequest) error {
	if !req.HazardType.Valid() {
		return fmt.Errorf("%w: unknown hazard type %q", domain.ErrInvalidRequest, req.HazardType)
	}
	req.ReturnPeriods = slices.Clone(req.ReturnPeriods)
	if err := req.Standardise(); err != nil {
		return err
	}
	if req.Location.CountryISO3 == "" {
		return fmt.Errorf("%w: location has no country", domain.ErrInvalidRequest)
	}
	if req.UnitsResponse != domain.UnitsDollars && req.UnitsResponse != domain.UnitsPeople {
		return fmt.Errorf("%w: units must be %s or %s, got %q",
			domain.ErrInvalidRequest, domain.UnitsDollars, domain.UnitsPeople, req.UnitsResponse)
	}
	return nil
}

func validateMeasures(req domain.ScenarioRequest) error {
	for _, m := range req.Measures {
		if m.PercentageCoverage != 100 {
			return &domain.UnsupportedMeasureConfigurationError{
				Measure: m.Name, Field: "percentage_coverage", Value: m.PercentageCoverage,
			}
		}
		if m.PercentageEffectiveness != 100 {
			return &domain.UnsupportedMeasureConfigurationError{
				Measure: m.Name, Field: "percentage_effectiveness", Value: m.PercentageEffectiveness,
			}
		}
		if m.HazardType != "" && m.HazardType != req.HazardType {
			return fmt.Errorf("%w: measure %q is for hazard %s, not %s",
				domain.ErrInvalidRequest, m.Name, m.HazardType, req.HazardType)
		}
		if m.ExposureType != "" && m.ExposureType != req.ExposureType {
			return fmt.Errorf("%w: measure %q is for exposure %s, not %s",
				domain.ErrInvalidRequest, m.Name, m.ExposureType, req.ExposureType)
		}
		if m.Cost <= 0 {
			return fmt.Errorf("%w: measure %q must have a positive cost", domain.ErrInvalidRequest, m.Name)
		}
	}
	return nil
}

// spec builds one job. Components at the present year use historical
// scenarios so that identical present-day calculations share a cache key
// whatever future scenario was requested.
func (p *Planner) spec(req domain.ScenarioRequest, driver string, hazardYear, exposureYear int, measures []domain.MeasureRef) domain.JobSpec {
	s := domain.JobSpec{
		DriverLabel:        driver,
		HazardYear:         hazardYear,
		ExposureYear:       exposureYear,
		Measures:           measures,
		HazardType:         req.HazardType,
		ExposureType:       req.ExposureType,
		ImpactType:         req.ImpactType,
		Location:           req.Location,
		ScenarioName:       req.ScenarioName,
		ScenarioGrowth:     req.ScenarioGrowth,
		ScenarioClimate:    req.ScenarioClimate,
		ReturnPeriods:      slices.Clone(req.ReturnPeriods),
		SaveFrequencyCurve: req.SaveFrequencyCurve,
	}
	if hazardYear == p.presentYear {
		s.ScenarioClimate = domain.ScenarioHistorical
	}
	if exposureYear == p.presentYear {
		s.ScenarioGrowth = domain.ScenarioHistorical
	}
	if hazardYear == p.presentYear && exposureYear == p.presentYear {
		s.ScenarioName = domain.ScenarioHistorical
	}
	return s
}

func (p *Planner) context(kind domain.ReportKind, req domain.ScenarioRequest) domain.AggregationContext {
	return domain.AggregationContext{
		Kind:               kind,
		PresentYear:        p.presentYear,
		TargetYear:         req.TargetYear,
		ScenarioName:       req.ScenarioName,
		HazardType:         req.HazardType,
		ReturnPeriods:      slices.Clone(req.ReturnPeriods),
		Units:              req.UnitsResponse,
		SaveFrequencyCurve: req.SaveFrequencyCurve,
	}
}

// timelineYears returns the sorted, distinct scenario years not before the
// present, always including the present year.
func (p *Planner) timelineYears(h domain.HazardType) []int {
	years := []int{p.presentYear}
	if p.years != nil {
		for _, y := range p.years.Years(h) {
			if y >= p.presentYear {
				years = append(years, y)
			}
		}
	}
	slices.Sort(years)
	return slices.Compact(years)
}

func timelineDriver(hazardYear, exposureYear int) string {
	return fmt.Sprintf("%shazard %d exposure %d", domain.DriverTimelinePrefix, hazardYear, exposureYear)
}

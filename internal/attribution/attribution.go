// Package attribution recombines per-scenario impacts into additive
// breakdowns. Every component is a difference of two computed scenario
// outputs, so the breakdown sums exactly to the scenario it decomposes.
package attribution

import (
	"fmt"
	"slices"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"gonum.org/v1/gonum/floats"
)

// Aggregate builds the report for the plan kind in actx. results must be in
// the same order as specs.
func Aggregate(results []domain.ImpactResult, specs []domain.JobSpec, actx domain.AggregationContext) (domain.Report, error) {
	switch actx.Kind {
	case domain.ReportCostBenefit:
		attributions, err := CostBenefit(results, specs, actx)
		if err != nil {
			return domain.Report{}, err
		}
		return domain.Report{Kind: actx.Kind, Attributions: attributions}, nil
	case domain.ReportTimeline:
		timelines, err := Timeline(results, specs, actx)
		if err != nil {
			return domain.Report{}, err
		}
		return domain.Report{Kind: actx.Kind, Timelines: timelines}, nil
	default:
		return domain.Report{}, fmt.Errorf("unknown report kind %q", actx.Kind)
	}
}

// CostBenefit returns one AttributionResult per requested return period.
func CostBenefit(results []domain.ImpactResult, specs []domain.JobSpec, actx domain.AggregationContext) ([]domain.AttributionResult, error) {
	t, err := newTable(results, specs, actx)
	if err != nil {
		return nil, err
	}
	present, target := actx.PresentYear, actx.TargetYear

	current, err := t.find(present, present)
	if err != nil {
		return nil, err
	}
	growthOnly, future := current, current
	if target != present {
		if growthOnly, err = t.find(present, target); err != nil {
			return nil, err
		}
		if future, err = t.find(target, target); err != nil {
			return nil, err
		}
	}

	growthChange := sub(growthOnly.values, current.values)
	climateChange := sub(future.values, growthOnly.values)

	type measureRow struct {
		ref    domain.MeasureRef
		values []float64
		change []float64
	}
	var measures []measureRow
	for _, r := range t.rows {
		if r.measure == nil {
			continue
		}
		if r.spec.HazardYear != target || r.spec.ExposureYear != target {
			return nil, fmt.Errorf("measure job %q is not at the target year %d", r.spec.DriverLabel, target)
		}
		measures = append(measures, measureRow{
			ref:    *r.measure,
			values: r.values,
			change: sub(r.values, future.values),
		})
	}

	var curve *domain.ExceedanceCurve
	if actx.SaveFrequencyCurve && future.curve != nil {
		trimmed := TrimExceedanceCurve(*future.curve)
		curve = &trimmed
	}

	out := make([]domain.AttributionResult, len(actx.ReturnPeriods))
	for j, rp := range actx.ReturnPeriods {
		res := domain.AttributionResult{
			Year:            target,
			PresentYear:     present,
			ScenarioName:    actx.ScenarioName,
			HazardType:      actx.HazardType,
			ReturnPeriod:    rp,
			Units:           actx.Units,
			Current:         current.values[j],
			GrowthChange:    growthChange[j],
			ClimateChange:   climateChange[j],
			Future:          future.values[j],
			ExceedanceCurve: curve,
		}
		for _, m := range measures {
			res.Measures = append(res.Measures, measureAttribution(m.ref, m.values[j], m.change[j],
				current.values[j], future.values[j], present, target))
		}
		out[j] = res
	}
	return out, nil
}

// measureAttribution prices one measure at one return period. The measure
// is only modelled at the target year; its present-day benefit is assumed to
// scale with risk, and total benefit is the trapezoid across the window.
func measureAttribution(m domain.MeasureRef, withMeasure, change, current, future float64, present, target int) domain.MeasureAttribution {
	benefitFuture := -change
	benefitPresent := 0.0
	if future != 0 {
		benefitPresent = benefitFuture * current / future
	}
	total := 0.5 * (benefitPresent + benefitFuture) * float64(target-present)
	ratio := 0.0
	if m.Cost != 0 {
		ratio = total / m.Cost
	}

	return domain.MeasureAttribution{
		Name:             m.Name,
		Change:           change,
		WithMeasure:      withMeasure,
		Cost:             m.Cost,
		CostCurrency:     m.CostCurrency,
		BenefitPerYear:   benefitFuture,
		TotalBenefit:     total,
		CostBenefitRatio: ratio,
	}
}

// Timeline returns one Timeline per requested return period, with one bar
// per scenario year in ascending order.
func Timeline(results []domain.ImpactResult, specs []domain.JobSpec, actx domain.AggregationContext) ([]domain.Timeline, error) {
	t, err := newTable(results, specs, actx)
	if err != nil {
		return nil, err
	}
	present := actx.PresentYear

	current, err := t.find(present, present)
	if err != nil {
		return nil, err
	}

	var years []int
	for _, r := range t.rows {
		years = append(years, r.spec.ExposureYear)
	}
	slices.Sort(years)
	years = slices.Compact(years)

	out := make([]domain.Timeline, len(actx.ReturnPeriods))
	for j, rp := range actx.ReturnPeriods {
		out[j] = domain.Timeline{
			ScenarioName: actx.ScenarioName,
			HazardType:   actx.HazardType,
			ReturnPeriod: rp,
			Units:        actx.Units,
			Bars:         make([]domain.TimelineBar, 0, len(years)),
		}
	}

	for _, y := range years {
		growthOnly, future := current, current
		if y != present {
			if growthOnly, err = t.find(present, y); err != nil {
				return nil, err
			}
			if future, err = t.find(y, y); err != nil {
				return nil, err
			}
		}
		growthChange := sub(growthOnly.values, current.values)
		climateChange := sub(future.values, growthOnly.values)
		for j := range actx.ReturnPeriods {
			out[j].Bars = append(out[j].Bars, domain.TimelineBar{
				Year:          y,
				Current:       current.values[j],
				GrowthChange:  growthChange[j],
				ClimateChange: climateChange[j],
				Future:        future.values[j],
			})
		}
	}
	return out, nil
}

// TrimExceedanceCurve drops the leading run of zero impacts, keeping the
// last zero before the first non-zero impact, and any return period of one
// year or less. An all-zero curve trims to empty.
func TrimExceedanceCurve(c domain.ExceedanceCurve) domain.ExceedanceCurve {
	n := min(len(c.ReturnPeriods), len(c.Impacts))
	first := -1
	for i := range n {
		if c.Impacts[i] != 0 {
			first = i
			break
		}
	}
	out := domain.ExceedanceCurve{ReturnPeriods: []float64{}, Impacts: []float64{}}
	if first < 0 {
		return out
	}
	for i := max(first-1, 0); i < n; i++ {
		if c.ReturnPeriods[i] > 1 {
			out.ReturnPeriods = append(out.ReturnPeriods, c.ReturnPeriods[i])
			out.Impacts = append(out.Impacts, c.Impacts[i])
		}
	}
	return out
}

type row struct {
	spec    domain.JobSpec
	measure *domain.MeasureRef
	values  []float64
	curve   *domain.ExceedanceCurve
}

type table struct {
	rows []row
}

func newTable(results []domain.ImpactResult, specs []domain.JobSpec, actx domain.AggregationContext) (*table, error) {
	if len(results) != len(specs) {
		return nil, &domain.AggregationArityError{Results: len(results), Specs: len(specs)}
	}
	if actx.Units != domain.UnitsDollars && actx.Units != domain.UnitsPeople {
		return nil, fmt.Errorf("%w: units must be %s or %s, got %q",
			domain.ErrInvalidRequest, domain.UnitsDollars, domain.UnitsPeople, actx.Units)
	}

	t := &table{rows: make([]row, len(specs))}
	for i, spec := range specs {
		locs := results[i].Locations
		if len(locs) != 1 {
			return nil, &domain.AmbiguousLocationError{Driver: spec.DriverLabel, Locations: len(locs)}
		}
		if len(locs[0].Values) != len(actx.ReturnPeriods) {
			return nil, fmt.Errorf("impact for %q has %d values for %d return periods",
				spec.DriverLabel, len(locs[0].Values), len(actx.ReturnPeriods))
		}
		if len(spec.Measures) > 1 {
			return nil, fmt.Errorf("job %q applies %d measures, combined measures are not supported",
				spec.DriverLabel, len(spec.Measures))
		}
		r := row{spec: spec, values: locs[0].Values, curve: locs[0].FrequencyCurve}
		if spec.HasMeasures() {
			r.measure = &spec.Measures[0]
		}
		t.rows[i] = r
	}
	return t, nil
}

// find returns the measure-free row at the given years.
func (t *table) find(hazardYear, exposureYear int) (row, error) {
	for _, r := range t.rows {
		if r.measure == nil && r.spec.HazardYear == hazardYear && r.spec.ExposureYear == exposureYear {
			return r, nil
		}
	}
	return row{}, fmt.Errorf("no job without measures for hazard year %d and exposure year %d", hazardYear, exposureYear)
}

func sub(a, b []float64) []float64 {
	dst := make([]float64, len(a))
	floats.SubTo(dst, a, b)
	return dst
}

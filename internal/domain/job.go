package domain

import "context"

// Driver labels used for traceability. Attribution logic reads the numeric
// year and measure fields, never the label.
const (
	DriverBaseline       = "baseline"
	DriverGrowth         = "baseline+growth"
	DriverGrowthClimate  = "baseline+growth+climate"
	driverMeasurePrefix  = "with measure "
	DriverTimelinePrefix = "timeline "
)

// DriverWithMeasure returns the label of the job isolating measure name.
func DriverWithMeasure(name string) string { return driverMeasurePrefix + name }

// JobSpec is one independent scenario calculation. Specs are values and are
// never mutated after planning.
type JobSpec struct {
	DriverLabel string `json:"driver"`

	HazardYear   int          `json:"hazard_year"`
	ExposureYear int          `json:"exposure_year"`
	Measures     []MeasureRef `json:"measures,omitempty"`

	HazardType      HazardType     `json:"hazard_type"`
	ExposureType    string         `json:"exposure_type"`
	ImpactType      string         `json:"impact_type"`
	Location        Location       `json:"location"`
	ScenarioName    string         `json:"scenario_name"`
	ScenarioGrowth  string         `json:"scenario_growth"`
	ScenarioClimate string         `json:"scenario_climate"`
	ReturnPeriods   []ReturnPeriod `json:"return_periods"`

	SaveFrequencyCurve bool `json:"save_frequency_curve,omitempty"`
}

// HasMeasures reports whether the job applies an adaptation measure.
func (s JobSpec) HasMeasures() bool { return len(s.Measures) > 0 }

func (s JobSpec) measureTransforms() []MeasureTransform {
	if !s.HasMeasures() {
		return nil
	}
	out := make([]MeasureTransform, len(s.Measures))
	for i, m := range s.Measures {
		out[i] = m.Transform()
	}
	return out
}

// ImpactRequest returns the model boundary call for this job. The driver
// label and measure pricing are dropped so that identical scenarios from
// different plans share a cache key.
func (s JobSpec) ImpactRequest() ImpactRequest {
	return ImpactRequest{
		Country:            s.Location.CountryISO3,
		LocationPoly:       s.Location.Poly,
		HazardType:         s.HazardType,
		ExposureType:       s.ExposureType,
		ImpactType:         s.ImpactType,
		ScenarioName:       s.ScenarioName,
		ScenarioGrowth:     s.ScenarioGrowth,
		ScenarioClimate:    s.ScenarioClimate,
		HazardYear:         s.HazardYear,
		ExposureYear:       s.ExposureYear,
		Measures:           s.measureTransforms(),
		ReturnPeriods:      s.ReturnPeriods,
		AggregationScale:   "all",
		SaveFrequencyCurve: s.SaveFrequencyCurve,
	}
}

// ImpactRequest is the argument set of the physical model boundary.
type ImpactRequest struct {
	Country            string             `json:"country"`
	LocationPoly       string             `json:"location_poly,omitempty"`
	HazardType         HazardType         `json:"hazard_type"`
	ExposureType       string             `json:"exposure_type"`
	ImpactType         string             `json:"impact_type"`
	ScenarioName       string             `json:"scenario_name"`
	ScenarioGrowth     string             `json:"scenario_growth"`
	ScenarioClimate    string             `json:"scenario_climate"`
	HazardYear         int                `json:"hazard_year"`
	ExposureYear       int                `json:"exposure_year"`
	Measures           []MeasureTransform `json:"measures,omitempty"`
	ReturnPeriods      []ReturnPeriod     `json:"return_periods"`
	AggregationScale   string             `json:"aggregation_scale"`
	SaveFrequencyCurve bool               `json:"save_frequency_curve"`
}

// ExceedanceCurve pairs return periods with the impact exceeded at each.
type ExceedanceCurve struct {
	ReturnPeriods []float64 `json:"return_per"`
	Impacts       []float64 `json:"impact"`
}

// LocationImpact is the model output at one location.
type LocationImpact struct {
	Lat            float64          `json:"lat"`
	Lon            float64          `json:"lon"`
	Values         []float64        `json:"value"` // aligned with the request's return periods
	TotalFrequency float64          `json:"total_freq"`
	MeanImpact     float64          `json:"mean_imp"`
	FrequencyCurve *ExceedanceCurve `json:"freq_curve,omitempty"`
}

// ImpactResult is the model output for one job.
type ImpactResult struct {
	Locations []LocationImpact `json:"locations"`
}

// ImpactModel is the physical hazard/exposure/impact calculation. It may be
// slow and may fail; it must be deterministic for a given request.
type ImpactModel interface {
	ComputeImpact(ctx context.Context, req ImpactRequest) (ImpactResult, error)
}

// AggregationContext is what the fan-in step needs, besides the job specs, to
// recombine per-job results.
type AggregationContext struct {
	Kind          ReportKind     `json:"kind"`
	PresentYear   int            `json:"present_year"`
	TargetYear    int            `json:"target_year"`
	ScenarioName  string         `json:"scenario_name"`
	HazardType    HazardType     `json:"hazard_type"`
	ReturnPeriods []ReturnPeriod `json:"return_periods"`
	Units         string         `json:"units"`

	SaveFrequencyCurve bool `json:"save_frequency_curve,omitempty"`
}

// Package domain models climate risk attribution requests, the scenario jobs
// they decompose into, and the attribution results recombined from them.
//
// # Attribution by isolation
//
// A future risk value is split into additive components by computing a small
// set of scenarios, each changing exactly one driver relative to the last:
//
//	baseline                  hazard=present  exposure=present  measures=none
//	baseline+growth           hazard=present  exposure=target   measures=none
//	baseline+growth+climate   hazard=target   exposure=target   measures=none
//	with measure <name>       hazard=target   exposure=target   measures=[name]
//
// The components are plain differences of those scenario outputs:
//
//	growth_change  = baseline+growth - baseline
//	climate_change = baseline+growth+climate - baseline+growth
//	measure_change = with measure - baseline+growth+climate
//
// so current + growth_change + climate_change equals the future value
// exactly, and future + measure_change equals the with-measure value. A
// measure that reduces risk has a negative measure_change.
//
// When the target year equals the present year the growth and climate
// scenarios are not computed; both changes are zero and the future value is
// the baseline.
//
// # Return periods
//
// Every scenario is computed once for all requested return periods. A return
// period is either a recurrence interval in years ("10", "100") or "aai", the
// average annual impact. Values in an [ImpactResult] are aligned with the
// return periods of the [JobSpec] that produced them, and attribution yields
// one [AttributionResult] per return period.
//
// # Cost-benefit
//
// The yearly benefit of a measure is -measure_change. The total benefit over
// the planning window is a trapezoid between the present and target years
// with no discounting:
//
//	total_benefit = 0.5 * (benefit_present + benefit_future) * years
//
// benefit_present is benefit_future scaled by current/future risk, since the
// measure is only modelled at the target year.
//
// # Measures
//
// Measures transform hazard intensity (multiplier and constant), cut off
// hazard intensity or event frequency, and carry a cost. Partial coverage or
// effectiveness (anything other than 100 percent) is not modelled and is
// rejected before any computation is dispatched.
package domain

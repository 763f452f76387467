package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest marks validation failures surfaced to the caller.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCacheCorruption marks a Ready cache entry whose payload is gone.
	// It is recovered locally by recomputing.
	ErrCacheCorruption = errors.New("cache entry is ready but its payload is missing")

	// ErrCacheMiss is returned under the fail-missing cache policy.
	ErrCacheMiss = errors.New("cache miss")

	// ErrJobNotFound is returned when polling an unknown or expired job.
	ErrJobNotFound = errors.New("job not found")
)

// ComputeError wraps a failure of a cached computation. The cache entry has
// already been removed when this is returned.
type ComputeError struct {
	Identity string
	Key      string
	Err      error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %s (%s): %v", e.Identity, e.Key, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// AggregationArityError is returned when results and specs differ in length.
type AggregationArityError struct {
	Results int
	Specs   int
}

func (e *AggregationArityError) Error() string {
	return fmt.Sprintf("impacts and job specs are not the same length: %d vs %d", e.Results, e.Specs)
}

// AmbiguousLocationError is returned when a job result spans several locations.
type AmbiguousLocationError struct {
	Driver    string
	Locations int
}

func (e *AmbiguousLocationError) Error() string {
	return fmt.Sprintf("impact for %q has %d locations, expected exactly one", e.Driver, e.Locations)
}

// UnsupportedMeasureConfigurationError rejects measures the model cannot apply.
type UnsupportedMeasureConfigurationError struct {
	Measure string
	Field   string
	Value   float64
}

func (e *UnsupportedMeasureConfigurationError) Error() string {
	return fmt.Sprintf("measure %q: %s of %g%% is not supported, only 100%%", e.Measure, e.Field, e.Value)
}

// Is lets callers match validation failures with ErrInvalidRequest.
func (e *UnsupportedMeasureConfigurationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// StaleLockTimeoutError is returned when a cache waiter gives up on a lock
// that never became ready nor expired.
type StaleLockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *StaleLockTimeoutError) Error() string {
	return fmt.Sprintf("cache key %s still locked after %s", e.Key, e.Waited)
}

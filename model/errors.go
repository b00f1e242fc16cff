package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrZeroDensity is returned when the h-function vanishes at a state whose
	// weight is needed. It usually means the truncation size is too small.
	ErrZeroDensity = errors.New("h-function is zero at a visited state; increase the truncation size")

	// ErrStaleSolution is returned when an eigen solution is used with
	// parameters other than the ones it was solved for.
	ErrStaleSolution = errors.New("eigen solution does not match the model parameters; solve again")
)

// ParamError reports an invalid model parameter.
type ParamError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// InfeasibleTiltError is returned when the tilt search cannot find θ with
// Λ'(θ) close enough to the threshold inside the searched bracket.
type InfeasibleTiltError struct {
	Threshold float64
	Low       float64
	High      float64
	GLow      float64 // Λ'(Low) - a
	GHigh     float64 // Λ'(High) - a
	Residual  float64 // |Λ'(θ) - a| at the best candidate
	Log       []string
}

func (e *InfeasibleTiltError) Error() string {
	return fmt.Sprintf(
		"no feasible tilt for threshold %.4g in [%.4g, %.4g]: g(low)=%.4g, g(high)=%.4g, residual=%.4g; increase the truncation size or lower the threshold",
		e.Threshold, e.Low, e.High, e.GLow, e.GHigh, e.Residual,
	)
}

// Diagnostics returns the solver log collected before the failure.
func (e *InfeasibleTiltError) Diagnostics() string {
	return strings.Join(e.Log, "\n")
}

// DegenerateNormalizationError is returned when the twisted transition row
// for a state cannot be normalized.
type DegenerateNormalizationError struct {
	Step   int
	State  int
	Lambda float64
	Sum    float64
}

func (e *DegenerateNormalizationError) Error() string {
	return fmt.Sprintf("twisted row normalizer is %v at step %d (state %d, lambda %.4g)", e.Sum, e.Step, e.State, e.Lambda)
}

// IntensityOverflowError is returned when a natural path leaves the range of
// intensities the sampler can draw from, as an explosive chain (β1 >= 1)
// eventually does.
type IntensityOverflowError struct {
	Step   int
	State  int
	Lambda float64
	Limit  float64
}

func (e *IntensityOverflowError) Error() string {
	return fmt.Sprintf("intensity %.4g at step %d (state %d) exceeds %.4g; shorten the path or lower beta1", e.Lambda, e.Step, e.State, e.Limit)
}

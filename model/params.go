// Package model holds the value types shared by the rare-event engine: model
// parameters, trajectories, batch results and the error taxonomy.
//
// The process under study is the lag-1 Poisson autoregression
//
//	X_t ~ Poisson(λ_t),  λ_t = β0 + β1·X_{t-1}
//
// and the rare event is {S_n/n > a} where S_n = X_1 + ... + X_n.
package model

import "math"

// Params describes one experiment run. Values are passed by copy and never
// mutated by the engine.
type Params struct {
	Beta0        float64 `json:"beta0" yaml:"beta0"`                 // intercept
	Beta1        float64 `json:"beta1" yaml:"beta1"`                 // feedback coefficient
	Steps        int     `json:"steps" yaml:"steps"`                 // path length n
	InitialState int     `json:"initial_state" yaml:"initial_state"` // X_0
	Threshold    float64 `json:"threshold" yaml:"threshold"`         // level a for S_n/n > a
	Trials       int     `json:"trials" yaml:"trials"`               // batch size M
}

// DefaultParams returns the reference experiment: a moderately rare
// excursion of the running mean to 6 for a chain with stationary mean 4.
func DefaultParams() Params {
	return Params{
		Beta0:        2,
		Beta1:        0.5,
		Steps:        100,
		InitialState: 1,
		Threshold:    6,
		Trials:       2000,
	}
}

// Validate checks the parameter domain.
func (p Params) Validate() error {
	switch {
	case math.IsNaN(p.Beta0) || math.IsInf(p.Beta0, 0) || p.Beta0 < 0:
		return &ParamError{Field: "beta0", Value: p.Beta0, Reason: "must be a finite non-negative number"}
	case math.IsNaN(p.Beta1) || math.IsInf(p.Beta1, 0) || p.Beta1 < 0:
		return &ParamError{Field: "beta1", Value: p.Beta1, Reason: "must be a finite non-negative number"}
	case p.Steps < 1:
		return &ParamError{Field: "steps", Value: float64(p.Steps), Reason: "must be at least 1"}
	case p.InitialState < 0:
		return &ParamError{Field: "initial_state", Value: float64(p.InitialState), Reason: "must be non-negative"}
	case math.IsNaN(p.Threshold) || math.IsInf(p.Threshold, 0):
		return &ParamError{Field: "threshold", Value: p.Threshold, Reason: "must be finite"}
	case p.Trials < 1:
		return &ParamError{Field: "trials", Value: float64(p.Trials), Reason: "must be at least 1"}
	}
	return nil
}

// Intensity returns λ = β0 + β1·x for the given state.
func (p Params) Intensity(x int) float64 {
	return p.Beta0 + p.Beta1*float64(x)
}

// StationaryMean returns β0/(1-β1), the long-run mean of the untilted chain.
// It is +Inf when β1 >= 1 (no stationary regime).
func (p Params) StationaryMean() float64 {
	if p.Beta1 >= 1 {
		return math.Inf(1)
	}
	return p.Beta0 / (1 - p.Beta1)
}

// Hit reports whether a path sum over the configured number of steps lies in
// the rare-event set S_n/n > a.
func (p Params) Hit(sum int) bool {
	return float64(sum)/float64(p.Steps) > p.Threshold
}

package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/n0madic/go-rare-event-is/kernel"
	"github.com/n0madic/go-rare-event-is/model"
)

// Tilt is a solved (θ*, ρ, h) triple on a truncated state space of size
// len(H).
type Tilt struct {
	Theta float64
	Rho   float64
	H     []float64
}

// N returns the truncation size.
func (t Tilt) N() int {
	return len(t.H)
}

// Validate checks that the tilt can drive a twisted walk.
func (t Tilt) Validate() error {
	if len(t.H) < 2 {
		return fmt.Errorf("h-function needs at least 2 states, got %d", len(t.H))
	}
	if !(t.Rho > 0) || math.IsInf(t.Rho, 0) {
		return fmt.Errorf("rho must be positive and finite, got %v", t.Rho)
	}
	if math.IsNaN(t.Theta) || math.IsInf(t.Theta, 0) {
		return fmt.Errorf("theta must be finite, got %v", t.Theta)
	}
	for i, h := range t.H {
		if h < 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			return fmt.Errorf("h[%d] = %v is not finite non-negative", i, h)
		}
	}
	return nil
}

// HAt returns h(x). States at or beyond the truncation boundary read
// h(N-1); negative states read 0.
func (t Tilt) HAt(x int) float64 {
	switch {
	case x < 0:
		return 0
	case x >= len(t.H):
		return t.H[len(t.H)-1]
	default:
		return t.H[x]
	}
}

type twistedRow struct {
	q   []float64 // unnormalized q(y) = pmf(y, λ)·e^(θy)·h(y)
	sum float64
}

// TwistedStepper draws X_t from q(y | x) ∝ pmf(y, λ_x)·e^(θy)·h(y) over
// 0..N-1 and reports the log-likelihood ratio
// log ρ + log h(x) − θ·y − log h(y) of each transition.
//
// Rows are built on first use per state and cached; the stepper is not safe
// for concurrent use.
type TwistedStepper struct {
	params  model.Params
	tilt    Tilt
	table   *kernel.FactorialTable
	weights []float64 // e^(θy)·h(y)
	logRho  float64
	rows    []*twistedRow
	scratch []float64
}

// NewTwisted prepares the twisted strategy. A nil table uses kernel.Default.
func NewTwisted(p model.Params, tilt Tilt, table *kernel.FactorialTable) (*TwistedStepper, error) {
	if err := tilt.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		table = kernel.Default
	}
	n := tilt.N()
	table.Precompute(n)

	weights := make([]float64, n)
	for y := range weights {
		weights[y] = math.Exp(tilt.Theta*float64(y)) * tilt.H[y]
	}
	return &TwistedStepper{
		params:  p,
		tilt:    tilt,
		table:   table,
		weights: weights,
		logRho:  math.Log(tilt.Rho),
		rows:    make([]*twistedRow, n),
		scratch: make([]float64, n),
	}, nil
}

func (s *TwistedStepper) Measure() model.Measure { return model.Twisted }

func (s *TwistedStepper) row(x int, lambda float64) *twistedRow {
	if x >= 0 && x < len(s.rows) && s.rows[x] != nil {
		return s.rows[x]
	}
	var q []float64
	if x >= 0 && x < len(s.rows) {
		q = make([]float64, len(s.weights))
	} else {
		q = s.scratch
	}
	s.table.Row(lambda, len(s.weights), q)
	sum, c := 0.0, 0.0
	for y := range q {
		q[y] *= s.weights[y]
		// Kahan summation
		v := q[y] - c
		tt := sum + v
		c = (tt - sum) - v
		sum = tt
	}
	r := &twistedRow{q: q, sum: sum}
	if x >= 0 && x < len(s.rows) {
		s.rows[x] = r
	}
	return r
}

func (s *TwistedStepper) Step(rng *rand.Rand, t, x int) (int, float64, float64, error) {
	lambda := s.params.Intensity(x)
	hx := s.tilt.HAt(x)
	if !(hx > 0) {
		return 0, lambda, 0, fmt.Errorf("step %d, state %d: %w", t, x, model.ErrZeroDensity)
	}

	r := s.row(x, lambda)
	if !(r.sum > 0) || math.IsInf(r.sum, 0) {
		return 0, lambda, 0, &model.DegenerateNormalizationError{Step: t, State: x, Lambda: lambda, Sum: r.sum}
	}

	y := quantile(r.q, rng.Float64()*r.sum)
	hy := s.tilt.H[y]
	if !(hy > 0) {
		return 0, lambda, 0, fmt.Errorf("step %d, state %d: %w", t, y, model.ErrZeroDensity)
	}
	logRatio := s.logRho + math.Log(hx) - s.tilt.Theta*float64(y) - math.Log(hy)
	return y, lambda, logRatio, nil
}

// quantile returns the first index whose Kahan-summed cumulative mass reaches
// u, falling back to the last index with positive mass.
func quantile(q []float64, u float64) int {
	sum, c := 0.0, 0.0
	lastPositive := -1
	for i, p := range q {
		v := p - c
		tt := sum + v
		c = (tt - sum) - v
		sum = tt
		if p > 0 {
			lastPositive = i
			if u <= sum {
				return i
			}
		}
	}
	if lastPositive >= 0 {
		return lastPositive
	}
	return 0
}

// IsDegenerate reports whether err came from an unusable twisted row.
func IsDegenerate(err error) bool {
	var de *model.DegenerateNormalizationError
	return errors.As(err, &de) || errors.Is(err, model.ErrZeroDensity)
}

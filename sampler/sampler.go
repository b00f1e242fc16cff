// Package sampler draws paths of the Poisson autoregression under the natural
// measure or under the Doob-h twisted measure built from a solved tilt.
package sampler

import (
	"context"
	"math"
	"math/rand"

	"github.com/n0madic/go-rare-event-is/model"
)

// Stepper draws X_t given X_{t-1}. Implementations keep scratch buffers and
// must not be shared between goroutines.
type Stepper interface {
	Measure() model.Measure
	// Step returns the next state, the intensity used to draw it and the
	// log-likelihood-ratio increment log(dP/dQ) of the transition.
	Step(rng *rand.Rand, t, x int) (next int, lambda, logRatio float64, err error)
}

// Summary is what a walk leaves behind when points are not recorded.
type Summary struct {
	Sum                int
	LogLikelihoodRatio float64
}

// Mean returns S_n/n for a walk of the given length.
func (s Summary) Mean(steps int) float64 {
	return float64(s.Sum) / float64(steps)
}

// Walk runs params.Steps transitions from params.InitialState. visit, when not
// nil, receives every point in order with T starting at 1. The walk stops with
// ctx.Err() as soon as ctx is done.
func Walk(ctx context.Context, rng *rand.Rand, p model.Params, s Stepper, visit func(model.Point)) (Summary, error) {
	var sum Summary
	done := ctx.Done()
	x := p.InitialState
	for t := 1; t <= p.Steps; t++ {
		select {
		case <-done:
			return Summary{}, ctx.Err()
		default:
		}
		next, lambda, logRatio, err := s.Step(rng, t, x)
		if err != nil {
			return Summary{}, err
		}
		sum.Sum += next
		sum.LogLikelihoodRatio += logRatio
		if visit != nil {
			visit(model.Point{
				T:           t,
				X:           next,
				Lambda:      lambda,
				RunningMean: float64(sum.Sum) / float64(t),
			})
		}
		x = next
	}
	return sum, nil
}

// Sample runs a walk and records it as a Trajectory.
func Sample(ctx context.Context, rng *rand.Rand, p model.Params, s Stepper) (model.Trajectory, error) {
	points := make([]model.Point, 0, min(p.Steps, 1<<16))
	sum, err := Walk(ctx, rng, p, s, func(pt model.Point) {
		points = append(points, pt)
	})
	if err != nil {
		return model.Trajectory{}, err
	}
	return model.Trajectory{
		Measure:            s.Measure(),
		Points:             points,
		LogLikelihoodRatio: sum.LogLikelihoodRatio,
	}, nil
}

// Natural samples one path under the natural measure.
func Natural(ctx context.Context, rng *rand.Rand, p model.Params) (model.Trajectory, error) {
	return Sample(ctx, rng, p, NewNatural(p))
}

// Twisted samples one path under the twisted measure of tilt.
func Twisted(ctx context.Context, rng *rand.Rand, p model.Params, tilt Tilt) (model.Trajectory, error) {
	s, err := NewTwisted(p, tilt, nil)
	if err != nil {
		return model.Trajectory{}, err
	}
	return Sample(ctx, rng, p, s)
}

// MaxIntensity is the largest intensity the natural sampler draws from. A
// draw at this level costs about MaxIntensity uniforms.
const MaxIntensity = 1e6

// knuthLimit caps the intensity handled in one product-of-uniforms run so
// that e^(-λ) stays well inside float64 range.
const knuthLimit = 500.0

// Poisson draws from Poisson(lambda) by Knuth's product-of-uniforms method:
// multiply uniforms until the product falls below e^(-λ). Intensities above
// knuthLimit are split into equal chunks whose draws are summed. lambda is
// clamped to MaxIntensity.
func Poisson(rng *rand.Rand, lambda float64) int {
	if lambda <= 0 || math.IsNaN(lambda) {
		return 0
	}
	lambda = math.Min(lambda, MaxIntensity)
	if lambda > knuthLimit {
		chunks := int(math.Ceil(lambda / knuthLimit))
		part := lambda / float64(chunks)
		total := 0
		for range chunks {
			total += knuth(rng, part)
		}
		return total
	}
	return knuth(rng, lambda)
}

func knuth(rng *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= rng.Float64()
		if p <= limit {
			return k - 1
		}
	}
}

// NaturalStepper draws X_t ~ Poisson(β0 + β1·X_{t-1}).
type NaturalStepper struct {
	params model.Params
}

// NewNatural returns the natural-measure strategy.
func NewNatural(p model.Params) *NaturalStepper {
	return &NaturalStepper{params: p}
}

func (s *NaturalStepper) Measure() model.Measure { return model.Natural }

func (s *NaturalStepper) Step(rng *rand.Rand, t, x int) (int, float64, float64, error) {
	lambda := s.params.Intensity(x)
	if lambda > MaxIntensity {
		return 0, lambda, 0, &model.IntensityOverflowError{Step: t, State: x, Lambda: lambda, Limit: MaxIntensity}
	}
	return Poisson(rng, lambda), lambda, 0, nil
}

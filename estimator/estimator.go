// Package estimator runs batches of independent trajectories and turns them
// into rare-event probability estimates: the naive Monte Carlo hit rate and
// the importance-sampling estimator weighted by the Doob-h likelihood ratio.
//
// Trials are split into contiguous chunks, one per worker, and each worker
// owns its own random stream derived from the base seed. Partial sums are
// reduced in worker order, so a result depends only on the seed and the
// worker count.
package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/n0madic/go-rare-event-is/kernel"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/sampler"
	"golang.org/x/sync/errgroup"
)

// seedSpread separates the per-worker seeds.
const seedSpread = 1000

const (
	naiveStream int64 = iota
	twistedStream
)

// Recorder receives a summary of every finished batch.
type Recorder interface {
	RecordBatch(measure model.Measure, result model.BatchResult, elapsed time.Duration)
}

// Estimator runs naive and importance-sampled batches.
type Estimator struct {
	workers  int
	seed     int64
	logger   *slog.Logger
	table    *kernel.FactorialTable
	recorder Recorder
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithWorkers sets the number of parallel workers (GOMAXPROCS by default).
func WithWorkers(n int) Option {
	return func(e *Estimator) {
		e.workers = n
	}
}

// WithSeed sets the base random seed. Zero picks a time-based seed.
func WithSeed(seed int64) Option {
	return func(e *Estimator) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		e.seed = seed
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) {
		e.logger = l
	}
}

// WithTable sets the factorial table shared by twisted steppers.
func WithTable(t *kernel.FactorialTable) Option {
	return func(e *Estimator) {
		e.table = t
	}
}

// WithRecorder installs a batch recorder, e.g. metrics.
func WithRecorder(r Recorder) Option {
	return func(e *Estimator) {
		e.recorder = r
	}
}

// New creates an Estimator.
func New(options ...Option) *Estimator {
	e := &Estimator{
		workers: runtime.GOMAXPROCS(0),
		seed:    time.Now().UnixNano(),
		logger:  slog.Default(),
		table:   kernel.Default,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.table == nil {
		e.table = kernel.Default
	}
	return e
}

// Seed returns the base seed.
func (e *Estimator) Seed() int64 {
	return e.seed
}

// tally holds one worker's partial sums.
type tally struct {
	trials int
	hits   int
	sumL   float64 // Σ L·1{hit}
	sumL2  float64 // Σ L²·1{hit}
	sumAll float64 // Σ L over all trials
}

func (t *tally) add(o tally) {
	t.trials += o.trials
	t.hits += o.hits
	t.sumL += o.sumL
	t.sumL2 += o.sumL2
	t.sumAll += o.sumAll
}

// chunks splits m trials into at most w contiguous, near-equal parts.
func chunks(m, w int) []int {
	if w > m {
		w = m
	}
	sizes := make([]int, w)
	for i := range sizes {
		sizes[i] = m / w
		if i < m%w {
			sizes[i]++
		}
	}
	return sizes
}

func (e *Estimator) run(ctx context.Context, p model.Params, stream int64, newStepper func() (sampler.Stepper, error)) (tally, error) {
	sizes := chunks(p.Trials, e.workers)
	parts := make([]tally, len(sizes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range sizes {
		stepper, err := newStepper()
		if err != nil {
			return tally{}, err
		}
		rng := rand.New(rand.NewSource(e.seed + int64(i)*seedSpread + stream))
		g.Go(func() error {
			part := tally{}
			for range n {
				if err := gctx.Err(); err != nil {
					return err
				}
				sum, err := sampler.Walk(gctx, rng, p, stepper, nil)
				if err != nil {
					return err
				}
				l := math.Exp(sum.LogLikelihoodRatio)
				part.trials++
				part.sumAll += l
				if p.Hit(sum.Sum) {
					part.hits++
					part.sumL += l
					part.sumL2 += l * l
				}
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tally{}, err
	}

	var total tally
	for _, part := range parts {
		total.add(part)
	}
	return total, nil
}

// Naive estimates P(S_n/n > a) by the hit rate under the natural measure.
// The variance is the Bernoulli proportion variance p(1-p)/M.
func (e *Estimator) Naive(ctx context.Context, p model.Params) (model.BatchResult, error) {
	if err := p.Validate(); err != nil {
		return model.BatchResult{}, err
	}
	start := time.Now()
	t, err := e.run(ctx, p, naiveStream, func() (sampler.Stepper, error) {
		return sampler.NewNatural(p), nil
	})
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("naive batch: %w", err)
	}

	m := float64(t.trials)
	prob := float64(t.hits) / m
	variance := prob * (1 - prob) / m
	res := model.BatchResult{
		EstimatedProbability: prob,
		Variance:             variance,
		ConfidenceInterval:   model.ConfidenceInterval95(prob, variance),
		TotalHits:            t.hits,
		Trials:               t.trials,
	}
	e.finish(ctx, model.Natural, res, time.Since(start))
	return res, nil
}

// ImportanceSampled estimates P(S_n/n > a) under the twisted measure of tilt,
// weighting every hit by its likelihood ratio L = exp(log dP/dQ). Trials that
// miss still count towards M.
func (e *Estimator) ImportanceSampled(ctx context.Context, p model.Params, tilt sampler.Tilt) (model.BatchResult, error) {
	if err := p.Validate(); err != nil {
		return model.BatchResult{}, err
	}
	if err := tilt.Validate(); err != nil {
		return model.BatchResult{}, err
	}
	e.table.Precompute(tilt.N())

	start := time.Now()
	t, err := e.run(ctx, p, twistedStream, func() (sampler.Stepper, error) {
		return sampler.NewTwisted(p, tilt, e.table)
	})
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("importance-sampled batch: %w", err)
	}

	m := float64(t.trials)
	prob := t.sumL / m
	sampleVar := math.Max(t.sumL2/m-prob*prob, 0)
	variance := sampleVar / m
	res := model.BatchResult{
		EstimatedProbability: prob,
		Variance:             variance,
		ConfidenceInterval:   model.ConfidenceInterval95(prob, variance),
		TotalHits:            t.hits,
		Trials:               t.trials,
		MeanLikelihoodRatio:  t.sumAll / m,
	}
	if t.sumL2 > 0 {
		res.EffectiveSampleSize = t.sumL * t.sumL / t.sumL2
	}
	e.finish(ctx, model.Twisted, res, time.Since(start))
	return res, nil
}

// Compare runs the naive and the importance-sampled batch for the same
// parameters.
func (e *Estimator) Compare(ctx context.Context, p model.Params, tilt sampler.Tilt) (model.Comparison, error) {
	naive, err := e.Naive(ctx, p)
	if err != nil {
		return model.Comparison{}, err
	}
	is, err := e.ImportanceSampled(ctx, p, tilt)
	if err != nil {
		return model.Comparison{}, err
	}
	return model.Comparison{Naive: naive, ImportanceSampled: is}, nil
}

func (e *Estimator) finish(ctx context.Context, m model.Measure, res model.BatchResult, elapsed time.Duration) {
	e.logger.InfoContext(ctx, "batch finished",
		"measure", m,
		"trials", res.Trials,
		"hits", res.TotalHits,
		"estimate", res.EstimatedProbability,
		"variance", res.Variance,
		"elapsed", elapsed,
	)
	if e.recorder != nil {
		e.recorder.RecordBatch(m, res, elapsed)
	}
}

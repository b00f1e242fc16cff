// Package engine is the public surface of the rare-event estimator. It ties
// the eigen solver, the tilt search, the path samplers and the batch
// estimator together behind four operations: Solve, SimulateNatural,
// SimulateTwisted and RunBatch, each with an asynchronous Task variant where
// the work is long-running.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/n0madic/go-rare-event-is/eigen"
	"github.com/n0madic/go-rare-event-is/estimator"
	"github.com/n0madic/go-rare-event-is/ldp"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/sampler"
)

// DefaultTruncation is the state-space size used when Solve is given n <= 0.
const DefaultTruncation = 50

// Recorder observes solves and batches, e.g. Prometheus metrics.
type Recorder interface {
	estimator.Recorder
	RecordSolve(sol Solution, elapsed time.Duration, err error)
}

// Fingerprint identifies the parameters a Solution was computed for.
type Fingerprint struct {
	Beta0     float64 `json:"beta0"`
	Beta1     float64 `json:"beta1"`
	Threshold float64 `json:"threshold"`
}

// FingerprintOf returns the fields of p that a Solution depends on.
func FingerprintOf(p model.Params) Fingerprint {
	return Fingerprint{Beta0: p.Beta0, Beta1: p.Beta1, Threshold: p.Threshold}
}

// Solution is the optimal tilt and the eigenpair at that tilt.
type Solution struct {
	Theta       float64     `json:"theta"`
	Rho         float64     `json:"rho"`
	H           []float64   `json:"h"`
	Log         []string    `json:"log"`
	N           int         `json:"n"`
	Residual    float64     `json:"residual"`
	Iterations  int         `json:"iterations"`
	Clamped     bool        `json:"clamped"`
	Expanded    bool        `json:"expanded"`
	Converged   bool        `json:"converged"` // power iteration met its tolerance at θ*
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Tilt returns the sampler view of the solution.
func (s Solution) Tilt() sampler.Tilt {
	return sampler.Tilt{Theta: s.Theta, Rho: s.Rho, H: s.H}
}

// Lambda returns the scaled cumulant log ρ at θ*.
func (s Solution) Lambda() float64 {
	return math.Log(s.Rho)
}

// Matches reports whether the solution was computed for p.
func (s Solution) Matches(p model.Params) bool {
	return s.Fingerprint == FingerprintOf(p) && len(s.H) == s.N && s.N >= 2
}

// Engine runs the estimator pipeline. It is safe for concurrent use.
type Engine struct {
	solver   *eigen.Solver
	search   []ldp.Option
	step     float64
	seed     int64
	workers  int
	logger   *slog.Logger
	recorder Recorder
	batch    *estimator.Estimator
}

// Option configures an Engine.
type Option func(*Engine)

// WithSolver sets the eigen solver.
func WithSolver(s *eigen.Solver) Option {
	return func(e *Engine) {
		e.solver = s
	}
}

// WithSearch passes options to the tilt root finder.
func WithSearch(options ...ldp.Option) Option {
	return func(e *Engine) {
		e.search = append(e.search, options...)
	}
}

// WithDerivativeStep sets the finite-difference step of Λ'.
func WithDerivativeStep(h float64) Option {
	return func(e *Engine) {
		e.step = h
	}
}

// WithSeed sets the base random seed. Zero picks a time-based seed.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		e.seed = seed
	}
}

// WithWorkers sets the number of batch workers.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRecorder installs an observer for solves and batches.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// New creates an Engine.
func New(options ...Option) *Engine {
	e := &Engine{
		step:    ldp.DefaultStep,
		seed:    time.Now().UnixNano(),
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.solver == nil {
		e.solver = eigen.NewSolver()
	}

	batchOpts := []estimator.Option{
		estimator.WithSeed(e.seed),
		estimator.WithWorkers(e.workers),
		estimator.WithLogger(e.logger),
		estimator.WithTable(e.solver.Table()),
	}
	if e.recorder != nil {
		batchOpts = append(batchOpts, estimator.WithRecorder(e.recorder))
	}
	e.batch = estimator.New(batchOpts...)
	return e
}

// Seed returns the base random seed.
func (e *Engine) Seed() int64 {
	return e.seed
}

// Solve finds θ* for p.Threshold on a truncation of size n and returns the
// eigenpair at θ*. An infeasible threshold yields *model.InfeasibleTiltError.
func (e *Engine) Solve(ctx context.Context, p model.Params, n int) (sol Solution, err error) {
	if n <= 0 {
		n = DefaultTruncation
	}
	start := time.Now()
	defer func() {
		if e.recorder != nil {
			e.recorder.RecordSolve(sol, time.Since(start), err)
		}
	}()

	if err := p.Validate(); err != nil {
		return Solution{}, err
	}

	cumulant := ldp.NewCumulant(e.solver, n, p.Beta0, p.Beta1, ldp.WithStep(e.step))
	options := append([]ldp.Option{ldp.WithLogger(e.logger)}, e.search...)
	res, err := ldp.NewRootFinder(cumulant, options...).Find(ctx, p.Threshold)
	if err != nil {
		return Solution{}, fmt.Errorf("tilt search: %w", err)
	}

	eig, err := e.solver.Solve(ctx, n, p.Beta0, p.Beta1, res.Theta)
	if err != nil {
		return Solution{}, fmt.Errorf("eigenpair at theta*=%v: %w", res.Theta, err)
	}

	lines := append([]string(nil), res.Log...)
	lines = append(lines, fmt.Sprintf("eigenpair at theta* = %.6f: rho = %.6f, Lambda = %.6f after %d sweeps",
		res.Theta, eig.Rho, math.Log(eig.Rho), eig.Iterations))
	if !eig.Converged {
		lines = append(lines, fmt.Sprintf("power iteration stopped at the sweep budget (%d)", eig.Iterations))
		e.logger.WarnContext(ctx, "power iteration did not converge", "theta", res.Theta, "sweeps", eig.Iterations)
	}

	sol = Solution{
		Theta:       res.Theta,
		Rho:         eig.Rho,
		H:           eig.H,
		Log:         lines,
		N:           n,
		Residual:    res.Residual,
		Iterations:  res.Iterations,
		Clamped:     res.Clamped,
		Expanded:    res.Expanded,
		Converged:   eig.Converged,
		Fingerprint: FingerprintOf(p),
	}
	e.logger.InfoContext(ctx, "tilt solved",
		"theta", sol.Theta,
		"rho", sol.Rho,
		"n", n,
		"clamped", sol.Clamped,
		"elapsed", time.Since(start),
	)
	return sol, nil
}

// SimulateNatural samples one path under the natural measure. The engine's
// seed fixes the path: repeated calls return the same trajectory.
func (e *Engine) SimulateNatural(ctx context.Context, p model.Params) (model.Trajectory, error) {
	if err := p.Validate(); err != nil {
		return model.Trajectory{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Trajectory{}, err
	}
	return sampler.Natural(ctx, e.rng(0), p)
}

// SimulateTwisted samples one path under the twisted measure of sol, which
// must have been solved for p.
func (e *Engine) SimulateTwisted(ctx context.Context, p model.Params, sol Solution) (model.Trajectory, error) {
	if err := e.check(p, sol); err != nil {
		return model.Trajectory{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Trajectory{}, err
	}
	stepper, err := sampler.NewTwisted(p, sol.Tilt(), e.solver.Table())
	if err != nil {
		return model.Trajectory{}, err
	}
	return sampler.Sample(ctx, e.rng(1), p, stepper)
}

// RunBatch runs the naive and the importance-sampled batch for p.
func (e *Engine) RunBatch(ctx context.Context, p model.Params, sol Solution) (model.Comparison, error) {
	if err := e.check(p, sol); err != nil {
		return model.Comparison{}, err
	}
	cmp, err := e.batch.Compare(ctx, p, sol.Tilt())
	if err != nil {
		return model.Comparison{}, err
	}
	a := cmp.Assess()
	e.logger.InfoContext(ctx, "batch compared",
		"naive", cmp.Naive.EstimatedProbability,
		"importance_sampled", cmp.ImportanceSampled.EstimatedProbability,
		"vrf", a.VRF,
		"efficiency", a.Efficiency,
	)
	return cmp, nil
}

// SolveAsync runs Solve in the background.
func (e *Engine) SolveAsync(ctx context.Context, p model.Params, n int) *Task[Solution] {
	return Start(ctx, func(ctx context.Context) (Solution, error) {
		return e.Solve(ctx, p, n)
	})
}

// RunBatchAsync runs RunBatch in the background.
func (e *Engine) RunBatchAsync(ctx context.Context, p model.Params, sol Solution) *Task[model.Comparison] {
	return Start(ctx, func(ctx context.Context) (model.Comparison, error) {
		return e.RunBatch(ctx, p, sol)
	})
}

func (e *Engine) check(p model.Params, sol Solution) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !sol.Matches(p) {
		return fmt.Errorf("solution for %+v (n=%d) used with %+v: %w", sol.Fingerprint, sol.N, FingerprintOf(p), model.ErrStaleSolution)
	}
	return nil
}

func (e *Engine) rng(stream int64) *rand.Rand {
	return rand.New(rand.NewSource(e.seed + stream))
}

package ldp

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/n0madic/go-rare-event-is/model"
)

// Bisection defaults. DefaultFailResidual is the largest |Λ'(θ) - a| accepted
// when the iteration budget runs out.
const (
	DefaultMaxIterations = 50
	DefaultTolerance     = 1e-5
	DefaultFailResidual  = 0.1
)

// Bracket is the initial search interval for θ* and the upper end it is
// widened to when the root is not bracketed. Expanded <= High disables
// widening.
type Bracket struct {
	Low      float64 `json:"low" yaml:"low"`
	High     float64 `json:"high" yaml:"high"`
	Expanded float64 `json:"expanded" yaml:"expanded"`
}

// DefaultBracket is [0, 2], widened to [0, 5].
func DefaultBracket() Bracket {
	return Bracket{Low: 0, High: 2, Expanded: 5}
}

// Result describes a solved tilt.
type Result struct {
	Theta      float64
	Residual   float64 // |Λ'(θ) − a|
	Iterations int
	Expanded   bool // search range was widened
	Clamped    bool // Λ'(Low) already met the target, θ = Low
	Converged  bool // residual fell below the tolerance
	Log        []string
}

// RootFinder bisects g(θ) = Λ'(θ) − a.
type RootFinder struct {
	cumulant     *Cumulant
	bracket      Bracket
	maxIter      int
	tol          float64
	failResidual float64
	logger       *slog.Logger
}

// Option configures a RootFinder.
type Option func(*RootFinder)

// WithBracket sets the search interval and its expansion.
func WithBracket(b Bracket) Option {
	return func(r *RootFinder) {
		r.bracket = b
	}
}

// WithMaxIterations sets the bisection budget.
func WithMaxIterations(n int) Option {
	return func(r *RootFinder) {
		r.maxIter = n
	}
}

// WithTolerance sets the residual under which bisection stops early.
func WithTolerance(tol float64) Option {
	return func(r *RootFinder) {
		r.tol = tol
	}
}

// WithFailResidual sets the residual above which the search fails.
func WithFailResidual(res float64) Option {
	return func(r *RootFinder) {
		r.failResidual = res
	}
}

// WithLogger sets the logger receiving the search diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *RootFinder) {
		r.logger = l
	}
}

// NewRootFinder creates a RootFinder over the given cumulant.
func NewRootFinder(c *Cumulant, options ...Option) *RootFinder {
	r := &RootFinder{
		cumulant:     c,
		bracket:      DefaultBracket(),
		maxIter:      DefaultMaxIterations,
		tol:          DefaultTolerance,
		failResidual: DefaultFailResidual,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

type searchLog struct {
	lines  []string
	logger *slog.Logger
}

func (l *searchLog) add(ctx context.Context, msg string, args ...any) {
	line := fmt.Sprintf(msg, args...)
	l.lines = append(l.lines, line)
	l.logger.DebugContext(ctx, line)
}

// Find returns θ* with Λ'(θ*) ≈ a.
//
// When Λ'(Low) already exceeds a the event is not rare under the natural
// measure and Low is returned with Clamped set. When the root cannot be
// located within the failure residual an *model.InfeasibleTiltError is
// returned.
func (r *RootFinder) Find(ctx context.Context, a float64) (Result, error) {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return Result{}, fmt.Errorf("threshold must be finite, got %v", a)
	}
	low, high := r.bracket.Low, r.bracket.High
	if !(low < high) {
		return Result{}, fmt.Errorf("invalid search bracket [%v, %v]", low, high)
	}

	trail := &searchLog{logger: r.logger}
	g := func(theta float64) (float64, error) {
		d, err := r.cumulant.Derivative(ctx, theta)
		if err != nil {
			return 0, err
		}
		return d - a, nil
	}

	trail.add(ctx, "searching theta with Lambda'(theta) = %.4f on [%.4g, %.4g]", a, low, high)

	gLow, err := g(low)
	if err != nil {
		return Result{}, err
	}
	if gLow >= 0 {
		trail.add(ctx, "natural mean growth %.4f already exceeds threshold %.4f; importance sampling reduces to naive sampling", gLow+a, a)
		trail.add(ctx, "theta* = %.6f (clamped to the lower bracket end)", low)
		return Result{
			Theta:     low,
			Residual:  gLow,
			Clamped:   true,
			Converged: true,
			Log:       trail.lines,
		}, nil
	}

	gHigh, err := g(high)
	if err != nil {
		return Result{}, err
	}
	res := Result{}
	if gHigh < 0 && r.bracket.Expanded > high {
		high = r.bracket.Expanded
		res.Expanded = true
		trail.add(ctx, "root not bracketed, expanded search range to theta = %.4g", high)
		if gHigh, err = g(high); err != nil {
			return Result{}, err
		}
	}

	lo, hi := low, high
	root := 0.0
	var gRoot float64
	found := false
	for i := 0; i < r.maxIter; i++ {
		mid := (lo + hi) / 2
		val, err := g(mid)
		if err != nil {
			return Result{}, err
		}
		res.Iterations = i + 1
		root, gRoot = mid, val
		if math.Abs(val) < r.tol {
			found = true
			break
		}
		if val < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}

	if !found {
		root = (lo + hi) / 2
		if gRoot, err = g(root); err != nil {
			return Result{}, err
		}
		if math.Abs(gRoot) > r.failResidual {
			trail.add(ctx, "no root: g(%.4g)=%.4g, g(%.4g)=%.4g, residual %.4g", low, gLow, high, gHigh, math.Abs(gRoot))
			return Result{}, &model.InfeasibleTiltError{
				Threshold: a,
				Low:       low,
				High:      high,
				GLow:      gLow,
				GHigh:     gHigh,
				Residual:  math.Abs(gRoot),
				Log:       trail.lines,
			}
		}
	}

	res.Theta = root
	res.Residual = math.Abs(gRoot)
	res.Converged = res.Residual < r.tol
	if res.Converged {
		trail.add(ctx, "converged: theta* = %.6f after %d iterations (residual %.2e)", root, res.Iterations, res.Residual)
	} else {
		trail.add(ctx, "accepted theta* = %.6f after %d iterations (residual %.2e above tolerance %.0e)", root, res.Iterations, res.Residual, r.tol)
	}
	res.Log = trail.lines
	return res, nil
}

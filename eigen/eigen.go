// Package eigen builds the exponentially tilted transition kernel of the
// Poisson autoregression on a truncated state space and computes its dominant
// eigenpair by power iteration.
//
// For a tilt θ and truncation size N the kernel is the N×N matrix
//
//	K_ij(θ) = pmf(j, λ_i)·e^(θ·j),  λ_i = β0 + β1·i
//
// Its Perron root ρ(θ) gives the scaled cumulant generating function
// Λ(θ) = log ρ(θ) and its right eigenvector h(θ) is the Doob-h function used
// to build the twisted sampling measure.
//
// Truncation is an explicit approximation: states above N-1 are never
// represented, so N must be large enough that the chain (natural and twisted)
// exceeds N-1 with negligible probability for the parameters in use.
package eigen

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/n0madic/go-rare-event-is/kernel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Power-iteration defaults: sweep budget and convergence tolerance on ρ.
const (
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-7
)

// ErrDegenerateKernel is returned when a power-iteration sweep produces a
// zero or non-finite vector.
var ErrDegenerateKernel = errors.New("tilted kernel iteration produced a zero or non-finite vector")

// Solution is the dominant eigenpair of the tilted kernel.
type Solution struct {
	Rho        float64   // dominant eigenvalue, > 0
	H          []float64 // right eigenvector, unit Euclidean norm, non-negative
	Iterations int
	Converged  bool // false when the iteration budget ran out first
}

// Solver runs power iteration on tilted kernels.
type Solver struct {
	maxIter int
	tol     float64
	table   *kernel.FactorialTable
}

// Option configures a Solver.
type Option func(*Solver)

// WithMaxIterations sets the sweep budget.
func WithMaxIterations(n int) Option {
	return func(s *Solver) {
		s.maxIter = n
	}
}

// WithTolerance sets the stopping threshold on the change of the eigenvalue
// estimate between sweeps.
func WithTolerance(tol float64) Option {
	return func(s *Solver) {
		s.tol = tol
	}
}

// WithTable uses the given factorial table instead of kernel.Default.
func WithTable(t *kernel.FactorialTable) Option {
	return func(s *Solver) {
		s.table = t
	}
}

// NewSolver creates a Solver with a budget of 100 sweeps and tolerance 1e-7.
func NewSolver(options ...Option) *Solver {
	s := &Solver{
		maxIter: DefaultMaxIterations,
		tol:     DefaultTolerance,
		table:   kernel.Default,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.maxIter < 1 {
		s.maxIter = 1
	}
	if s.table == nil {
		s.table = kernel.Default
	}
	return s
}

// Table returns the factorial table used to build kernels.
func (s *Solver) Table() *kernel.FactorialTable {
	return s.table
}

func validate(n int, beta0, beta1, theta float64) error {
	if n < 2 {
		return fmt.Errorf("truncation size must be at least 2, got %d", n)
	}
	if beta0 < 0 || beta1 < 0 || math.IsNaN(beta0) || math.IsNaN(beta1) || math.IsInf(beta0, 0) || math.IsInf(beta1, 0) {
		return fmt.Errorf("intensity coefficients must be finite and non-negative, got beta0=%v beta1=%v", beta0, beta1)
	}
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		return fmt.Errorf("tilt must be finite, got %v", theta)
	}
	return nil
}

// Kernel materializes K(θ) as a dense N×N matrix.
func (s *Solver) Kernel(n int, beta0, beta1, theta float64) (*mat.Dense, error) {
	if err := validate(n, beta0, beta1, theta); err != nil {
		return nil, err
	}

	tilt := make([]float64, n)
	for j := range tilt {
		tilt[j] = math.Exp(theta * float64(j))
	}

	k := mat.NewDense(n, n, nil)
	raw := k.RawMatrix()
	for i := 0; i < n; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+n]
		s.table.Row(beta0+beta1*float64(i), n, row)
		floats.Mul(row, tilt)
		if !isFinite(row) {
			return nil, fmt.Errorf("tilted kernel row %d overflows for theta=%v", i, theta)
		}
	}
	return k, nil
}

// Solve computes (ρ(θ), h(θ)) by power iteration starting from the all-ones
// vector. Running out of sweeps is not an error: the best estimate is
// returned with Converged=false.
func (s *Solver) Solve(ctx context.Context, n int, beta0, beta1, theta float64) (Solution, error) {
	k, err := s.Kernel(n, beta0, beta1, theta)
	if err != nil {
		return Solution{}, err
	}
	return s.iterate(ctx, k)
}

func (s *Solver) iterate(ctx context.Context, k *mat.Dense) (Solution, error) {
	n, _ := k.Dims()
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	v := mat.NewVecDense(n, ones)
	w := mat.NewVecDense(n, nil)

	sol := Solution{}
	rho := 0.0
	for iter := 1; iter <= s.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return Solution{}, err
		}

		w.MulVec(k, v)
		norm := mat.Norm(w, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return Solution{}, fmt.Errorf("sweep %d: %w", iter, ErrDegenerateKernel)
		}
		v.ScaleVec(1/norm, w)

		sol.Iterations = iter
		if math.Abs(norm-rho) < s.tol {
			rho = norm
			sol.Converged = true
			break
		}
		rho = norm
	}

	sol.Rho = rho
	sol.H = make([]float64, n)
	copy(sol.H, v.RawVector().Data)
	return sol, nil
}

func isFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

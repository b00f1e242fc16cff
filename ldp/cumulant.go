// Package ldp computes the large-deviations quantities of the tilted kernel:
// the scaled cumulant generating function Λ(θ) = log ρ(θ), its derivative,
// and the optimal tilt θ* solving Λ'(θ*) = a.
package ldp

import (
	"context"
	"fmt"
	"math"

	"github.com/n0madic/go-rare-event-is/eigen"
)

// DefaultStep is the central-difference step for Λ'.
const DefaultStep = 0.001

// Cumulant evaluates Λ(θ) for fixed intensity coefficients and truncation.
type Cumulant struct {
	solver *eigen.Solver
	n      int
	beta0  float64
	beta1  float64
	step   float64
}

// CumulantOption configures a Cumulant.
type CumulantOption func(*Cumulant)

// WithStep sets the finite-difference step used by Derivative.
func WithStep(h float64) CumulantOption {
	return func(c *Cumulant) {
		c.step = h
	}
}

// NewCumulant binds a solver to one model. A nil solver uses eigen defaults.
func NewCumulant(solver *eigen.Solver, n int, beta0, beta1 float64, options ...CumulantOption) *Cumulant {
	if solver == nil {
		solver = eigen.NewSolver()
	}
	c := &Cumulant{
		solver: solver,
		n:      n,
		beta0:  beta0,
		beta1:  beta1,
		step:   DefaultStep,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.step <= 0 {
		c.step = DefaultStep
	}
	return c
}

// Lambda returns Λ(θ) = log ρ(θ).
func (c *Cumulant) Lambda(ctx context.Context, theta float64) (float64, error) {
	sol, err := c.solver.Solve(ctx, c.n, c.beta0, c.beta1, theta)
	if err != nil {
		return 0, fmt.Errorf("cumulant at theta=%v: %w", theta, err)
	}
	return math.Log(sol.Rho), nil
}

// Derivative returns the central difference (Λ(θ+h) − Λ(θ−h)) / 2h.
// It costs two eigen solves.
func (c *Cumulant) Derivative(ctx context.Context, theta float64) (float64, error) {
	plus, err := c.Lambda(ctx, theta+c.step)
	if err != nil {
		return 0, err
	}
	minus, err := c.Lambda(ctx, theta-c.step)
	if err != nil {
		return 0, err
	}
	return (plus - minus) / (2 * c.step), nil
}

// Step returns the finite-difference step.
func (c *Cumulant) Step() float64 {
	return c.step
}

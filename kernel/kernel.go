// Package kernel implements the Poisson count kernel of the autoregression:
// the probability mass function and the memoized factorial table it relies on.
package kernel

import (
	"math"
	"sync"
)

// maxLinearLambda bounds the intensity for which e^(-λ) is computed directly.
const maxLinearLambda = 700.0

// FactorialTable is an append-only memo of k! values. It grows lazily and is
// safe for concurrent use: lookups of already computed entries only take the
// read lock, so growing it up front with Precompute keeps a parallel phase
// free of write contention.
type FactorialTable struct {
	mu     sync.RWMutex
	values []float64
}

// NewFactorialTable returns a table holding 0! and 1!.
func NewFactorialTable() *FactorialTable {
	return &FactorialTable{values: []float64{1, 1}}
}

// Default is the table shared by the package-level helpers.
var Default = NewFactorialTable()

// Factorial returns k! as a float64. It is +Inf for k > 170 and 1 for k < 0.
func (t *FactorialTable) Factorial(k int) float64 {
	if k < 0 {
		return 1
	}
	t.mu.RLock()
	if k < len(t.values) {
		v := t.values[k]
		t.mu.RUnlock()
		return v
	}
	t.mu.RUnlock()

	t.grow(k)

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[k]
}

// Precompute makes sure entries 0..n are present.
func (t *FactorialTable) Precompute(n int) {
	if n < 0 {
		return
	}
	t.grow(n)
}

// Len returns the number of memoized entries.
func (t *FactorialTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

func (t *FactorialTable) grow(k int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.values); i <= k; i++ {
		t.values = append(t.values, float64(i)*t.values[i-1])
	}
}

// PMF returns P(X = k) for X ~ Poisson(lambda): λᵏ·e^(−λ)/k!.
// It is 0 for k < 0 and for a negative or NaN intensity.
func (t *FactorialTable) PMF(k int, lambda float64) float64 {
	if k < 0 || lambda < 0 || math.IsNaN(lambda) {
		return 0
	}
	if lambda == 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	if math.IsInf(lambda, 1) {
		return 0
	}

	if lambda <= maxLinearLambda {
		f := t.Factorial(k)
		num := math.Pow(lambda, float64(k))
		if !math.IsInf(f, 0) && !math.IsInf(num, 0) {
			return num * math.Exp(-lambda) / f
		}
	}

	// Outside float64 range for the direct form.
	lf, _ := math.Lgamma(float64(k) + 1)
	return math.Exp(float64(k)*math.Log(lambda) - lambda - lf)
}

// Row writes pmf(0..n-1, lambda) into dst, reallocating when dst is too short,
// and returns the filled slice.
func (t *FactorialTable) Row(lambda float64, n int, dst []float64) []float64 {
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for k := range n {
		dst[k] = t.PMF(k, lambda)
	}
	return dst
}

// PMF evaluates the Poisson mass function with the Default table.
func PMF(k int, lambda float64) float64 {
	return Default.PMF(k, lambda)
}

// Factorial returns k! from the Default table.
func Factorial(k int) float64 {
	return Default.Factorial(k)
}

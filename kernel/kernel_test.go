package kernel

import (
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestFactorial(t *testing.T) {
	table := NewFactorialTable()
	tests := []struct {
		k    int
		want float64
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{5, 120},
		{10, 3628800},
	}
	for _, tt := range tests {
		if got := table.Factorial(tt.k); got != tt.want {
			t.Errorf("Factorial(%d) = %v, want %v", tt.k, got, tt.want)
		}
	}
	if table.Len() != 11 {
		t.Errorf("table grew to %d entries, want 11", table.Len())
	}
	if !math.IsInf(table.Factorial(171), 1) {
		t.Errorf("Factorial(171) should overflow to +Inf")
	}
}

func TestPMFMatchesReference(t *testing.T) {
	const tol = 1e-12
	table := NewFactorialTable()
	for _, lambda := range []float64{0.3, 1, 2, 4.5, 12, 26.5} {
		ref := distuv.Poisson{Lambda: lambda}
		for k := 0; k < 60; k++ {
			got := table.PMF(k, lambda)
			want := ref.Prob(float64(k))
			if math.Abs(got-want) > tol*math.Max(1, want) {
				t.Errorf("PMF(%d, %v) = %v, want %v", k, lambda, got, want)
			}
		}
	}
}

func TestPMFSumsToOne(t *testing.T) {
	const tol = 1e-9
	table := NewFactorialTable()
	for _, lambda := range []float64{0, 0.1, 1, 5, 20, 50} {
		row := table.Row(lambda, 200, nil)
		if sum := floats.Sum(row); math.Abs(sum-1) > tol {
			t.Errorf("sum of pmf for lambda=%v = %v, want 1", lambda, sum)
		}
	}
}

func TestPMFEdgeCases(t *testing.T) {
	table := NewFactorialTable()
	if table.PMF(-1, 2) != 0 {
		t.Errorf("PMF(-1, 2) should be 0")
	}
	if table.PMF(0, 0) != 1 || table.PMF(3, 0) != 0 {
		t.Errorf("degenerate lambda=0 distribution wrong")
	}
	if table.PMF(2, -1) != 0 || table.PMF(2, math.NaN()) != 0 {
		t.Errorf("invalid lambda should give 0")
	}

	// Large k and lambda go through the log-space form and stay finite.
	got := table.PMF(1000, 1000)
	want := distuv.Poisson{Lambda: 1000}.Prob(1000)
	if math.IsNaN(got) || math.Abs(got-want) > 1e-9 {
		t.Errorf("PMF(1000, 1000) = %v, want %v", got, want)
	}
}

func TestRowReusesBuffer(t *testing.T) {
	table := NewFactorialTable()
	buf := make([]float64, 0, 16)
	row := table.Row(3, 10, buf)
	if len(row) != 10 || &row[0] != &buf[:1][0] {
		t.Errorf("Row() should reuse a buffer with enough capacity")
	}
}

func TestFactorialTableConcurrent(t *testing.T) {
	table := NewFactorialTable()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				_ = table.Factorial((k * (w + 1)) % 120)
			}
		}(w)
	}
	wg.Wait()
	if got := table.Factorial(20); got != 2432902008176640000 {
		t.Errorf("Factorial(20) = %v after concurrent growth", got)
	}
}

func TestPrecompute(t *testing.T) {
	table := NewFactorialTable()
	table.Precompute(49)
	if table.Len() != 50 {
		t.Errorf("Precompute(49) left %d entries, want 50", table.Len())
	}
	table.Precompute(-1)
	if table.Len() != 50 {
		t.Errorf("Precompute(-1) should be a no-op")
	}
}

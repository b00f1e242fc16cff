package estimator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/n0madic/go-rare-event-is/eigen"
	"github.com/n0madic/go-rare-event-is/ldp"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/sampler"
)

const size = 50

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func solvedTilt(t testing.TB, p model.Params) (sampler.Tilt, ldp.Result) {
	t.Helper()
	ctx := context.Background()
	solver := eigen.NewSolver()
	res, err := ldp.NewRootFinder(ldp.NewCumulant(solver, size, p.Beta0, p.Beta1), ldp.WithLogger(quiet)).Find(ctx, p.Threshold)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	sol, err := solver.Solve(ctx, size, p.Beta0, p.Beta1, res.Theta)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	return sampler.Tilt{Theta: res.Theta, Rho: sol.Rho, H: sol.H}, res
}

func TestChunks(t *testing.T) {
	tests := []struct {
		m, w int
		want []int
	}{
		{10, 3, []int{4, 3, 3}},
		{3, 8, []int{1, 1, 1}},
		{8, 4, []int{2, 2, 2, 2}},
		{1, 1, []int{1}},
	}
	for _, tt := range tests {
		got := chunks(tt.m, tt.w)
		if len(got) != len(tt.want) {
			t.Fatalf("chunks(%d, %d) = %v, want %v", tt.m, tt.w, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("chunks(%d, %d) = %v, want %v", tt.m, tt.w, got, tt.want)
				break
			}
		}
	}
}

func TestNaiveIsDeterministicForSeed(t *testing.T) {
	p := model.DefaultParams()
	p.Threshold = 4.2
	p.Trials = 500
	a, err := New(WithSeed(42), WithWorkers(4), WithLogger(quiet)).Naive(context.Background(), p)
	if err != nil {
		t.Fatalf("Naive() error = %v", err)
	}
	b, err := New(WithSeed(42), WithWorkers(4), WithLogger(quiet)).Naive(context.Background(), p)
	if err != nil {
		t.Fatalf("Naive() error = %v", err)
	}
	if a != b {
		t.Errorf("same seed and workers gave different results: %+v vs %+v", a, b)
	}
	if a.Trials != p.Trials || a.TotalHits < 0 || a.TotalHits > p.Trials {
		t.Errorf("unexpected counts: %+v", a)
	}

	prob := float64(a.TotalHits) / float64(p.Trials)
	if a.EstimatedProbability != prob {
		t.Errorf("estimate = %v, want %v", a.EstimatedProbability, prob)
	}
	if want := prob * (1 - prob) / float64(p.Trials); math.Abs(a.Variance-want) > 1e-15 {
		t.Errorf("variance = %v, want %v", a.Variance, want)
	}
	if a.ConfidenceInterval[0] < 0 || !a.Contains(prob) {
		t.Errorf("bad interval %v for %v", a.ConfidenceInterval, prob)
	}
}

func TestLikelihoodRatioHasUnitMean(t *testing.T) {
	p := model.Params{Beta0: 2, Beta1: 0.5, Steps: 10, InitialState: 1, Threshold: 6, Trials: 20000}
	tilt, _ := solvedTilt(t, p)
	res, err := New(WithSeed(7), WithLogger(quiet)).ImportanceSampled(context.Background(), p, tilt)
	if err != nil {
		t.Fatalf("ImportanceSampled() error = %v", err)
	}
	if math.Abs(res.MeanLikelihoodRatio-1) > 0.06 {
		t.Errorf("E_Q[L] = %v, want ~1", res.MeanLikelihoodRatio)
	}
}

func TestModeratelyRareEventIntervalsOverlap(t *testing.T) {
	p := model.DefaultParams()
	p.Threshold = 4.6
	p.Trials = 4000
	tilt, _ := solvedTilt(t, p)
	cmp, err := New(WithSeed(2024), WithLogger(quiet)).Compare(context.Background(), p, tilt)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	naive := cmp.Naive.EstimatedProbability
	if naive < 0.02 || naive > 0.2 {
		t.Fatalf("naive estimate %v is not moderately rare; adjust the threshold", naive)
	}
	if !cmp.Naive.Overlaps(cmp.ImportanceSampled) {
		t.Errorf("confidence intervals do not overlap: naive %v, IS %v",
			cmp.Naive.ConfidenceInterval, cmp.ImportanceSampled.ConfidenceInterval)
	}
}

func TestRareEventVarianceReduction(t *testing.T) {
	p := model.DefaultParams()
	p.Threshold = 5.2
	p.Trials = 20000
	tilt, _ := solvedTilt(t, p)
	cmp, err := New(WithSeed(99), WithLogger(quiet)).Compare(context.Background(), p, tilt)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if cmp.Naive.TotalHits == 0 {
		t.Fatalf("naive batch saw no hits, variance reduction is undefined")
	}
	if cmp.Naive.EstimatedProbability >= 0.01 {
		t.Errorf("naive estimate %v is not rare", cmp.Naive.EstimatedProbability)
	}
	if vrf := cmp.VarianceReductionFactor(); vrf <= 1 {
		t.Errorf("VRF = %v, want > 1", vrf)
	}
	if cmp.ImportanceSampled.TotalHits <= cmp.Naive.TotalHits {
		t.Errorf("twisted paths should hit far more often: %d vs %d",
			cmp.ImportanceSampled.TotalHits, cmp.Naive.TotalHits)
	}
	if cmp.ImportanceSampled.EffectiveSampleSize <= 0 {
		t.Errorf("effective sample size should be positive")
	}
}

func TestReferenceScenario(t *testing.T) {
	p := model.DefaultParams()
	tilt, _ := solvedTilt(t, p)
	cmp, err := New(WithSeed(1), WithLogger(quiet)).Compare(context.Background(), p, tilt)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if cmp.Naive.TotalHits < 0 || cmp.Naive.TotalHits > p.Trials {
		t.Fatalf("naive hits %d outside [0, %d]", cmp.Naive.TotalHits, p.Trials)
	}
	is := cmp.ImportanceSampled
	if cmp.Naive.TotalHits >= 20 {
		if !cmp.Naive.Contains(is.EstimatedProbability) {
			t.Errorf("IS estimate %v outside the naive interval %v", is.EstimatedProbability, cmp.Naive.ConfidenceInterval)
		}
		return
	}
	// Too few naive hits: the Bernoulli interval degenerates, compare with
	// the rule-of-three bound instead.
	bound := 3 / float64(p.Trials)
	if is.EstimatedProbability <= 0 || is.EstimatedProbability > bound {
		t.Errorf("IS estimate %v outside (0, %v]", is.EstimatedProbability, bound)
	}
	if is.Width() >= bound {
		t.Errorf("IS interval width %v not tighter than %v", is.Width(), bound)
	}
}

func TestDegenerateTiltMatchesNaive(t *testing.T) {
	p := model.DefaultParams()
	p.Threshold = 3.9
	p.Trials = 4000
	tilt, res := solvedTilt(t, p)
	if !res.Clamped || tilt.Theta != 0 {
		t.Fatalf("expected theta* = 0 below the stationary mean, got %+v", res)
	}
	cmp, err := New(WithSeed(5), WithLogger(quiet)).Compare(context.Background(), p, tilt)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if vrf := cmp.VarianceReductionFactor(); math.Abs(vrf-1) > 0.2 {
		t.Errorf("VRF = %v, want ~1", vrf)
	}
	if cmp.Assess().Efficiency != model.Degenerate {
		t.Errorf("assessment = %s, want degenerate", cmp.Assess().Efficiency)
	}
}

func TestCancelledBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := model.DefaultParams()
	_, err := New(WithSeed(1), WithLogger(quiet)).Naive(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Naive() error = %v, want context.Canceled", err)
	}
}

func TestInvalidInputs(t *testing.T) {
	e := New(WithSeed(1), WithLogger(quiet))
	p := model.DefaultParams()
	p.Trials = 0
	if _, err := e.Naive(context.Background(), p); err == nil {
		t.Errorf("expected parameter error")
	}
	if _, err := e.ImportanceSampled(context.Background(), model.DefaultParams(), sampler.Tilt{}); err == nil {
		t.Errorf("expected tilt error")
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	measures []model.Measure
}

func (f *fakeRecorder) RecordBatch(m model.Measure, _ model.BatchResult, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measures = append(f.measures, m)
}

func TestRecorderReceivesBatches(t *testing.T) {
	p := model.DefaultParams()
	p.Trials = 50
	p.Steps = 20
	tilt, _ := solvedTilt(t, p)
	rec := &fakeRecorder{}
	if _, err := New(WithSeed(3), WithLogger(quiet), WithRecorder(rec)).Compare(context.Background(), p, tilt); err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(rec.measures) != 2 || rec.measures[0] != model.Natural || rec.measures[1] != model.Twisted {
		t.Errorf("recorded %v", rec.measures)
	}
}

func BenchmarkImportanceSampled(b *testing.B) {
	p := model.DefaultParams()
	p.Trials = 200
	tilt, _ := solvedTilt(b, p)
	e := New(WithSeed(1), WithLogger(quiet))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.ImportanceSampled(ctx, p, tilt); err != nil {
			b.Fatalf("ImportanceSampled() error = %v", err)
		}
	}
}

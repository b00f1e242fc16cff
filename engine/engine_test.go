package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/n0madic/go-rare-event-is/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(options ...Option) *Engine {
	base := []Option{
		WithSeed(12345),
		WithWorkers(4),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(append(base, options...)...)
}

func TestSolveReferenceScenario(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()

	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)

	assert.InDelta(t, math.Log(1.2)-0.1, sol.Theta, 5e-3)
	assert.Len(t, sol.H, 50)
	assert.Greater(t, sol.Rho, 1.0)
	assert.False(t, sol.Clamped)
	assert.True(t, sol.Matches(p))
	assert.InDelta(t, math.Log(sol.Rho), sol.Lambda(), 1e-15)
	require.NotEmpty(t, sol.Log)
	assert.Contains(t, sol.Log[len(sol.Log)-1], "eigenpair at theta*")
}

func TestSolveDefaultTruncation(t *testing.T) {
	e := newTestEngine()
	sol, err := e.Solve(context.Background(), model.DefaultParams(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTruncation, sol.N)
}

func TestSolveInfeasible(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	p.Threshold = 60

	_, err := e.Solve(context.Background(), p, 50)
	var infeasible *model.InfeasibleTiltError
	require.ErrorAs(t, err, &infeasible)
	assert.NotEmpty(t, infeasible.Diagnostics())
}

func TestSolveRejectsInvalidParams(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	p.Beta0 = -1

	_, err := e.Solve(context.Background(), p, 50)
	var pe *model.ParamError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "beta0", pe.Field)
}

func TestSimulateNaturalIsIdempotent(t *testing.T) {
	p := model.DefaultParams()
	a, err := newTestEngine().SimulateNatural(context.Background(), p)
	require.NoError(t, err)
	b, err := newTestEngine().SimulateNatural(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, model.Natural, a.Measure)
	assert.Equal(t, p.Steps, a.Len())
}

func TestSimulateTwisted(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)

	tr, err := e.SimulateTwisted(context.Background(), p, sol)
	require.NoError(t, err)
	assert.Equal(t, model.Twisted, tr.Measure)
	assert.Equal(t, p.Steps, tr.Len())
	assert.NotZero(t, tr.LogLikelihoodRatio)
}

func TestStaleSolution(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)

	changed := p
	changed.Threshold = 5.5
	_, err = e.SimulateTwisted(context.Background(), changed, sol)
	assert.ErrorIs(t, err, model.ErrStaleSolution)
	_, err = e.RunBatch(context.Background(), changed, sol)
	assert.ErrorIs(t, err, model.ErrStaleSolution)

	// Steps and trials do not invalidate the tilt.
	longer := p
	longer.Steps = 20
	longer.Trials = 10
	_, err = e.RunBatch(context.Background(), longer, sol)
	assert.NoError(t, err)

	_, err = e.RunBatch(context.Background(), p, Solution{})
	assert.ErrorIs(t, err, model.ErrStaleSolution)
}

func TestRunBatchReferenceScenario(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)

	cmp, err := e.RunBatch(context.Background(), p, sol)
	require.NoError(t, err)

	assert.Equal(t, p.Trials, cmp.Naive.Trials)
	assert.GreaterOrEqual(t, cmp.Naive.TotalHits, 0)
	assert.LessOrEqual(t, cmp.Naive.TotalHits, p.Trials)
	assert.GreaterOrEqual(t, cmp.ImportanceSampled.ConfidenceInterval[0], 0.0)
	assert.Greater(t, cmp.ImportanceSampled.TotalHits, p.Trials/4)

	is := cmp.ImportanceSampled
	if cmp.Naive.TotalHits >= 20 {
		assert.True(t, cmp.Naive.Contains(is.EstimatedProbability))
	} else {
		bound := 3 / float64(p.Trials)
		assert.Greater(t, is.EstimatedProbability, 0.0)
		assert.Less(t, is.Width(), bound)
	}
}

func TestTaskCancel(t *testing.T) {
	started := make(chan struct{})
	task := Start(context.Background(), func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 42, nil
	})
	<-started

	_, ok, _ := task.Poll()
	assert.False(t, ok)

	task.Cancel()
	v, err := task.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, v)

	v, ok, err = task.Poll()
	assert.True(t, ok)
	assert.Zero(t, v)
	assert.ErrorIs(t, err, context.Canceled)

	task.Cancel()
}

func TestTaskResult(t *testing.T) {
	task := Start(context.Background(), func(context.Context) (string, error) {
		return "done", nil
	})
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	v, ok, err := task.Poll()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "done", v)
}

func TestTaskError(t *testing.T) {
	boom := errors.New("boom")
	task := Start(context.Background(), func(context.Context) (int, error) {
		return 7, boom
	})
	v, err := task.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v)
}

func TestTaskAwaitGivesUp(t *testing.T) {
	release := make(chan struct{})
	task := Start(context.Background(), func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := task.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := task.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestAsyncOperations(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	p.Trials = 200

	sol, err := e.SolveAsync(context.Background(), p, 50).Await(context.Background())
	require.NoError(t, err)

	cmp, err := e.RunBatchAsync(context.Background(), p, sol).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p.Trials, cmp.ImportanceSampled.Trials)
}

func TestCancelledBatchTask(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.RunBatchAsync(ctx, p, sol).Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulateNaturalExplosiveChain(t *testing.T) {
	p := model.Params{Beta0: 2, Beta1: 2, Steps: 100, InitialState: 1, Threshold: 6, Trials: 10}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := newTestEngine().SimulateNatural(ctx, p)
	var oe *model.IntensityOverflowError
	require.ErrorAs(t, err, &oe)
	assert.NoError(t, ctx.Err(), "overflow must be reported before the deadline")
}

func TestCancelRunningBatchTask(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)

	p.Steps = 1 << 30
	p.Trials = 4
	task := e.RunBatchAsync(context.Background(), p, sol)
	time.Sleep(50 * time.Millisecond)
	task.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = task.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, ctx.Err(), "task must stop soon after Cancel")
}

type countingRecorder struct {
	mu      sync.Mutex
	solves  int
	failed  int
	batches []model.Measure
}

func (r *countingRecorder) RecordSolve(_ Solution, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solves++
	if err != nil {
		r.failed++
	}
}

func (r *countingRecorder) RecordBatch(m model.Measure, _ model.BatchResult, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, m)
}

func TestRecorder(t *testing.T) {
	rec := &countingRecorder{}
	e := newTestEngine(WithRecorder(rec))
	p := model.DefaultParams()
	p.Trials = 20

	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)
	_, err = e.RunBatch(context.Background(), p, sol)
	require.NoError(t, err)

	bad := p
	bad.Threshold = 60
	_, err = e.Solve(context.Background(), bad, 50)
	require.Error(t, err)

	assert.Equal(t, 2, rec.solves)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, []model.Measure{model.Natural, model.Twisted}, rec.batches)
}

func TestSolveLogMentionsClamp(t *testing.T) {
	e := newTestEngine()
	p := model.DefaultParams()
	p.Threshold = 3

	sol, err := e.Solve(context.Background(), p, 50)
	require.NoError(t, err)
	assert.True(t, sol.Clamped)
	assert.Zero(t, sol.Theta)
	assert.True(t, strings.Contains(strings.Join(sol.Log, "\n"), "already exceeds threshold"))
}

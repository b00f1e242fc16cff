package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/n0madic/go-rare-event-is/engine"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestSolveJSON(t *testing.T) {
	out, err := run(t, "solve", "--json", "--truncation", "50")
	require.NoError(t, err)

	var sol engine.Solution
	require.NoError(t, json.Unmarshal([]byte(out), &sol))
	assert.InDelta(t, 0.0823, sol.Theta, 5e-3)
	assert.Equal(t, 50, sol.N)
}

func TestSolveTable(t *testing.T) {
	out, err := run(t, "solve", "-a", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Optimal tilt")
	assert.Contains(t, out, "clamped")
}

func TestSolveInfeasiblePrintsLog(t *testing.T) {
	out, err := run(t, "solve", "--threshold", "60")
	var infeasible *model.InfeasibleTiltError
	require.ErrorAs(t, err, &infeasible)
	assert.Contains(t, out, "Search log")
}

func TestSimulate(t *testing.T) {
	out, err := run(t, "simulate", "--json", "--seed", "5", "--steps", "10")
	require.NoError(t, err)
	var tr model.Trajectory
	require.NoError(t, json.Unmarshal([]byte(out), &tr))
	assert.Equal(t, model.Natural, tr.Measure)
	assert.Len(t, tr.Points, 10)

	again, err := run(t, "simulate", "--json", "--seed", "5", "--steps", "10")
	require.NoError(t, err)
	assert.Equal(t, out, again, "same seed, same path")

	out, err = run(t, "simulate", "--measure", "twisted", "--steps", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "twisted measure")
	assert.Contains(t, out, "log L")

	_, err = run(t, "simulate", "--measure", "sideways")
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	out, err := run(t, "batch", "--trials", "100", "--steps", "20", "--seed", "3", "--workers", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "importance sampling")
	assert.Contains(t, out, "variance reduction factor")

	out, err = run(t, "batch", "--json", "--trials", "100", "--steps", "20", "--seed", "3")
	require.NoError(t, err)
	var resp struct {
		Comparison model.Comparison `json:"comparison"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 100, resp.Comparison.Naive.Trials)
}

func TestInvalidFlags(t *testing.T) {
	_, err := run(t, "solve", "--trials", "0")
	assert.Error(t, err)
	_, err = run(t, "solve", "--truncation", "1")
	assert.Error(t, err)
}

func TestResearchRequiresKey(t *testing.T) {
	t.Setenv("LDPSIM_RESEARCH_API_KEY", "")
	_, err := run(t, "research", "topic")
	assert.ErrorContains(t, err, "RESEARCH_API_KEY")
}

func TestConfigHidesKey(t *testing.T) {
	t.Setenv("LDPSIM_RESEARCH_API_KEY", "sk-secret")
	out, err := run(t, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "truncation: 50")
}

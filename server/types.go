package server

import (
	"github.com/n0madic/go-rare-event-is/engine"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/research"
)

// SolveRequest is the body of POST /v1/solve. Omitted fields take the
// server defaults.
type SolveRequest struct {
	Params     model.Params `json:"params"`
	Truncation int          `json:"truncation" binding:"gte=2,lte=5000"`
}

// SimulateRequest is the body of POST /v1/simulate.
type SimulateRequest struct {
	Params     model.Params  `json:"params"`
	Truncation int           `json:"truncation" binding:"gte=2,lte=5000"`
	Measure    model.Measure `json:"measure" binding:"required,oneof=natural twisted"`
}

// SimulateResponse carries one path and, for twisted paths, the tilt it was
// drawn under.
type SimulateResponse struct {
	Trajectory model.Trajectory `json:"trajectory"`
	Solution   *SolutionSummary `json:"solution,omitempty"`
	Rare       []bool           `json:"rare"`
}

// BatchRequest is the body of POST /v1/batch and POST /v1/tasks/batch.
type BatchRequest = SolveRequest

// SolutionSummary is a Solution without the h-vector.
type SolutionSummary struct {
	Theta     float64  `json:"theta"`
	Rho       float64  `json:"rho"`
	Lambda    float64  `json:"lambda"`
	N         int      `json:"n"`
	Residual  float64  `json:"residual"`
	Clamped   bool     `json:"clamped"`
	Expanded  bool     `json:"expanded"`
	Converged bool     `json:"converged"`
	Log       []string `json:"log"`
}

func summarize(sol engine.Solution) *SolutionSummary {
	return &SolutionSummary{
		Theta:     sol.Theta,
		Rho:       sol.Rho,
		Lambda:    sol.Lambda(),
		N:         sol.N,
		Residual:  sol.Residual,
		Clamped:   sol.Clamped,
		Expanded:  sol.Expanded,
		Converged: sol.Converged,
		Log:       sol.Log,
	}
}

// BatchResponse is the result of a naive versus importance-sampled run.
type BatchResponse struct {
	Params     model.Params     `json:"params"`
	Solution   *SolutionSummary `json:"solution"`
	Comparison model.Comparison `json:"comparison"`
	Assessment model.Assessment `json:"assessment"`
}

// TaskStatus is the lifecycle state of a background batch.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskResponse describes a background batch.
type TaskResponse struct {
	ID     string         `json:"id"`
	Status TaskStatus     `json:"status"`
	Result *BatchResponse `json:"result,omitempty"`
	Error  *ErrorResponse `json:"error,omitempty"`
}

// ResearchRequest is the body of POST /v1/research.
type ResearchRequest struct {
	Question string `json:"question" binding:"required,max=2000"`
}

// ResearchResponse wraps a literature search answer.
type ResearchResponse = research.Result

// ExplainRequest is the body of POST /v1/research/explain.
type ExplainRequest struct {
	Params model.Params `json:"params"`
}

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

package model

// Measure names the probability measure a path was sampled under.
type Measure string

const (
	Natural Measure = "natural"
	Twisted Measure = "twisted"
)

// Point is one step of a sampled path.
type Point struct {
	T           int     `json:"t"`
	X           int     `json:"x"`
	Lambda      float64 `json:"lambda"`
	RunningMean float64 `json:"running_mean"`
}

// Trajectory is an immutable sampled path of length n, T starting at 1.
type Trajectory struct {
	Measure Measure `json:"measure"`
	Points  []Point `json:"points"`
	// LogLikelihoodRatio is log(dP/dQ) of the whole path; zero under the
	// natural measure.
	LogLikelihoodRatio float64 `json:"log_likelihood_ratio"`
}

// Len returns the number of steps.
func (tr Trajectory) Len() int {
	return len(tr.Points)
}

// Sum returns S_n.
func (tr Trajectory) Sum() int {
	s := 0
	for _, p := range tr.Points {
		s += p.X
	}
	return s
}

// FinalMean returns S_n/n, or 0 for an empty path.
func (tr Trajectory) FinalMean() float64 {
	if len(tr.Points) == 0 {
		return 0
	}
	return tr.Points[len(tr.Points)-1].RunningMean
}

// RareAt flags each step whose running mean exceeds a.
func (tr Trajectory) RareAt(a float64) []bool {
	out := make([]bool, len(tr.Points))
	for i, p := range tr.Points {
		out[i] = p.RunningMean > a
	}
	return out
}

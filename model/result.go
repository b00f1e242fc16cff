package model

import "math"

// Z95 is the two-sided 95% normal quantile.
const Z95 = 1.96

// BatchResult aggregates one batch of M trials.
type BatchResult struct {
	EstimatedProbability float64    `json:"estimated_probability"`
	Variance             float64    `json:"variance"` // variance of the estimator
	ConfidenceInterval   [2]float64 `json:"confidence_interval"`
	TotalHits            int        `json:"total_hits"`
	Trials               int        `json:"trials"`

	// Importance-sampled batches only.
	EffectiveSampleSize float64 `json:"effective_sample_size,omitempty"`
	MeanLikelihoodRatio float64 `json:"mean_likelihood_ratio,omitempty"`
}

// ConfidenceInterval95 returns p ± 1.96·√variance with the low end clamped at 0.
func ConfidenceInterval95(p, variance float64) [2]float64 {
	half := Z95 * math.Sqrt(math.Max(variance, 0))
	return [2]float64{math.Max(0, p-half), p + half}
}

// Width returns hi - lo of the confidence interval.
func (r BatchResult) Width() float64 {
	return r.ConfidenceInterval[1] - r.ConfidenceInterval[0]
}

// Contains reports whether x lies inside the confidence interval.
func (r BatchResult) Contains(x float64) bool {
	return x >= r.ConfidenceInterval[0] && x <= r.ConfidenceInterval[1]
}

// Overlaps reports whether the two confidence intervals intersect.
func (r BatchResult) Overlaps(o BatchResult) bool {
	return r.ConfidenceInterval[0] <= o.ConfidenceInterval[1] && o.ConfidenceInterval[0] <= r.ConfidenceInterval[1]
}

// Comparison pairs the naive and importance-sampled estimates of one run.
type Comparison struct {
	Naive             BatchResult `json:"naive"`
	ImportanceSampled BatchResult `json:"importance_sampled"`
}

// VarianceReductionFactor returns naive variance / IS variance. It is 0 when
// the IS variance is zero.
func (c Comparison) VarianceReductionFactor() float64 {
	if c.ImportanceSampled.Variance <= 0 {
		return 0
	}
	return c.Naive.Variance / c.ImportanceSampled.Variance
}

// Efficiency grades a variance reduction factor.
type Efficiency string

const (
	Excellent   Efficiency = "excellent"
	Good        Efficiency = "good"
	Degenerate  Efficiency = "degenerate"
	Inefficient Efficiency = "inefficient"
)

// Assessment is a downstream reading of a Comparison.
type Assessment struct {
	VRF        float64    `json:"vrf"`
	Efficiency Efficiency `json:"efficiency"`
	Rare       bool       `json:"rare"`   // naive estimate below 5%
	Common     bool       `json:"common"` // naive estimate above 20%
}

// Assess grades the comparison. A VRF near 1 is expected when the event is
// not rare: the optimal tilt is close to zero and IS reduces to naive MC.
func (c Comparison) Assess() Assessment {
	vrf := c.VarianceReductionFactor()
	a := Assessment{
		VRF:    vrf,
		Rare:   c.Naive.EstimatedProbability < 0.05,
		Common: c.Naive.EstimatedProbability > 0.2,
	}
	switch {
	case vrf > 10:
		a.Efficiency = Excellent
	case vrf > 1.5:
		a.Efficiency = Good
	case vrf > 0.8:
		a.Efficiency = Degenerate
	default:
		a.Efficiency = Inefficient
	}
	return a
}

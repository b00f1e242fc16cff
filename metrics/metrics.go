// Package metrics exposes engine activity as Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/n0madic/go-rare-event-is/engine"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ldpsim"

// Metrics implements engine.Recorder.
type Metrics struct {
	solves        *prometheus.CounterVec
	solveDuration prometheus.Histogram
	theta         prometheus.Gauge
	rho           prometheus.Gauge

	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	trials        *prometheus.CounterVec
	hits          *prometheus.CounterVec
	estimate      *prometheus.GaugeVec
	variance      *prometheus.GaugeVec

	tasks *prometheus.GaugeVec
}

var _ engine.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		solves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "total",
			Help:      "Tilt solves by outcome (solved, clamped, infeasible, error)",
		}, []string{"status"}),
		solveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "duration_seconds",
			Help:      "Time to find theta* and the eigenpair",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		theta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "theta",
			Help:      "Most recently solved tilt theta*",
		}),
		rho: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solve",
			Name:      "rho",
			Help:      "Dominant eigenvalue at the most recent theta*",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "total",
			Help:      "Finished batches by sampling measure",
		}, []string{"measure"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch wall time by sampling measure",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"measure"}),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "trials_total",
			Help:      "Simulated trajectories by sampling measure",
		}, []string{"measure"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "hits_total",
			Help:      "Trajectories that landed in the rare-event set",
		}, []string{"measure"}),
		estimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "estimated_probability",
			Help:      "Most recent probability estimate by sampling measure",
		}, []string{"measure"}),
		variance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "estimator_variance",
			Help:      "Most recent estimator variance by sampling measure",
		}, []string{"measure"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "tasks",
			Help:      "Background tasks by state",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.solves, m.solveDuration, m.theta, m.rho,
			m.batches, m.batchDuration, m.trials, m.hits, m.estimate, m.variance,
			m.tasks,
		)
	}
	return m
}

// RecordSolve observes one engine.Solve call.
func (m *Metrics) RecordSolve(sol engine.Solution, elapsed time.Duration, err error) {
	m.solveDuration.Observe(elapsed.Seconds())
	var infeasible *model.InfeasibleTiltError
	switch {
	case errors.As(err, &infeasible):
		m.solves.WithLabelValues("infeasible").Inc()
		return
	case err != nil:
		m.solves.WithLabelValues("error").Inc()
		return
	case sol.Clamped:
		m.solves.WithLabelValues("clamped").Inc()
	default:
		m.solves.WithLabelValues("solved").Inc()
	}
	m.theta.Set(sol.Theta)
	m.rho.Set(sol.Rho)
}

// RecordBatch observes one finished batch.
func (m *Metrics) RecordBatch(measure model.Measure, res model.BatchResult, elapsed time.Duration) {
	label := string(measure)
	m.batches.WithLabelValues(label).Inc()
	m.batchDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.trials.WithLabelValues(label).Add(float64(res.Trials))
	m.hits.WithLabelValues(label).Add(float64(res.TotalHits))
	m.estimate.WithLabelValues(label).Set(res.EstimatedProbability)
	m.variance.WithLabelValues(label).Set(res.Variance)
}

// SetTasks reports the number of background tasks in a state.
func (m *Metrics) SetTasks(state string, n int) {
	m.tasks.WithLabelValues(state).Set(float64(n))
}

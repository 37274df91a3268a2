// Package metrics defines prometheus metric types for the simulator and
// provides convenience values the rest of the code observes into directly.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or going out of the system: transfers, runs, predictions.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FinishTimeHistogram tracks the simulated page-load completion time
	// (seconds) reported by each real run.
	FinishTimeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dtsim_finish_time_seconds",
			Help: "simulated finish time distribution of completed runs (seconds)",
			Buckets: []float64{
				0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5, 7.5, 10, 15, 20, 30, 60,
			},
		},
	)

	// PredictionRunHistogram tracks how much simulated time a single
	// speculative prediction run advances before it is torn down. A policy
	// that routinely predicts far beyond the real run's pace is a sign its
	// candidate set is poorly constrained.
	PredictionRunHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtsim_prediction_run_seconds",
			Help:    "simulated duration a single predictTransfer call advances (seconds)",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// TickSizeHistogram tracks the simulated time advanced between two
	// consecutive events on the real run.
	TickSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtsim_tick_size_seconds",
			Help:    "simulated time between consecutive real-run events (seconds)",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 20),
		},
	)

	// ConnectionCountPerInterface tracks how many connections are attached
	// to an interface whenever its bandwidth share is recomputed.
	ConnectionCountPerInterface = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dtsim_interface_connection_count",
			Help: "connections attached to an interface at bandwidth-share recompute time",
			Buckets: []float64{
				1, 2, 3, 4, 6, 8, 12, 17, 24, 32, 48, 64,
			},
		},
		[]string{"interface"})

	// InvariantViolationCount counts fatal assertion failures by the
	// invariant that was violated, immediately before the process aborts.
	InvariantViolationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtsim_invariant_violation_total",
			Help: "fatal invariant violations, by assertion site.",
		}, []string{"invariant"})

	// DriftClampCount counts the numeric-stability corrections applied
	// while ticking transfer bytes (see simconn.tickTransferBytes).
	DriftClampCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtsim_drift_clamp_total",
			Help: "per-tick byte-accounting corrections applied, by kind.",
		}, []string{"kind"})

	// EmptyCandidateSetCount counts the times a policy's predict() produced
	// zero usable candidates for an enabled transfer.
	EmptyCandidateSetCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtsim_empty_candidate_set_total",
			Help: "number of times a policy found no placement candidate for an enabled transfer.",
		},
	)

	// RunCount counts completed real runs, by policy.
	RunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtsim_run_total",
			Help: "The total number of real runs completed.",
		}, []string{"policy"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in dt-simulator-go.metrics are registered.")
}

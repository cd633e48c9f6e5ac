package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seqmail",
		Subsystem: "processor",
		Name:      "runs_total",
		Help:      "Total number of completed processor runs.",
	})
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqmail",
		Subsystem: "processor",
		Name:      "outcomes_total",
		Help:      "Per-enrollment outcomes, by result.",
	}, []string{"result"})
	enrollmentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seqmail",
		Subsystem: "processor",
		Name:      "enrollments_completed_total",
		Help:      "Enrollments that reached the end of their sequence.",
	})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seqmail",
		Subsystem: "processor",
		Name:      "run_duration_seconds",
		Help:      "Duration of one processor run.",
		Buckets:   prometheus.DefBuckets,
	})
	repliesPaused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seqmail",
		Subsystem: "replies",
		Name:      "enrollments_paused_total",
		Help:      "Enrollments paused because the subscriber replied.",
	})
)

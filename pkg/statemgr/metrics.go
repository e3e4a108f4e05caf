package statemgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdateAttempts counts individual CAS attempts.
	// Labels: result (committed, conflict, not_found, error)
	UpdateAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "statemgr",
			Name:      "update_attempts_total",
			Help:      "Total number of optimistic update attempts by outcome",
		},
		[]string{"result"},
	)

	// Updates counts UpdateTask calls by final outcome.
	// Labels: result (ok, validation, not_found, contention, transport, integrity)
	Updates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "statemgr",
			Name:      "updates_total",
			Help:      "Total number of task updates by final outcome",
		},
		[]string{"result"},
	)

	// AttemptsPerUpdate observes how many attempts a finished update used.
	AttemptsPerUpdate = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "planhub",
			Subsystem: "statemgr",
			Name:      "attempts_per_update",
			Help:      "Number of CAS attempts used per task update",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// StateResets counts writes of the default template.
	// Labels: reason (missing, corrupt, manual)
	StateResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "statemgr",
			Name:      "state_resets_total",
			Help:      "Total number of plan document resets to the default template",
		},
		[]string{"reason"},
	)
)

func recordUpdate(err error, attempts int) {
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	Updates.WithLabelValues(result).Inc()
	if attempts > 0 {
		AttemptsPerUpdate.Observe(float64(attempts))
	}
}

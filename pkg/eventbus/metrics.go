package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Published counts task update publishes.
	// Labels: result (ok, error)
	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Total number of task update publishes by result",
		},
		[]string{"result"},
	)

	// ActiveSubscriptions tracks open subscriptions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "planhub",
			Subsystem: "eventbus",
			Name:      "active_subscriptions",
			Help:      "Number of open event bus subscriptions",
		},
	)

	// Resubscribes counts recoveries after a dropped transport.
	// Labels: result (ok, failed)
	Resubscribes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "eventbus",
			Name:      "resubscribes_total",
			Help:      "Total number of resubscription attempts by result",
		},
		[]string{"result"},
	)

	// Malformed counts skipped messages that could not be decoded.
	Malformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "eventbus",
			Name:      "malformed_messages_total",
			Help:      "Total number of undecodable messages skipped by subscribers",
		},
	)
)

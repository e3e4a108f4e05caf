package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveClients tracks streams currently being served.
	ActiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "planhub",
			Subsystem: "stream",
			Name:      "active_clients",
			Help:      "Number of connected stream clients",
		},
	)

	// Frames counts frames delivered to clients.
	// Labels: type (INITIAL_STATE, TASK_UPDATE, HEARTBEAT, ERROR)
	Frames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planhub",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Total number of frames written to stream clients by type",
		},
		[]string{"type"},
	)
)

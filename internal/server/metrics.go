package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_build_info",
		Help: "Build information of the broker",
	},
		[]string{"version", "commit", "date"},
	)

	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_connections_accepted_total",
		Help: "The total number of client websocket connections accepted",
	})

	connectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_connections_rejected_total",
		Help: "The total number of client connections rejected before upgrade",
	},
		[]string{"reason"},
	)

	sessionPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_session_panics_total",
		Help: "The total number of sessions torn down by a panic",
	})
)

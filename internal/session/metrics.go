package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Client sessions currently running",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_session_requests_total",
		Help: "The total number of client messages received, by event",
	},
		[]string{"event"},
	)

	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_session_pushes_total",
		Help: "The total number of messages pushed to clients, by event",
	},
		[]string{"event"},
	)

	flowsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_session_flows_failed_total",
		Help: "The total number of failed flow negotiations, by reason",
	},
		[]string{"reason"},
	)

	inboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_session_inbound_dropped_total",
		Help: "The total number of inbound client messages dropped on a full mailbox",
	})

	repliesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_session_replies_dropped_total",
		Help: "The total number of gateway replies dropped on a full mailbox",
	})
)

package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	negotiationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_flow_negotiations_total",
		Help: "The total number of successfully dispatched flow negotiations",
	})

	negotiationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_flow_negotiations_failed_total",
		Help: "The total number of flow negotiations that failed before dispatch",
	},
		[]string{"reason"},
	)

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_flow_gateway_messages_total",
		Help: "The total number of messages delivered to gateway mailboxes",
	},
		[]string{"kind"},
	)

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_flow_gateway_messages_dropped_total",
		Help: "The total number of gateway messages dropped on full or missing mailboxes",
	},
		[]string{"kind"},
	)
)

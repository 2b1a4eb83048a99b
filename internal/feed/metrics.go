package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	consumedChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_feed_changes_consumed_total",
		Help: "The total number of change events consumed from the feed transport",
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_feed_decode_errors_total",
		Help: "The total number of change records that failed to decode",
	})

	droppedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_feed_changes_dropped_total",
		Help: "The total number of change events dropped on slow subscribers",
	},
		[]string{"account_id"},
	)
)

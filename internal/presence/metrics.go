package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	joinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_presence_joins_total",
		Help: "The total number of participants that joined a presence scope",
	},
		[]string{"scope"},
	)

	leavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_presence_leaves_total",
		Help: "The total number of participants that left a presence scope",
	},
		[]string{"scope"},
	)

	droppedDiffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_presence_dropped_diffs_total",
		Help: "The total number of presence diffs dropped on slow subscribers",
	},
		[]string{"scope"},
	)
)

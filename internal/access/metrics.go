package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_access_changes_applied_total",
		Help: "The total number of change events applied to access engines",
	},
		[]string{"table", "op"},
	)

	staleChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_access_changes_stale_total",
		Help: "The total number of change events dropped at or below the LSN watermark",
	})

	recomputeOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_access_recompute_total",
		Help: "The total number of full connectable-set recomputations",
	})

	connectableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_access_connectable_resources",
		Help: "Connectable resources across sessions as of the last recomputation",
	})
)

package room

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts the sync traffic a process handles.
type Metrics struct {
	Appends            prometheus.Counter
	Broadcasts         prometheus.Counter
	Compactions        prometheus.Counter
	CompactionFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collabsync_ops_appended_total",
			Help: "Mutation batches appended to document logs.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collabsync_events_broadcast_total",
			Help: "Events published to the cluster fan-out stream.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collabsync_compactions_total",
			Help: "Successful summary compactions.",
		}),
		CompactionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collabsync_compaction_failures_total",
			Help: "Failed summary round-trips, including timeouts.",
		}),
	}
	reg.MustRegister(m.Appends, m.Broadcasts, m.Compactions, m.CompactionFailures)
	return m
}

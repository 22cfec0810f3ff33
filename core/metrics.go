package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors shared by the pipeline, event
// bus and reducer dispatcher. A nil *Metrics disables Prometheus
// entirely; NewMetrics(nil) instead returns working collectors that are
// registered nowhere. Either way callers still get the lock-free
// in-memory counters each component keeps regardless.
type Metrics struct {
	reg *prometheus.Registry

	pipelineOps      *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec

	busEvents    *prometheus.CounterVec
	busDuration  prometheus.Histogram

	reducerCalls *prometheus.CounterVec
}

// NewMetrics constructs a Metrics bundle. Pass a *prometheus.Registry to
// have collectors registered there (e.g. the one backing the debug
// server's /metrics handler); pass nil to keep collectors unregistered
// (they still work, just aren't scraped).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		pipelineOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackholio_pipeline_operations_total",
			Help: "Serialization pipeline operations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "blackholio_pipeline_stage_duration_seconds",
			Help: "Per-stage duration of the serialization pipeline.",
		}, []string{"stage"}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackholio_event_bus_events_total",
			Help: "Events handled by the bus by kind and outcome.",
		}, []string{"kind", "outcome"}),
		busDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "blackholio_event_bus_processing_seconds",
			Help: "Time spent delivering an event to its subscribers.",
		}),
		reducerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blackholio_reducer_calls_total",
			Help: "Reducer calls by name and outcome.",
		}, []string{"reducer", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.pipelineOps, m.pipelineDuration, m.busEvents, m.busDuration, m.reducerCalls)
	}
	return m
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all flow offload Prometheus metrics
type Metrics struct {
	// Flow metrics
	FlowsInstalled *prometheus.GaugeVec
	FlowsPending   prometheus.Gauge
	FlowEvents     *prometheus.CounterVec

	// Merge metrics
	Merges        *prometheus.CounterVec
	MergeDuration prometheus.Histogram
	Accumulator   *prometheus.CounterVec

	// Resource cache metrics
	CacheEntries *prometheus.GaugeVec
	CacheOps     *prometheus.CounterVec

	// Reconciliation metrics
	NeighborEvents *prometheus.CounterVec
	JobRetries     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		FlowsInstalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flyoffload_flows_installed",
			Help: "Number of flows currently installed in hardware",
		}, []string{"kind"}),

		FlowsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyoffload_flows_pending",
			Help: "Number of flows waiting for a resource to become valid",
		}),

		FlowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyoffload_flow_events_total",
			Help: "Total number of flow add and delete requests",
		}, []string{"operation", "result"}),

		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyoffload_merges_total",
			Help: "Total number of microflow merges by outcome",
		}, []string{"result"}),

		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flyoffload_merge_duration_seconds",
			Help:    "Time spent building and programming a consolidated flow",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		Accumulator: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyoffload_accumulator_events_total",
			Help: "Total number of microflow accumulator events",
		}, []string{"event"}),

		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flyoffload_cache_entries",
			Help: "Number of entries in each resource cache",
		}, []string{"cache"}),

		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyoffload_cache_operations_total",
			Help: "Total number of resource cache hardware operations",
		}, []string{"cache", "operation"}),

		NeighborEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyoffload_neighbor_events_total",
			Help: "Total number of neighbor reconciliation events",
		}, []string{"event"}),

		JobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyoffload_job_retries_total",
			Help: "Total number of requeued background jobs",
		}, []string{"kind"}),
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FlowsInstalled.Describe(ch)
	m.FlowsPending.Describe(ch)
	m.FlowEvents.Describe(ch)

	m.Merges.Describe(ch)
	m.MergeDuration.Describe(ch)
	m.Accumulator.Describe(ch)

	m.CacheEntries.Describe(ch)
	m.CacheOps.Describe(ch)

	m.NeighborEvents.Describe(ch)
	m.JobRetries.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FlowsInstalled.Collect(ch)
	m.FlowsPending.Collect(ch)
	m.FlowEvents.Collect(ch)

	m.Merges.Collect(ch)
	m.MergeDuration.Collect(ch)
	m.Accumulator.Collect(ch)

	m.CacheEntries.Collect(ch)
	m.CacheOps.Collect(ch)

	m.NeighborEvents.Collect(ch)
	m.JobRetries.Collect(ch)
}

// RegisterMetrics registers all metrics with reg, or the default registry
// when reg is nil.
func (m *Metrics) RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(m)
}

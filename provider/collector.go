package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a provider's statistics as Prometheus metrics.
type Collector struct {
	provider Provider

	allocations *prometheus.Desc
	references  *prometheus.Desc
	bytes       *prometheus.Desc
	outOfMemory *prometheus.Desc
	live        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading p on every scrape. labels are
// attached to every metric.
func NewCollector(p Provider, labels prometheus.Labels) *Collector {
	return &Collector{
		provider: p,
		allocations: prometheus.NewDesc(
			"folio_outstanding_allocations",
			"Number of live allocations.",
			nil, labels,
		),
		references: prometheus.NewDesc(
			"folio_outstanding_references",
			"Number of references held across all live allocations.",
			nil, labels,
		),
		bytes: prometheus.NewDesc(
			"folio_allocated_bytes",
			"Sum of the requested lengths of live allocations.",
			nil, labels,
		),
		outOfMemory: prometheus.NewDesc(
			"folio_out_of_memory_total",
			"Allocations refused because the budget was exhausted.",
			nil, labels,
		),
		live: prometheus.NewDesc(
			"folio_debug_live_allocations",
			"Allocations on the debug provider's live list.",
			nil, labels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocations
	ch <- c.references
	ch <- c.bytes
	ch <- c.outOfMemory
	if _, ok := c.provider.(*Debug); ok {
		ch <- c.live
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.provider.Stats()
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(st.OutstandingAllocations))
	ch <- prometheus.MustNewConstMetric(c.references, prometheus.GaugeValue, float64(st.OutstandingAcquires))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(c.provider.AllocatedBytes()))
	ch <- prometheus.MustNewConstMetric(c.outOfMemory, prometheus.CounterValue, float64(st.OutOfMemory))
	if d, ok := c.provider.(*Debug); ok {
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(d.Live()))
	}
}

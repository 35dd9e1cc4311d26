package metrics

import (
	"context"
	"time"
)

// BackendLatency is one backend's current latency estimate.
type BackendLatency struct {
	Backend string
	Read    time.Duration
	Write   time.Duration
}

// LatencySource reports backend latency estimates.
type LatencySource interface {
	Latencies() []BackendLatency
}

// Collector periodically copies backend latency estimates into gauges.
type Collector struct {
	metrics *Metrics
	source  LatencySource
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, source LatencySource) *Collector {
	return &Collector{metrics: m, source: source}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	if c.source == nil {
		return
	}
	for _, l := range c.source.Latencies() {
		c.metrics.BackendLatency.WithLabelValues(l.Backend, "read").Set(l.Read.Seconds())
		c.metrics.BackendLatency.WithLabelValues(l.Backend, "write").Set(l.Write.Seconds())
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type mockLatencies struct {
	mu  sync.Mutex
	out []BackendLatency
}

func (m *mockLatencies) Latencies() []BackendLatency {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BackendLatency(nil), m.out...)
}

func (m *mockLatencies) set(out []BackendLatency) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = out
}

func TestCollector_Collect(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry(), "test-client")
	src := &mockLatencies{out: []BackendLatency{
		{Backend: "s1", Read: 100 * time.Millisecond, Write: 2 * time.Second},
		{Backend: "s2", Read: time.Second},
	}}

	NewCollector(m, src).Collect()

	assert.InDelta(t, 0.1, testutil.ToFloat64(m.BackendLatency.WithLabelValues("s1", "read")), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.BackendLatency.WithLabelValues("s1", "write")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.BackendLatency.WithLabelValues("s2", "read")), 1e-9)
}

func TestCollector_NilSource(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry(), "test-client")
	assert.NotPanics(t, func() { NewCollector(m, nil).Collect() })
}

func TestCollector_Run(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry(), "test-client")
	src := &mockLatencies{out: []BackendLatency{{Backend: "s1", Read: time.Second}}}
	c := NewCollector(m, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	src.set([]BackendLatency{{Backend: "s1", Read: 3 * time.Second}})
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BackendLatency.WithLabelValues("s1", "read")) == 3.0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

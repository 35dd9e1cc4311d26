// Package metrics provides Prometheus metrics for cloudquorum clients.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry served by the CLI.
var Registry = prometheus.NewRegistry()

// Label values shared by callers.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all Prometheus metrics for one client.
type Metrics struct {
	// Operations (put, get, delete, list)
	OperationsTotal   *prometheus.CounterVec   // operation, status
	OperationDuration *prometheus.HistogramVec // operation

	// Chunk traffic per backend
	ChunkWritesTotal   *prometheus.CounterVec // backend, status
	ChunkReadsTotal    *prometheus.CounterVec // backend, status
	CorruptChunksTotal *prometheus.CounterVec // backend
	BackendLatency     *prometheus.GaugeVec   // backend, direction

	QuorumFailuresTotal prometheus.Counter
	GetRetriesTotal     prometheus.Counter
	CryptoDegradedTotal prometheus.Counter
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter

	// Garbage collection
	GCRunsTotal           *prometheus.CounterVec // kind: full, key, batch
	GCObjectsDeletedTotal prometheus.Counter
	GCDeleteErrorsTotal   prometheus.Counter
	GCOrphansClearedTotal prometheus.Counter
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers a fresh set of metrics with the given client id as a
// constant label. A nil registry uses the package Registry.
func InitMetrics(registry prometheus.Registerer, clientID string) *Metrics {
	if registry == nil {
		registry = Registry
	}
	constLabels := prometheus.Labels{
		"client": clientID,
	}
	f := promauto.With(registry)

	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudquorum_operations_total",
			Help:        "Total client operations by operation and status",
			ConstLabels: constLabels,
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cloudquorum_operation_duration_seconds",
			Help:        "Client operation duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"operation"}),

		ChunkWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudquorum_chunk_writes_total",
			Help:        "Chunk writes by backend and status",
			ConstLabels: constLabels,
		}, []string{"backend", "status"}),
		ChunkReadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudquorum_chunk_reads_total",
			Help:        "Chunk reads by backend and status",
			ConstLabels: constLabels,
		}, []string{"backend", "status"}),
		CorruptChunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudquorum_corrupt_chunks_total",
			Help:        "Chunks discarded because their hash did not match",
			ConstLabels: constLabels,
		}, []string{"backend"}),
		BackendLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "cloudquorum_backend_latency_seconds",
			Help:        "Measured backend latency by direction (read, write)",
			ConstLabels: constLabels,
		}, []string{"backend", "direction"}),

		QuorumFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_quorum_failures_total",
			Help:        "Puts that could not collect enough chunk acknowledgements",
			ConstLabels: constLabels,
		}),
		GetRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_get_retries_total",
			Help:        "Gets restarted because the metadata changed mid-read",
			ConstLabels: constLabels,
		}),
		CryptoDegradedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_crypto_degraded_total",
			Help:        "Puts stored without encryption because encryption failed",
			ConstLabels: constLabels,
		}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_cache_hits_total",
			Help:        "Value cache hits",
			ConstLabels: constLabels,
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_cache_misses_total",
			Help:        "Value cache misses",
			ConstLabels: constLabels,
		}),

		GCRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudquorum_gc_runs_total",
			Help:        "Garbage collection passes by kind (full, key, batch)",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		GCObjectsDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_gc_objects_deleted_total",
			Help:        "Objects deleted by the garbage collector",
			ConstLabels: constLabels,
		}),
		GCDeleteErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_gc_delete_errors_total",
			Help:        "Failed garbage collector deletes",
			ConstLabels: constLabels,
		}),
		GCOrphansClearedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudquorum_gc_orphans_cleared_total",
			Help:        "Orphan records fully reclaimed",
			ConstLabels: constLabels,
		}),
	}
}

// Status maps an error to a status label value.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// Package coordinator implements the quorum put/get/delete protocol over a set
// of unreliable backends and a timestamp-ordered metadata store.
//
// A put erasure-codes the value once, writes the chunks in latency-ranked
// windows until enough distinct chunks are acknowledged, then publishes the
// metadata record with a compare-and-swap that only succeeds for a greater
// timestamp. A get reads the chunks recorded in metadata, verifies each one
// against its hash and restarts if the record changes underneath it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/backend"
	"github.com/cloudquorum/cloudquorum/internal/cache"
	"github.com/cloudquorum/cloudquorum/internal/config"
	"github.com/cloudquorum/cloudquorum/internal/erasure"
	"github.com/cloudquorum/cloudquorum/internal/gc"
	"github.com/cloudquorum/cloudquorum/internal/mds"
	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cloudquorum/cloudquorum/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultGetRetries = 3
)

// Config holds the collaborators and tunables of a Coordinator.
type Config struct {
	ClientID string
	Quorum   int // Distinct chunk acknowledgements a put needs

	Coder    erasure.Coder
	Backends *backend.Set
	Metadata mds.Store

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	GetRetries   int

	GCEnabled     bool
	GCDeleteRate  float64
	CryptoEnabled bool
	Cache         *cache.Cache // nil disables caching

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Coordinator is safe for concurrent use. It holds no locks across calls;
// ordering between writers is decided by the metadata store alone.
type Coordinator struct {
	clientID     string
	quorum       int
	coder        erasure.Coder
	backends     *backend.Set
	mds          mds.Store
	writeTimeout time.Duration
	readTimeout  time.Duration
	getRetries   int
	maxValueSize int
	gcEnabled    bool
	crypto       bool
	cache        *cache.Cache
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	collector    *gc.Collector

	ivMu sync.Mutex
	iv   []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New validates cfg and creates a coordinator. The coordinator takes ownership
// of the backend set and metadata store; Shutdown closes both.
func New(cfg Config) (*Coordinator, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.Coder == nil || cfg.Backends == nil || cfg.Metadata == nil {
		return nil, errors.New("coder, backends and metadata store are required")
	}
	k, total := cfg.Coder.DataChunks(), cfg.Coder.DataChunks()+cfg.Coder.ParityChunks()
	if cfg.Quorum < k || cfg.Quorum > total {
		return nil, fmt.Errorf("quorum %d must be between %d and %d", cfg.Quorum, k, total)
	}
	if cfg.Backends.Len() < cfg.Quorum {
		return nil, fmt.Errorf("quorum %d needs at least as many backends, have %d", cfg.Quorum, cfg.Backends.Len())
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultTimeout
	}
	if cfg.GetRetries == 0 {
		cfg.GetRetries = defaultGetRetries
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.InitMetrics(prometheus.NewRegistry(), cfg.ClientID)
	}

	logger := cfg.Logger.With().Str("component", "coordinator").Str("client", cfg.ClientID).Logger()

	return &Coordinator{
		clientID:     cfg.ClientID,
		quorum:       cfg.Quorum,
		coder:        cfg.Coder,
		backends:     cfg.Backends,
		mds:          cfg.Metadata,
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  cfg.ReadTimeout,
		getRetries:   cfg.GetRetries,
		maxValueSize: MaxValueSize,
		gcEnabled:    cfg.GCEnabled,
		crypto:       cfg.CryptoEnabled,
		cache:        cfg.Cache,
		metrics:      cfg.Metrics,
		logger:       logger,
		collector: gc.New(gc.Config{
			Backends:   cfg.Backends,
			Metadata:   cfg.Metadata,
			Metrics:    cfg.Metrics,
			Logger:     cfg.Logger,
			DeleteRate: cfg.GCDeleteRate,
		}),
		closed: make(chan struct{}),
	}, nil
}

// Open builds a coordinator and all its collaborators from configuration.
// Metrics are registered with registry (nil: the package metrics Registry).
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, registry prometheus.Registerer) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	coder, err := erasure.NewReedSolomon(cfg.DataChunks, cfg.ParityChunks)
	if err != nil {
		return nil, err
	}

	set, err := backend.OpenSet(logger, cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("open backends: %w", err)
	}

	store, err := mds.Open(mds.Config{
		Path:     cfg.Metadata.Path,
		InMemory: cfg.Metadata.InMemory,
		Logger:   logger,
	})
	if err != nil {
		_ = set.Close()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(cache.Policy(cfg.Cache.Policy), cfg.Cache.Size, cfg.CacheExpiry())
	}

	coord, err := New(Config{
		ClientID:      cfg.ClientID,
		Quorum:        cfg.Quorum(),
		Coder:         coder,
		Backends:      set,
		Metadata:      store,
		WriteTimeout:  cfg.WriteTimeout(),
		ReadTimeout:   cfg.ReadTimeout(),
		GetRetries:    cfg.GetRetries,
		GCEnabled:     cfg.GC.Enabled,
		GCDeleteRate:  cfg.GC.DeleteRate,
		CryptoEnabled: cfg.CryptoEnabled,
		Cache:         c,
		Metrics:       metrics.InitMetrics(registry, cfg.ClientID),
		Logger:        logger,
	})
	if err != nil {
		_ = store.Close()
		_ = set.Close()
		return nil, err
	}

	if cfg.Latency.TestOnStartup {
		coord.MeasureLatency(ctx, cfg.Latency.TestSizeKB*1024)
	}
	interval, err := cfg.GCInterval()
	if err != nil {
		_ = coord.Shutdown()
		return nil, err
	}
	if interval > 0 {
		coord.collector.Start(interval)
	}

	coord.logger.Info().
		Int("data_chunks", cfg.DataChunks).
		Int("parity_chunks", cfg.ParityChunks).
		Int("quorum", cfg.Quorum()).
		Int("backends", set.Len()).
		Bool("gc", cfg.GC.Enabled).
		Bool("crypto", cfg.CryptoEnabled).
		Msg("coordinator ready")
	return coord, nil
}

// ClientID returns the writer id stamped on this client's timestamps.
func (c *Coordinator) ClientID() string { return c.clientID }

// List returns all live keys.
func (c *Coordinator) List(ctx context.Context) (keys []string, err error) {
	defer c.observe("list", time.Now(), &err)
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	keys, err = c.mds.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// GetAllMetadata returns every metadata record, tombstones included.
func (c *Coordinator) GetAllMetadata(ctx context.Context) (map[string]*metadata.Metadata, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	all, err := c.mds.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read all metadata: %w", err)
	}
	return all, nil
}

// GC reclaims orphans and collects every stale key.
func (c *Coordinator) GC(ctx context.Context) (gc.Stats, error) {
	if err := c.checkOpen(); err != nil {
		return gc.Stats{}, err
	}
	return c.collector.Collect(ctx)
}

// GCKey collects the superseded versions of one key.
func (c *Coordinator) GCKey(ctx context.Context, key string) (gc.Stats, error) {
	if err := c.checkOpen(); err != nil {
		return gc.Stats{}, err
	}
	if err := metadata.ValidateKey(key); err != nil {
		return gc.Stats{}, err
	}
	return c.collector.CollectKey(ctx, key)
}

// BatchGC runs a full reconciliation sweep of every backend.
func (c *Coordinator) BatchGC(ctx context.Context) (gc.Stats, error) {
	if err := c.checkOpen(); err != nil {
		return gc.Stats{}, err
	}
	return c.collector.BatchCollect(ctx)
}

// Purge physically removes the metadata record of key, tombstone included.
// Its chunks stay on the backends until a BatchGC sweep.
func (c *Coordinator) Purge(ctx context.Context, key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := metadata.ValidateKey(key); err != nil {
		return err
	}
	current, _, err := c.mds.TsRead(ctx, key)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if err := c.mds.Purge(ctx, key); err != nil {
		return fmt.Errorf("purge metadata: %w", err)
	}
	if c.cache != nil && current != nil {
		c.cache.Remove(versionName(key, current.Ts))
	}
	c.logger.Warn().Str("key", key).Msg("metadata record purged")
	return nil
}

// PurgeBackend deletes every object stored on the named backend.
func (c *Coordinator) PurgeBackend(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, n := range c.backends.Nodes() {
		if n.Name() == name {
			if err := backend.Purge(ctx, n.Backend()); err != nil {
				return err
			}
			c.logger.Warn().Str("backend", name).Msg("backend purged")
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
}

// MeasureLatency probes every backend with an object of size bytes and
// re-ranks them by the measured latency.
func (c *Coordinator) MeasureLatency(ctx context.Context, size int) []backend.LatencyResult {
	results := c.backends.MeasureLatency(ctx, size)
	metrics.NewCollector(c.metrics, c.backends).Collect()
	return results
}

// Backends returns the backend set.
func (c *Coordinator) Backends() *backend.Set { return c.backends }

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// Shutdown stops background collection and closes the metadata store and backends.
func (c *Coordinator) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.collector.Stop()
		if e := c.mds.Close(); e != nil {
			err = fmt.Errorf("close metadata store: %w", e)
		}
		if e := c.backends.Close(); e != nil && err == nil {
			err = fmt.Errorf("close backends: %w", e)
		}
		c.logger.Info().Msg("coordinator shut down")
	})
	return err
}

func (c *Coordinator) checkOpen() error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return nil
	}
}

// sharedIV returns the store-wide IV, fetching it once.
func (c *Coordinator) sharedIV(ctx context.Context) ([]byte, error) {
	c.ivMu.Lock()
	defer c.ivMu.Unlock()
	if c.iv != nil {
		return c.iv, nil
	}
	iv, err := c.mds.GetOrCreateIV(ctx)
	if err != nil {
		return nil, err
	}
	c.iv = iv
	return iv, nil
}

func (c *Coordinator) observe(op string, start time.Time, err *error) {
	status := metrics.Status(*err)
	if errors.Is(*err, ErrNotFound) {
		status = "not_found"
	}
	c.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	c.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// versionName identifies one version of a key, used for cache entries and orphan ids.
func versionName(key string, ts *metadata.Timestamp) string {
	return key + metadata.VersionSeparator + ts.String()
}

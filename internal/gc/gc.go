// Package gc reclaims backend objects that no current metadata record refers to:
// chunks of failed puts (orphans), chunks of overwritten or deleted versions
// (stale keys) and, in a full sweep, anything unparseable or unknown.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/backend"
	"github.com/cloudquorum/cloudquorum/internal/mds"
	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cloudquorum/cloudquorum/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config holds collector configuration.
type Config struct {
	Backends   *backend.Set
	Metadata   mds.Store
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	DeleteRate float64 // Max deletes per second (0: unlimited)
}

// Stats summarises one collection pass.
type Stats struct {
	ObjectsScanned int
	ObjectsDeleted int
	DeleteErrors   int
	ListErrors     int
	OrphansCleared int
	KeysCollected  int
}

func (s *Stats) add(o Stats) {
	s.ObjectsScanned += o.ObjectsScanned
	s.ObjectsDeleted += o.ObjectsDeleted
	s.DeleteErrors += o.DeleteErrors
	s.ListErrors += o.ListErrors
	s.OrphansCleared += o.OrphansCleared
	s.KeysCollected += o.KeysCollected
}

// Collector deletes unreferenced chunks. It never deletes an object carrying
// the timestamp of the current record of its key.
type Collector struct {
	backends *backend.Set
	mds      mds.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	limiter  *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a collector.
func New(cfg Config) *Collector {
	c := &Collector{
		backends: cfg.Backends,
		mds:      cfg.Metadata,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "gc").Logger(),
	}
	if c.metrics == nil {
		c.metrics = metrics.InitMetrics(prometheus.NewRegistry(), "")
	}
	if cfg.DeleteRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.DeleteRate), 1)
	}
	return c
}

// CollectKey deletes every object of key older than its current record,
// plus any malformed object names encountered along the way.
func (c *Collector) CollectKey(ctx context.Context, key string) (Stats, error) {
	c.countRun("key")

	// Clear the flag before reading the record: a put that overwrites key
	// after this point marks it again and the next pass picks it up.
	if err := c.mds.RemoveStale(ctx, key); err != nil {
		return Stats{}, fmt.Errorf("clear stale flag for %s: %w", key, err)
	}

	current, _, err := c.mds.TsRead(ctx, key)
	if err != nil {
		c.keepStale(ctx, key)
		return Stats{}, fmt.Errorf("read metadata for %s: %w", key, err)
	}

	listings := c.listAll(ctx)
	var stats Stats
	for _, l := range listings {
		if l.err != nil {
			stats.ListErrors++
			continue
		}
		for _, name := range l.names {
			stats.ObjectsScanned++
			ref, err := metadata.ParseObjectName(name)
			switch {
			case err != nil:
				c.delete(ctx, l.node, name, "malformed", &stats)
			case ref.Key == key && current != nil && current.Ts.Greater(ref.Ts):
				c.delete(ctx, l.node, name, "stale", &stats)
			}
		}
	}

	if stats.ListErrors > 0 || stats.DeleteErrors > 0 {
		if err := c.mds.MarkStale(ctx, key); err != nil {
			return stats, fmt.Errorf("keep stale flag for %s: %w", key, err)
		}
	}
	stats.KeysCollected = 1
	c.logger.Debug().
		Str("key", key).
		Int("deleted", stats.ObjectsDeleted).
		Int("errors", stats.DeleteErrors).
		Msg("collected key")
	return stats, nil
}

// keepStale restores the stale flag of key after a failed pass.
func (c *Collector) keepStale(ctx context.Context, key string) {
	if err := c.mds.MarkStale(ctx, key); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to restore stale flag")
	}
}

// Collect reclaims recorded orphans and collects every key flagged stale.
func (c *Collector) Collect(ctx context.Context) (Stats, error) {
	c.countRun("full")

	var stats Stats
	orphans, err := c.mds.Orphans(ctx)
	if err != nil {
		return stats, fmt.Errorf("list orphans: %w", err)
	}
	for _, o := range orphans {
		if c.collectOrphan(ctx, o, &stats) {
			if err := c.mds.RemoveOrphan(ctx, o); err != nil {
				return stats, fmt.Errorf("remove orphan %s: %w", o.ID(), err)
			}
			stats.OrphansCleared++
			c.metrics.GCOrphansClearedTotal.Inc()
		}
	}

	stale, err := c.mds.StaleKeys(ctx)
	if err != nil {
		return stats, fmt.Errorf("list stale keys: %w", err)
	}
	for _, key := range stale {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		s, err := c.CollectKey(ctx, key)
		stats.add(s)
		if err != nil {
			return stats, err
		}
	}

	c.logger.Info().
		Int("orphans_cleared", stats.OrphansCleared).
		Int("keys", stats.KeysCollected).
		Int("deleted", stats.ObjectsDeleted).
		Int("errors", stats.DeleteErrors).
		Msg("garbage collection finished")
	return stats, nil
}

// collectOrphan deletes the chunks of one orphan and reports whether all of them are gone.
func (c *Collector) collectOrphan(ctx context.Context, o mds.Orphan, stats *Stats) bool {
	complete := true
	for _, ch := range o.Chunks {
		node, ok := c.backends.Node(ch.Backend)
		if !ok {
			c.logger.Warn().
				Str("orphan", o.ID()).
				Uint16("backend", ch.Backend).
				Msg("orphan chunk on unknown backend, keeping record")
			complete = false
			continue
		}
		if !c.delete(ctx, node, o.ObjectName(ch.Index), "orphan", stats) {
			complete = false
		}
	}
	return complete
}

// BatchCollect compares every backend object against the full metadata map and
// deletes what no record refers to. It can race with in-flight puts of new keys
// and is meant to run while writers are quiet.
func (c *Collector) BatchCollect(ctx context.Context) (Stats, error) {
	c.countRun("batch")

	all, err := c.mds.GetAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read all metadata: %w", err)
	}

	var stats Stats
	for _, l := range c.listAll(ctx) {
		if l.err != nil {
			stats.ListErrors++
			continue
		}
		for _, name := range l.names {
			stats.ObjectsScanned++
			ref, err := metadata.ParseObjectName(name)
			if err != nil {
				c.delete(ctx, l.node, name, "malformed", &stats)
				continue
			}
			current, ok := all[ref.Key]
			switch {
			case !ok:
				c.delete(ctx, l.node, name, "unknown key", &stats)
			case current.Ts.Greater(ref.Ts):
				c.delete(ctx, l.node, name, "stale", &stats)
			}
		}
	}

	c.logger.Info().
		Int("scanned", stats.ObjectsScanned).
		Int("deleted", stats.ObjectsDeleted).
		Int("errors", stats.DeleteErrors).
		Msg("batch garbage collection finished")
	return stats, nil
}

type listing struct {
	node  *backend.Node
	names []string
	err   error
}

// listAll lists every backend concurrently. A failed listing is logged and
// reported in its slot; it does not abort the others.
func (c *Collector) listAll(ctx context.Context) []listing {
	nodes := c.backends.Nodes()
	out := make([]listing, len(nodes))

	var g errgroup.Group
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			names, err := n.List(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Str("backend", n.Name()).Msg("failed to list backend")
			}
			out[i] = listing{node: n, names: names, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// delete removes one object and reports whether it is gone.
func (c *Collector) delete(ctx context.Context, node *backend.Node, name, reason string, stats *Stats) bool {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			stats.DeleteErrors++
			return false
		}
	}

	err := node.Delete(ctx, name)
	if err != nil && !errors.Is(err, backend.ErrObjectNotFound) {
		c.logger.Warn().
			Err(err).
			Str("backend", node.Name()).
			Str("object", name).
			Msg("failed to delete object")
		stats.DeleteErrors++
		c.metrics.GCDeleteErrorsTotal.Inc()
		return false
	}

	c.logger.Debug().
		Str("backend", node.Name()).
		Str("object", name).
		Str("reason", reason).
		Msg("deleted object")
	stats.ObjectsDeleted++
	c.metrics.GCObjectsDeletedTotal.Inc()
	return true
}

func (c *Collector) countRun(kind string) {
	c.metrics.GCRunsTotal.WithLabelValues(kind).Inc()
}

// Start runs Collect every interval until Stop.
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.logger.Info().Dur("interval", interval).Msg("starting background garbage collection")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Collect(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error().Err(err).Msg("background garbage collection failed")
				}
			}
		}
	}()
}

// Stop ends the background loop and waits for a running pass to return.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

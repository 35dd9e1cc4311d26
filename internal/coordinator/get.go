package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/backend"
	"github.com/cloudquorum/cloudquorum/internal/cache"
	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cloudquorum/cloudquorum/internal/metrics"
)

// chunkRead is the outcome of reading one chunk from one backend.
type chunkRead struct {
	index int
	node  *backend.Node
	data  []byte
	err   error
}

// Get returns the current value of key, or ErrNotFound for absent and deleted
// keys. A read that observes a concurrent change of the record restarts from
// a fresh metadata read, at most GetRetries times.
func (c *Coordinator) Get(ctx context.Context, key string) (value []byte, err error) {
	defer c.observe("get", time.Now(), &err)
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := metadata.ValidateKey(key); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < c.getRetries; attempt++ {
		if attempt > 0 {
			c.metrics.GetRetriesTotal.Inc()
			c.logger.Debug().Str("key", key).Int("attempt", attempt+1).Msg("metadata changed during get, retrying")
		}
		value, retry, err := c.getOnce(ctx, key)
		if !retry {
			return value, err
		}
	}
	return nil, fmt.Errorf("%w: key %s changed %d times", ErrRetryExhausted, key, c.getRetries)
}

// getOnce performs one read attempt. retry is true when the record changed
// before enough chunks were verified.
func (c *Coordinator) getOnce(ctx context.Context, key string) ([]byte, bool, error) {
	md, _, watch, err := c.mds.TsReadWatch(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read metadata: %w", err)
	}
	defer watch.Stop()

	if md == nil || md.IsTombstone() {
		return nil, false, ErrNotFound
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type planned struct {
		index int
		node  *backend.Node
	}
	var plan []planned
	for _, node := range c.backends.SortedByReadLatency() {
		for _, idx := range md.StoredChunks() {
			if md.Backends[idx] == node.Code() {
				plan = append(plan, planned{index: idx, node: node})
			}
		}
	}

	results := make(chan chunkRead, len(plan))
	for _, p := range plan {
		name := md.ObjectName(p.index)
		go func(idx int, node *backend.Node, name string) {
			opCtx, opCancel := context.WithTimeout(rctx, c.readTimeout)
			defer opCancel()
			data, err := node.Get(opCtx, name)
			results <- chunkRead{index: idx, node: node, data: data, err: err}
		}(p.index, p.node, name)
	}

	need := c.coder.DataChunks()
	chunks := make([][]byte, len(md.ChunkHashes))
	verified := 0
	for pending := len(plan); pending > 0 && verified < need; pending-- {
		var r chunkRead
		select {
		case <-watch.C():
			return nil, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case r = <-results:
		}

		if r.err != nil {
			c.metrics.ChunkReadsTotal.WithLabelValues(r.node.Name(), metrics.StatusError).Inc()
			c.logger.Warn().
				Err(r.err).
				Str("backend", r.node.Name()).
				Str("key", key).
				Int("chunk", r.index).
				Msg("chunk read failed")
			continue
		}
		c.metrics.ChunkReadsTotal.WithLabelValues(r.node.Name(), metrics.StatusOK).Inc()
		if !md.VerifyChunk(r.index, r.data) {
			c.metrics.CorruptChunksTotal.WithLabelValues(r.node.Name()).Inc()
			c.logger.Warn().
				Err(ErrCorruptChunk).
				Str("backend", r.node.Name()).
				Str("key", key).
				Int("chunk", r.index).
				Msg("discarding chunk with bad hash")
			continue
		}
		chunks[r.index] = r.data
		verified++
	}

	if verified < need {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: verified %d of %d needed for %s", ErrNotEnoughChunks, verified, need, key)
	}
	cancel()

	stored, err := c.coder.Decode(chunks, int(md.Size))
	if err != nil {
		return nil, false, fmt.Errorf("decode value: %w", err)
	}
	if !bytes.Equal(metadata.Hash(stored), md.WholeHash) {
		return nil, false, fmt.Errorf("%w: whole value hash mismatch for %s", ErrCorruptChunk, key)
	}

	value := stored
	if md.CryptoKey != nil {
		iv, err := c.sharedIV(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("read crypto iv: %w", err)
		}
		if value, err = decryptValue(stored, md.CryptoKey, iv); err != nil {
			return nil, false, err
		}
	}

	if c.cache != nil && c.cache.Policy() == cache.OnRead {
		c.cache.Add(versionName(key, md.Ts), value)
	}
	return value, false, nil
}

// Cached returns the cached value of the current version of key, if any.
// The cache is never consulted by Get.
func (c *Coordinator) Cached(ctx context.Context, key string) ([]byte, bool, error) {
	if c.cache == nil {
		return nil, false, nil
	}
	md, _, err := c.mds.TsRead(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read metadata: %w", err)
	}
	if md == nil || md.IsTombstone() {
		return nil, false, nil
	}
	v, ok := c.cache.Get(versionName(key, md.Ts))
	if ok {
		c.metrics.CacheHitsTotal.Inc()
	} else {
		c.metrics.CacheMissesTotal.Inc()
	}
	return v, ok, nil
}

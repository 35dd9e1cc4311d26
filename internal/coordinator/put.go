package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/backend"
	"github.com/cloudquorum/cloudquorum/internal/cache"
	"github.com/cloudquorum/cloudquorum/internal/mds"
	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cloudquorum/cloudquorum/internal/metrics"
)

// chunkWrite is the outcome of writing one chunk to one backend.
type chunkWrite struct {
	index int
	node  *backend.Node
	err   error
}

// Put stores value under key and returns the names of the backends that
// acknowledged a chunk. The write is visible to readers once it returns nil.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte) (used []string, err error) {
	defer c.observe("put", time.Now(), &err)
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := metadata.ValidateKey(key); err != nil {
		return nil, err
	}
	if len(value) > c.maxValueSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(value), c.maxValueSize)
	}

	current, version, err := c.mds.TsRead(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	ts := metadata.NewTimestamp(0, c.clientID)
	if current != nil {
		ts = current.Ts.Increment(c.clientID)
	}

	stored, cryptoKey := c.seal(ctx, key, value, current)

	chunks, err := c.coder.Encode(stored)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	codes := c.writeChunks(ctx, key, ts, chunks)
	acked := 0
	for _, code := range codes {
		if code != 0 {
			acked++
		}
	}

	if acked < c.quorum {
		c.metrics.QuorumFailuresTotal.Inc()
		c.recordOrphan(ctx, key, ts, codes)
		c.logger.Warn().
			Str("key", key).
			Str("ts", ts.String()).
			Int("acked", acked).
			Int("quorum", c.quorum).
			Msg("put failed to reach quorum")
		return nil, fmt.Errorf("%w: %d of %d chunks acknowledged", ErrQuorumNotReached, acked, c.quorum)
	}

	md := &metadata.Metadata{
		Ts:          ts,
		WholeHash:   metadata.Hash(stored),
		ChunkHashes: make([][]byte, len(chunks)),
		Size:        int32(len(stored)),
		ChunkKeys:   make([]string, len(chunks)),
		Backends:    codes,
		CryptoKey:   cryptoKey,
	}
	for i, chunk := range chunks {
		md.ChunkHashes[i] = metadata.Hash(chunk)
		md.ChunkKeys[i] = metadata.ChunkKey(key, i)
	}

	replaced, err := c.mds.TsWrite(ctx, key, md, version)
	if err != nil {
		c.recordOrphan(ctx, key, ts, codes)
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	if replaced && c.gcEnabled {
		if err := c.mds.MarkStale(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to mark key stale")
		}
	}

	if c.cache != nil && c.cache.Policy() == cache.OnWrite {
		c.cache.Add(versionName(key, ts), value)
	}

	for _, code := range codes {
		if code == 0 {
			continue
		}
		if n, ok := c.backends.Node(code); ok {
			used = append(used, n.Name())
		}
	}

	c.logger.Debug().
		Str("key", key).
		Str("ts", ts.String()).
		Int("size", len(value)).
		Strs("backends", used).
		Msg("put complete")
	return used, nil
}

// seal encrypts value when crypto is enabled. On failure the value is stored
// in the clear and no key is recorded.
func (c *Coordinator) seal(ctx context.Context, key string, value []byte, current *metadata.Metadata) ([]byte, []byte) {
	if !c.crypto {
		return value, nil
	}

	cryptoKey, err := c.cryptoKeyFor(current)
	if err == nil {
		var iv []byte
		if iv, err = c.sharedIV(ctx); err == nil {
			var sealed []byte
			if sealed, err = encryptValue(value, cryptoKey, iv); err == nil {
				return sealed, cryptoKey
			}
		}
	}

	c.metrics.CryptoDegradedTotal.Inc()
	c.logger.Warn().Err(err).Str("key", key).Msg("encryption failed, storing value unencrypted")
	return value, nil
}

// cryptoKeyFor reuses the key of the previous version when it has one.
func (c *Coordinator) cryptoKeyFor(current *metadata.Metadata) ([]byte, error) {
	if current != nil && len(current.CryptoKey) == metadata.CryptoKeyLength {
		return current.CryptoKey, nil
	}
	return newCryptoKey()
}

// writeChunks writes chunks to backends ranked by write latency, one window of
// at most quorum backends at a time, until quorum distinct chunks are
// acknowledged or every backend was tried. A window is never wider than the
// chunks still missing, so no backend is skipped. It returns the
// acknowledging backend code per chunk (0 for chunks that were not stored).
func (c *Coordinator) writeChunks(ctx context.Context, key string, ts *metadata.Timestamp, chunks [][]byte) []uint16 {
	codes := make([]uint16, len(chunks))
	ranked := c.backends.SortedByWriteLatency()
	acked := 0

	for next := 0; next < len(ranked) && acked < c.quorum; {
		var pending []int
		for i := range chunks {
			if codes[i] == 0 {
				pending = append(pending, i)
			}
		}
		if len(pending) == 0 {
			break
		}

		size := min(c.quorum, len(pending), len(ranked)-next)
		window := ranked[next : next+size]
		next += size

		acked += c.writeWindow(ctx, key, ts, chunks, window, pending[:size], codes, c.quorum-acked)
	}
	return codes
}

// writeWindow issues one write per pending chunk in parallel and drains
// results in arrival order until need acknowledgements arrive or all writes
// finish. Remaining writes are cancelled and their results ignored.
func (c *Coordinator) writeWindow(ctx context.Context, key string, ts *metadata.Timestamp, chunks [][]byte,
	window []*backend.Node, pending []int, codes []uint16, need int) int {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan chunkWrite, len(pending))
	for j, idx := range pending {
		node := window[j]
		name := metadata.ObjectName(metadata.ChunkKey(key, idx), ts)
		go func(idx int, node *backend.Node, name string) {
			opCtx, opCancel := context.WithTimeout(wctx, c.writeTimeout)
			defer opCancel()
			results <- chunkWrite{index: idx, node: node, err: node.Put(opCtx, name, chunks[idx])}
		}(idx, node, name)
	}

	acked := 0
	for range pending {
		r := <-results
		if r.err != nil {
			c.metrics.ChunkWritesTotal.WithLabelValues(r.node.Name(), metrics.StatusError).Inc()
			c.logger.Warn().
				Err(r.err).
				Str("backend", r.node.Name()).
				Str("key", key).
				Int("chunk", r.index).
				Msg("chunk write failed")
			continue
		}
		c.metrics.ChunkWritesTotal.WithLabelValues(r.node.Name(), metrics.StatusOK).Inc()
		codes[r.index] = r.node.Code()
		acked++
		if acked >= need {
			break
		}
	}
	return acked
}

// recordOrphan remembers the acknowledged chunks of a write that never got a
// metadata record, so the collector can reclaim them.
func (c *Coordinator) recordOrphan(ctx context.Context, key string, ts *metadata.Timestamp, codes []uint16) {
	if !c.gcEnabled {
		return
	}
	o := mds.Orphan{Key: key, Ts: ts.String()}
	for i, code := range codes {
		if code != 0 {
			o.Chunks = append(o.Chunks, mds.OrphanChunk{Index: i, Backend: code})
		}
	}
	if len(o.Chunks) == 0 {
		return
	}
	if err := c.mds.AddOrphan(ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error().Err(err).Str("orphan", o.ID()).Msg("failed to record orphan")
	}
}

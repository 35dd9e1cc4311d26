package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"golang.org/x/sync/errgroup"
)

// Delete writes a tombstone for key. Deleting an absent or already deleted key
// is a no-op. With GC enabled the old chunks are left to the collector;
// otherwise they are removed right away on a best-effort basis.
func (c *Coordinator) Delete(ctx context.Context, key string) (err error) {
	defer c.observe("delete", time.Now(), &err)
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := metadata.ValidateKey(key); err != nil {
		return err
	}

	current, version, err := c.mds.TsRead(ctx, key)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if current == nil || current.IsTombstone() {
		return nil
	}

	tombstone := metadata.Tombstone(current.Ts.Increment(c.clientID))
	if err := c.mds.Delete(ctx, key, tombstone, version); err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}

	if c.cache != nil {
		c.cache.Remove(versionName(key, current.Ts))
	}

	if c.gcEnabled {
		if err := c.mds.MarkStale(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to mark key stale")
		}
	} else {
		c.deleteChunks(ctx, current)
	}

	c.logger.Debug().Str("key", key).Str("ts", tombstone.Ts.String()).Msg("deleted")
	return nil
}

// deleteChunks removes the stored chunks of md. Failures are only logged; the
// leftovers are reclaimed by a later batch collection.
func (c *Coordinator) deleteChunks(ctx context.Context, md *metadata.Metadata) {
	var g errgroup.Group
	for _, idx := range md.StoredChunks() {
		node, ok := c.backends.Node(md.Backends[idx])
		if !ok {
			continue
		}
		name := md.ObjectName(idx)
		g.Go(func() error {
			if err := node.Delete(ctx, name); err != nil {
				c.logger.Warn().
					Err(err).
					Str("backend", node.Name()).
					Str("object", name).
					Msg("failed to delete chunk")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Package mds is the metadata store: one versioned, timestamp-ordered record per
// logical key, plus the orphan and stale-key sets the garbage collector works
// from and the store-wide crypto IV.
package mds

import (
	"context"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
)

// NoNode is the version reported for a key that has never been written.
const NoNode int64 = -1

// IVLength is the size of the shared crypto IV.
const IVLength = 16

// Store is a compare-and-swap metadata store.
//
// TsWrite and Delete succeed exactly when the new record's timestamp is
// strictly greater than the stored one. An out-of-date expected version is not
// an error by itself; the store re-reads and decides on timestamps alone.
type Store interface {
	// TsRead returns the record and its version, or nil and NoNode.
	TsRead(ctx context.Context, key string) (*metadata.Metadata, int64, error)
	// TsReadWatch is TsRead plus a watch that fires on the next change of key.
	TsReadWatch(ctx context.Context, key string) (*metadata.Metadata, int64, *Watch, error)
	// TsWrite stores md and reports whether an existing record was replaced.
	TsWrite(ctx context.Context, key string, md *metadata.Metadata, expectedVersion int64) (bool, error)
	// Delete stores a tombstone.
	Delete(ctx context.Context, key string, tombstone *metadata.Metadata, expectedVersion int64) error

	// List returns the keys of all live (non-tombstone) records, sorted.
	List(ctx context.Context) ([]string, error)
	// GetAll returns every record including tombstones.
	GetAll(ctx context.Context) (map[string]*metadata.Metadata, error)

	AddOrphan(ctx context.Context, o Orphan) error
	Orphans(ctx context.Context) ([]Orphan, error)
	RemoveOrphan(ctx context.Context, o Orphan) error

	MarkStale(ctx context.Context, key string) error
	StaleKeys(ctx context.Context) ([]string, error)
	RemoveStale(ctx context.Context, key string) error

	// GetOrCreateIV returns the shared IV, creating it on first use.
	GetOrCreateIV(ctx context.Context) ([]byte, error)

	// Purge physically removes a record, bypassing timestamp ordering.
	Purge(ctx context.Context, key string) error

	Close() error
}

// OrphanChunk locates one acknowledged chunk of an unfinalized write.
type OrphanChunk struct {
	Index   int    `cbor:"index"`
	Backend uint16 `cbor:"backend"`
}

// Orphan records the chunks a failed put left behind.
type Orphan struct {
	Key    string        `cbor:"key"`
	Ts     string        `cbor:"ts"`
	Chunks []OrphanChunk `cbor:"chunks"`
}

// ID identifies the write attempt that produced the orphan.
func (o Orphan) ID() string {
	return o.Key + metadata.VersionSeparator + o.Ts
}

// ObjectName returns the physical name of chunk i of the orphaned write.
func (o Orphan) ObjectName(i int) string {
	return metadata.ChunkKey(o.Key, i) + metadata.VersionSeparator + o.Ts
}

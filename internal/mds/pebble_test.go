package mds

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open(Config{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(counter int32, writer string) *metadata.Metadata {
	return &metadata.Metadata{
		Ts:          metadata.NewTimestamp(counter, writer),
		WholeHash:   metadata.Hash([]byte("value")),
		ChunkHashes: [][]byte{metadata.Hash([]byte("c0")), metadata.Hash([]byte("c1")), metadata.Hash([]byte("c2"))},
		Size:        5,
		Backends:    []uint16{1, 0, 3},
	}
}

func TestPebbleStore_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	md, version, err := s.TsRead(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, md)
	assert.Equal(t, NoNode, version)

	replaced, err := s.TsWrite(ctx, "k", record(0, "writer"), NoNode)
	require.NoError(t, err)
	assert.False(t, replaced)

	md, version, err = s.TsRead(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, int64(0), version)
	assert.True(t, metadata.NewTimestamp(0, "writer").Equal(md.Ts))
	assert.Equal(t, []uint16{1, 0, 3}, md.Backends)
	assert.Equal(t, []string{"k$0", "k$1", "k$2"}, md.ChunkKeys)
}

func TestPebbleStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	const zzz, aaa = "ZZZ", "AAA"

	read := func() (*metadata.Metadata, int64) {
		md, version, err := s.TsRead(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, md)
		return md, version
	}

	_, err := s.TsWrite(ctx, "k", record(0, zzz), NoNode)
	require.NoError(t, err)

	// stale expected version, but AAA orders above ZZZ at the same counter
	replaced, err := s.TsWrite(ctx, "k", record(0, aaa), NoNode)
	require.NoError(t, err)
	assert.True(t, replaced)

	md, version := read()
	assert.Equal(t, int32(0), md.Ts.Counter)
	assert.Equal(t, aaa, md.Ts.WriterID)
	assert.Equal(t, int64(1), version)

	_, err = s.TsWrite(ctx, "k", record(1, zzz), 1)
	require.NoError(t, err)
	_, err = s.TsWrite(ctx, "k", record(2, zzz), 2)
	require.NoError(t, err)

	// equal timestamp never wins
	_, err = s.TsWrite(ctx, "k", record(2, zzz), 2)
	assert.ErrorIs(t, err, ErrTimestampConflict)
	assert.ErrorIs(t, err, ErrMetadataConflict)

	_, err = s.TsWrite(ctx, "k", record(2, aaa), 2)
	require.NoError(t, err)

	md, version = read()
	assert.Equal(t, int32(2), md.Ts.Counter)
	assert.Equal(t, aaa, md.Ts.WriterID)
	assert.Equal(t, int64(4), version)

	_, err = s.TsWrite(ctx, "k", record(0, zzz), 0)
	assert.ErrorIs(t, err, ErrTimestampConflict)

	_, err = s.TsWrite(ctx, "k", record(3, zzz), 1)
	require.NoError(t, err)

	md, version = read()
	assert.Equal(t, int32(3), md.Ts.Counter)
	assert.Equal(t, zzz, md.Ts.WriterID)
	assert.Equal(t, int64(5), version)
}

func TestPebbleStore_ConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	writers := []string{"w1", "w2", "w3", "w4"}
	var wg sync.WaitGroup
	for _, w := range writers {
		for c := int32(0); c < 20; c++ {
			wg.Add(1)
			go func(c int32, w string) {
				defer wg.Done()
				_, err := s.TsWrite(ctx, "k", record(c, w), NoNode)
				if err != nil {
					assert.ErrorIs(t, err, ErrTimestampConflict)
				}
			}(c, w)
		}
	}
	wg.Wait()

	md, _, err := s.TsRead(ctx, "k")
	require.NoError(t, err)
	assert.True(t, metadata.NewTimestamp(19, "w1").Equal(md.Ts))
}

func TestPebbleStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, k := range []string{"c", "a", "b"} {
		_, err := s.TsWrite(ctx, k, record(0, "w"), NoNode)
		require.NoError(t, err)
	}

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	err = s.Delete(ctx, "b", metadata.Tombstone(metadata.NewTimestamp(1, "w")), 0)
	require.NoError(t, err)

	keys, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all["b"].IsTombstone())

	md, version, err := s.TsRead(ctx, "b")
	require.NoError(t, err)
	assert.True(t, md.IsTombstone())
	assert.Equal(t, int64(1), version)

	// tombstones obey timestamp ordering too
	err = s.Delete(ctx, "a", metadata.Tombstone(metadata.NewTimestamp(0, "w")), 0)
	assert.ErrorIs(t, err, ErrTimestampConflict)

	err = s.Delete(ctx, "a", record(5, "w"), 0)
	assert.Error(t, err, "not a tombstone")
}

func TestPebbleStore_Watch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.TsWrite(ctx, "k", record(0, "w"), NoNode)
	require.NoError(t, err)

	_, _, watch, err := s.TsReadWatch(ctx, "k")
	require.NoError(t, err)
	_, _, other, err := s.TsReadWatch(ctx, "other")
	require.NoError(t, err)
	defer other.Stop()

	select {
	case <-watch.C():
		t.Fatal("watch fired before any change")
	default:
	}

	_, err = s.TsWrite(ctx, "k", record(1, "w"), 0)
	require.NoError(t, err)

	select {
	case <-watch.C():
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
	select {
	case <-other.C():
		t.Fatal("watch on another key fired")
	default:
	}

	// stop after fire is a no-op
	watch.Stop()
}

func TestPebbleStore_WatchStop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, watch, err := s.TsReadWatch(ctx, "k")
	require.NoError(t, err)
	watch.Stop()

	_, err = s.TsWrite(ctx, "k", record(0, "w"), NoNode)
	require.NoError(t, err)

	select {
	case <-watch.C():
		t.Fatal("stopped watch fired")
	default:
	}
}

func TestPebbleStore_Orphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o1 := Orphan{Key: "k", Ts: "3_w", Chunks: []OrphanChunk{{Index: 0, Backend: 1}, {Index: 2, Backend: 4}}}
	o2 := Orphan{Key: "k", Ts: "4_w", Chunks: []OrphanChunk{{Index: 1, Backend: 2}}}
	require.NoError(t, s.AddOrphan(ctx, o1))
	require.NoError(t, s.AddOrphan(ctx, o2))

	orphans, err := s.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Orphan{o1, o2}, orphans)
	assert.Equal(t, "k$2#3_w", o1.ObjectName(2))

	require.NoError(t, s.RemoveOrphan(ctx, o1))
	orphans, err = s.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Orphan{o2}, orphans)
}

func TestPebbleStore_Stale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.MarkStale(ctx, "b"))
	require.NoError(t, s.MarkStale(ctx, "a"))
	require.NoError(t, s.MarkStale(ctx, "a"))

	keys, err := s.StaleKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.RemoveStale(ctx, "a"))
	keys, err = s.StaleKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestPebbleStore_GetOrCreateIV(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	iv, err := s.GetOrCreateIV(ctx)
	require.NoError(t, err)
	assert.Len(t, iv, IVLength)

	again, err := s.GetOrCreateIV(ctx)
	require.NoError(t, err)
	assert.Equal(t, iv, again)
}

func TestPebbleStore_Purge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.TsWrite(ctx, "k", record(7, "w"), NoNode)
	require.NoError(t, err)
	require.NoError(t, s.Purge(ctx, "k"))

	md, version, err := s.TsRead(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, md)
	assert.Equal(t, NoNode, version)

	// a purged key accepts any timestamp again
	_, err = s.TsWrite(ctx, "k", record(0, "w"), NoNode)
	assert.NoError(t, err)
}

func TestPebbleStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = s.TsWrite(ctx, "k", record(2, "w"), NoNode)
	require.NoError(t, err)
	require.NoError(t, s.MarkStale(ctx, "k"))
	iv, err := s.GetOrCreateIV(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	md, version, err := s.TsRead(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int32(2), md.Ts.Counter)
	assert.Equal(t, int64(0), version)

	stale, err := s.StaleKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, stale)

	again, err := s.GetOrCreateIV(ctx)
	require.NoError(t, err)
	assert.Equal(t, iv, again)
}

func TestPebbleStore_Closed(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{InMemory: true, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, _, watch, err := s.TsReadWatch(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	select {
	case <-watch.C():
	default:
		t.Fatal("close should release watches")
	}

	_, _, err = s.TsRead(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.TsWrite(ctx, "k", record(0, "w"), NoNode)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.NoError(t, s.Close())
}

package mds

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

const (
	prefixMetadata = "md/"
	prefixOrphan   = "orphan/"
	prefixStale    = "stale/"
	keyIV          = "iv"

	versionLength = 8
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mds: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("mds: CBOR decoder initialization failed: " + err.Error())
	}
}

// Config holds configuration for the Pebble-backed store.
type Config struct {
	Path     string // Database directory; ignored when InMemory
	InMemory bool
	Logger   zerolog.Logger
}

// PebbleStore implements Store on a local Pebble database.
// All compare-and-swap operations are serialised under one lock.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    zerolog.Logger
	watches   *watchers

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a store.
func Open(cfg Config) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
	}
	defer opts.Cache.Unref()

	path := cfg.Path
	writeOpts := pebble.Sync
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		path = "mds"
		writeOpts = pebble.NoSync
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, unavailable("open", err)
	}

	logger := cfg.Logger.With().Str("component", "mds").Logger()
	logger.Debug().Str("path", path).Bool("in_memory", cfg.InMemory).Msg("metadata store opened")

	return &PebbleStore{
		db:        db,
		writeOpts: writeOpts,
		logger:    logger,
		watches:   newWatchers(),
	}, nil
}

// TsRead returns the record for key and its version.
func (s *PebbleStore) TsRead(ctx context.Context, key string) (*metadata.Metadata, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, NoNode, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, NoNode, ErrStoreUnavailable
	}
	return s.readRecord(key)
}

// TsReadWatch returns the record and a watch registered atomically with the read.
func (s *PebbleStore) TsReadWatch(ctx context.Context, key string) (*metadata.Metadata, int64, *Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, NoNode, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, NoNode, nil, ErrStoreUnavailable
	}

	// Writers hold the exclusive lock, so no change can slip between read and registration.
	md, version, err := s.readRecord(key)
	if err != nil {
		return nil, NoNode, nil, err
	}
	return md, version, s.watches.add(key), nil
}

// TsWrite stores md if its timestamp is greater than the stored one.
func (s *PebbleStore) TsWrite(ctx context.Context, key string, md *metadata.Metadata, expectedVersion int64) (bool, error) {
	if md == nil || md.Ts == nil {
		return false, fmt.Errorf("write %s: record has no timestamp", key)
	}
	return s.cas(ctx, key, md, expectedVersion)
}

// Delete stores a tombstone if its timestamp is greater than the stored one.
func (s *PebbleStore) Delete(ctx context.Context, key string, tombstone *metadata.Metadata, expectedVersion int64) error {
	if tombstone == nil || !tombstone.IsTombstone() {
		return fmt.Errorf("delete %s: not a tombstone", key)
	}
	_, err := s.cas(ctx, key, tombstone, expectedVersion)
	return err
}

func (s *PebbleStore) cas(ctx context.Context, key string, md *metadata.Metadata, expectedVersion int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	value, err := md.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreUnavailable
	}

	current, version, err := s.readRecord(key)
	if err != nil {
		return false, err
	}
	if current != nil && !md.Ts.Greater(current.Ts) {
		return false, fmt.Errorf("%w: %s has %s, got %s", ErrTimestampConflict, key, current.Ts, md.Ts)
	}
	if version != expectedVersion {
		s.logger.Debug().
			Str("key", key).
			Int64("expected", expectedVersion).
			Int64("actual", version).
			Msg("stale expected version, timestamp still greater")
	}

	record := make([]byte, versionLength+len(value))
	binary.BigEndian.PutUint64(record, uint64(version+1))
	copy(record[versionLength:], value)
	if err := s.db.Set([]byte(prefixMetadata+key), record, s.writeOpts); err != nil {
		return false, unavailable("write metadata", err)
	}

	s.watches.fire(key)
	return current != nil, nil
}

// List returns all live keys in lexical order.
func (s *PebbleStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.scan(ctx, prefixMetadata, func(key string, value []byte) error {
		md, _, err := decodeRecord(key, value)
		if err != nil {
			return err
		}
		if !md.IsTombstone() {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// GetAll returns every record including tombstones.
func (s *PebbleStore) GetAll(ctx context.Context) (map[string]*metadata.Metadata, error) {
	all := make(map[string]*metadata.Metadata)
	err := s.scan(ctx, prefixMetadata, func(key string, value []byte) error {
		md, _, err := decodeRecord(key, value)
		if err != nil {
			return err
		}
		all[key] = md
		return nil
	})
	return all, err
}

// AddOrphan records the chunks of an unfinalized write.
func (s *PebbleStore) AddOrphan(ctx context.Context, o Orphan) error {
	value, err := encMode.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode orphan %s: %w", o.ID(), err)
	}
	return s.set(ctx, prefixOrphan+o.ID(), value)
}

// Orphans returns all recorded orphans.
func (s *PebbleStore) Orphans(ctx context.Context) ([]Orphan, error) {
	var out []Orphan
	err := s.scan(ctx, prefixOrphan, func(id string, value []byte) error {
		var o Orphan
		if err := decMode.Unmarshal(value, &o); err != nil {
			return fmt.Errorf("decode orphan %s: %w", id, err)
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// RemoveOrphan drops an orphan record.
func (s *PebbleStore) RemoveOrphan(ctx context.Context, o Orphan) error {
	return s.remove(ctx, prefixOrphan+o.ID())
}

// MarkStale flags a key whose older versions need collecting.
func (s *PebbleStore) MarkStale(ctx context.Context, key string) error {
	return s.set(ctx, prefixStale+key, nil)
}

// StaleKeys returns all flagged keys in lexical order.
func (s *PebbleStore) StaleKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.scan(ctx, prefixStale, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// RemoveStale clears a stale flag.
func (s *PebbleStore) RemoveStale(ctx context.Context, key string) error {
	return s.remove(ctx, prefixStale+key)
}

// GetOrCreateIV returns the shared IV, generating it on first call.
func (s *PebbleStore) GetOrCreateIV(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}

	iv, err := s.get([]byte(keyIV))
	if err != nil {
		return nil, err
	}
	if iv != nil {
		return iv, nil
	}

	iv = make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	if err := s.db.Set([]byte(keyIV), iv, s.writeOpts); err != nil {
		return nil, unavailable("write iv", err)
	}
	s.logger.Info().Msg("created shared crypto iv")
	return iv, nil
}

// Purge physically removes the record of key.
func (s *PebbleStore) Purge(ctx context.Context, key string) error {
	if err := s.remove(ctx, prefixMetadata+key); err != nil {
		return err
	}
	s.watches.fire(key)
	return nil
}

// Close fires every outstanding watch and closes the database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.watches.fireAll()
	return s.db.Close()
}

func (s *PebbleStore) readRecord(key string) (*metadata.Metadata, int64, error) {
	value, err := s.get([]byte(prefixMetadata + key))
	if err != nil {
		return nil, NoNode, err
	}
	if value == nil {
		return nil, NoNode, nil
	}
	return decodeRecord(key, value)
}

func decodeRecord(key string, value []byte) (*metadata.Metadata, int64, error) {
	if len(value) < versionLength {
		return nil, NoNode, fmt.Errorf("%w: record %s too short", metadata.ErrMalformed, key)
	}
	version := int64(binary.BigEndian.Uint64(value))
	md, err := metadata.Unmarshal(key, value[versionLength:])
	if err != nil {
		return nil, NoNode, fmt.Errorf("decode %s: %w", key, err)
	}
	return md, version, nil
}

// get returns a copy of the value or nil when absent. Callers hold s.mu.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read", err)
	}
	defer func() { _ = closer.Close() }()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *PebbleStore) set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreUnavailable
	}
	if err := s.db.Set([]byte(key), value, s.writeOpts); err != nil {
		return unavailable("write", err)
	}
	return nil
}

func (s *PebbleStore) remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreUnavailable
	}
	if err := s.db.Delete([]byte(key), s.writeOpts); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// scan calls fn for each entry under prefix with the prefix stripped, in key order.
func (s *PebbleStore) scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreUnavailable
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return unavailable("scan", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return unavailable("scan", err)
		}
		if err := fn(strings.TrimPrefix(string(iter.Key()), prefix), value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return unavailable("scan", err)
	}
	return nil
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

var _ Store = (*PebbleStore)(nil)

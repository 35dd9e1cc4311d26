package metadata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// VersionSeparator joins a chunk key and the timestamp of its version.
	VersionSeparator = "#"
	// ChunkSeparator joins a logical key and a chunk index.
	ChunkSeparator = "$"
)

// ErrInvalidKey is returned for logical keys that would make object names ambiguous.
var ErrInvalidKey = errors.New("invalid key")

// ObjectRef is a parsed physical object name.
type ObjectRef struct {
	Key   string
	Chunk int // -1 when the name carries no chunk index
	Ts    *Timestamp
}

// ValidateKey rejects keys that cannot round-trip through ParseObjectName.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.Contains(key, VersionSeparator) || strings.Contains(key, ChunkSeparator) {
		return fmt.Errorf("%w: %q contains %q or %q", ErrInvalidKey, key, VersionSeparator, ChunkSeparator)
	}
	return nil
}

// ChunkKey names chunk i of a logical key.
func ChunkKey(key string, i int) string {
	return key + ChunkSeparator + strconv.Itoa(i)
}

// ObjectName is the backend object name of a chunk key at a version.
func ObjectName(chunkKey string, ts *Timestamp) string {
	return chunkKey + VersionSeparator + ts.String()
}

// ParseObjectName splits a backend object name into logical key, chunk index and timestamp.
func ParseObjectName(name string) (ObjectRef, error) {
	prefix, version, ok := strings.Cut(name, VersionSeparator)
	if !ok {
		return ObjectRef{}, fmt.Errorf("%w: object name %q has no version", ErrMalformed, name)
	}
	ts, err := ParseTimestamp(version)
	if err != nil {
		return ObjectRef{}, err
	}

	ref := ObjectRef{Key: prefix, Chunk: -1, Ts: ts}
	if i := strings.LastIndex(prefix, ChunkSeparator); i >= 0 {
		n, err := strconv.Atoi(prefix[i+1:])
		if err != nil || n < 0 {
			return ObjectRef{}, fmt.Errorf("%w: object name %q has a bad chunk index", ErrMalformed, name)
		}
		ref.Key, ref.Chunk = prefix[:i], n
	}
	if ref.Key == "" {
		return ObjectRef{}, fmt.Errorf("%w: object name %q has an empty key", ErrMalformed, name)
	}
	return ref, nil
}

// Package metadata defines the per-key version record shared by the coordinator,
// the metadata store and the garbage collector, together with its fixed binary
// layout and the naming scheme of the chunk objects it points at.
package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// Timestamp totally orders the versions of a logical key.
// Ties on Counter are broken in favour of the lexicographically smaller WriterID.
type Timestamp struct {
	Counter  int32
	WriterID string
}

// NewTimestamp returns a timestamp with the given counter and writer id.
func NewTimestamp(counter int32, writerID string) *Timestamp {
	return &Timestamp{Counter: counter, WriterID: writerID}
}

// Greater reports whether ts orders strictly after other.
// Every timestamp is greater than nil.
func (ts *Timestamp) Greater(other *Timestamp) bool {
	if other == nil {
		return true
	}
	if ts.Counter != other.Counter {
		return ts.Counter > other.Counter
	}
	return ts.WriterID < other.WriterID
}

// Equal reports whether both timestamps carry the same counter and writer id.
func (ts *Timestamp) Equal(other *Timestamp) bool {
	if ts == nil || other == nil {
		return ts == other
	}
	return ts.Counter == other.Counter && ts.WriterID == other.WriterID
}

// Increment returns the timestamp following ts for the given writer.
func (ts *Timestamp) Increment(writerID string) *Timestamp {
	return &Timestamp{Counter: ts.Counter + 1, WriterID: writerID}
}

// String encodes the timestamp as "<counter>_<writerId>".
func (ts *Timestamp) String() string {
	return strconv.FormatInt(int64(ts.Counter), 10) + "_" + ts.WriterID
}

// ParseTimestamp is the inverse of Timestamp.String.
func ParseTimestamp(s string) (*Timestamp, error) {
	counter, writer, ok := strings.Cut(s, "_")
	if !ok {
		return nil, fmt.Errorf("%w: timestamp %q has no writer separator", ErrMalformed, s)
	}
	n, err := strconv.ParseInt(counter, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp counter %q: %v", ErrMalformed, counter, err)
	}
	if writer == "" {
		return nil, fmt.Errorf("%w: timestamp %q has an empty writer id", ErrMalformed, s)
	}
	return &Timestamp{Counter: int32(n), WriterID: writer}, nil
}

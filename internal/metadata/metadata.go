package metadata

import (
	"bytes"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

const (
	// HashLength is the size of every whole-value and per-chunk digest.
	HashLength = 20
	// CryptoKeyLength is the size of the per-key encryption key.
	CryptoKeyLength = 16
	// MaxChunks bounds the number of chunks a record can describe.
	MaxChunks = 255
	// MaxBackendCode is the largest backend code a record can carry (int16 on the wire).
	MaxBackendCode = math.MaxInt16
)

// Metadata is the version record of a logical key.
// ChunkHashes, ChunkKeys and Backends are indexed by chunk number; a zero
// backend code marks a chunk that was encoded but never acknowledged.
type Metadata struct {
	Ts          *Timestamp
	WholeHash   []byte
	ChunkHashes [][]byte
	Size        int32
	ChunkKeys   []string
	Backends    []uint16
	CryptoKey   []byte
}

// Tombstone returns the record that marks key deletion at ts.
func Tombstone(ts *Timestamp) *Metadata {
	return &Metadata{Ts: ts}
}

// IsTombstone reports whether the record carries nothing but a timestamp.
func (m *Metadata) IsTombstone() bool {
	return m.WholeHash == nil &&
		m.ChunkHashes == nil &&
		m.ChunkKeys == nil &&
		m.Backends == nil &&
		m.Size == 0 &&
		m.CryptoKey == nil
}

// StoredChunks returns the indices of chunks that have a backend assigned.
func (m *Metadata) StoredChunks() []int {
	var idx []int
	for i, code := range m.Backends {
		if code != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// ObjectName returns the physical name of chunk i of this version.
func (m *Metadata) ObjectName(i int) string {
	return ObjectName(m.ChunkKeys[i], m.Ts)
}

// VerifyChunk reports whether data matches the recorded hash of chunk i.
func (m *Metadata) VerifyChunk(i int, data []byte) bool {
	if i < 0 || i >= len(m.ChunkHashes) || m.ChunkHashes[i] == nil {
		return false
	}
	return bytes.Equal(m.ChunkHashes[i], Hash(data))
}

// String returns a compact description for logs.
func (m *Metadata) String() string {
	if m.IsTombstone() {
		return fmt.Sprintf("Metadata{ts=%s, tombstone}", m.Ts)
	}
	return fmt.Sprintf("Metadata{ts=%s, size=%d, chunks=%d, backends=%v, encrypted=%t}",
		m.Ts, m.Size, len(m.ChunkHashes), m.Backends, m.CryptoKey != nil)
}

// Hash returns the HashLength-byte digest used for whole values and chunks.
func Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	out := make([]byte, HashLength)
	copy(out, sum[:HashLength])
	return out
}

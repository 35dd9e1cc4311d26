// Package erasure splits values into data and parity chunks with Reed-Solomon coding.
package erasure

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrInsufficientChunks is returned when fewer than DataChunks chunks are available.
var ErrInsufficientChunks = errors.New("insufficient chunks for reconstruction")

// Coder encodes a value into an ordered list of chunks and reconstructs it
// from any DataChunks of them. Encode must be deterministic.
type Coder interface {
	Encode(value []byte) ([][]byte, error)
	Decode(chunks [][]byte, size int) ([]byte, error)
	DataChunks() int
	ParityChunks() int
}

// ReedSolomon is a Coder backed by klauspost/reedsolomon.
type ReedSolomon struct {
	k, m int
	enc  reedsolomon.Encoder
}

// NewReedSolomon creates a coder producing k data chunks and m parity chunks.
func NewReedSolomon(k, m int) (*ReedSolomon, error) {
	if k < 1 {
		return nil, fmt.Errorf("data chunks (k) must be >= 1, got %d", k)
	}
	if m < 0 {
		return nil, fmt.Errorf("parity chunks (m) must be >= 0, got %d", m)
	}
	if k+m > 256 {
		return nil, fmt.Errorf("total chunks (k+m) must be <= 256, got %d", k+m)
	}

	rs := &ReedSolomon{k: k, m: m}
	if m > 0 {
		enc, err := reedsolomon.New(k, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create RS encoder: %w", err)
		}
		rs.enc = enc
	}
	return rs, nil
}

// DataChunks returns k.
func (rs *ReedSolomon) DataChunks() int { return rs.k }

// ParityChunks returns m.
func (rs *ReedSolomon) ParityChunks() int { return rs.m }

// Encode splits value into k zero-padded data chunks followed by m parity chunks.
// An empty value still yields k+m one-byte chunks so every chunk can be stored and hashed.
func (rs *ReedSolomon) Encode(value []byte) ([][]byte, error) {
	// Ceiling division, at least one byte per chunk
	shardSize := (len(value) + rs.k - 1) / rs.k
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, rs.k+rs.m)
	for i := 0; i < rs.k; i++ {
		shards[i] = make([]byte, shardSize)
		start := i * shardSize
		if start < len(value) {
			end := start + shardSize
			if end > len(value) {
				end = len(value)
			}
			copy(shards[i], value[start:end])
		}
	}
	for i := rs.k; i < rs.k+rs.m; i++ {
		shards[i] = make([]byte, shardSize)
	}

	if rs.enc == nil {
		return shards, nil
	}
	if err := rs.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode shards: %w", err)
	}
	return shards, nil
}

// Decode rebuilds the original value of the given size.
// chunks has length k+m with missing chunks set to nil; present chunks are not modified.
func (rs *ReedSolomon) Decode(chunks [][]byte, size int) ([]byte, error) {
	if len(chunks) != rs.k+rs.m {
		return nil, fmt.Errorf("expected %d chunks (k+m), got %d", rs.k+rs.m, len(chunks))
	}
	if size < 0 {
		return nil, fmt.Errorf("original size must be >= 0, got %d", size)
	}

	shards := make([][]byte, len(chunks))
	available := 0
	var shardSize int
	for i, c := range chunks {
		if c == nil {
			continue
		}
		if shardSize == 0 {
			shardSize = len(c)
		} else if len(c) != shardSize {
			return nil, fmt.Errorf("chunk %d has size %d, expected %d", i, len(c), shardSize)
		}
		shards[i] = c
		available++
	}
	if available < rs.k {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientChunks, rs.k, available)
	}
	if size > shardSize*rs.k {
		return nil, fmt.Errorf("size %d exceeds maximum reconstructible data %d (chunk_size * k)", size, shardSize*rs.k)
	}

	missingData := false
	for i := 0; i < rs.k; i++ {
		if shards[i] == nil {
			missingData = true
			break
		}
	}
	if missingData {
		if rs.enc == nil {
			return nil, fmt.Errorf("%w: data chunk missing and no parity configured", ErrInsufficientChunks)
		}
		if err := rs.enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("failed to reconstruct shards: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.Grow(shardSize * rs.k)
	for i := 0; i < rs.k; i++ {
		buf.Write(shards[i])
	}
	return buf.Bytes()[:size], nil
}

package metadata

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMetadata(key string) *Metadata {
	chunks := [][]byte{[]byte("chunk-0"), []byte("chunk-1"), []byte("chunk-2")}
	md := &Metadata{
		Ts:        NewTimestamp(7, "client0001"),
		WholeHash: Hash([]byte("whole value")),
		Size:      11,
		Backends:  []uint16{3, 0, 1},
		CryptoKey: bytes.Repeat([]byte{0xab}, CryptoKeyLength),
	}
	for i, c := range chunks {
		md.ChunkHashes = append(md.ChunkHashes, Hash(c))
		md.ChunkKeys = append(md.ChunkKeys, ChunkKey(key, i))
	}
	return md
}

func TestMetadata_RoundTrip(t *testing.T) {
	md := sampleMetadata("photos/cat")

	raw, err := md.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Unmarshal("photos/cat", raw)
	require.NoError(t, err)

	assert.True(t, md.Ts.Equal(decoded.Ts))
	assert.Equal(t, md.WholeHash, decoded.WholeHash)
	assert.Equal(t, md.ChunkHashes, decoded.ChunkHashes)
	assert.Equal(t, md.ChunkKeys, decoded.ChunkKeys)
	assert.Equal(t, md.Backends, decoded.Backends)
	assert.Equal(t, md.CryptoKey, decoded.CryptoKey)
	assert.Equal(t, md.Size, decoded.Size)
	assert.False(t, decoded.IsTombstone())
	assert.Equal(t, []int{0, 2}, decoded.StoredChunks())
}

func TestMetadata_NoCryptoKey(t *testing.T) {
	md := sampleMetadata("k")
	md.CryptoKey = nil

	raw, err := md.MarshalBinary()
	require.NoError(t, err)
	decoded, err := Unmarshal("k", raw)
	require.NoError(t, err)

	assert.Nil(t, decoded.CryptoKey)
}

func TestMetadata_TombstoneRoundTrip(t *testing.T) {
	ts := NewTimestamp(9, "deleter")
	tomb := Tombstone(ts)
	require.True(t, tomb.IsTombstone())

	raw, err := tomb.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Unmarshal("k", raw)
	require.NoError(t, err)

	assert.True(t, decoded.IsTombstone())
	assert.True(t, ts.Equal(decoded.Ts))
	assert.Nil(t, decoded.Backends)
	assert.Nil(t, decoded.ChunkKeys)
	assert.Equal(t, int32(0), decoded.Size)
}

func TestMetadata_EmptyBackendList(t *testing.T) {
	md := &Metadata{Ts: NewTimestamp(0, "w"), WholeHash: Hash(nil), Backends: []uint16{}}

	raw, err := md.MarshalBinary()
	require.NoError(t, err)
	decoded, err := Unmarshal("k", raw)
	require.NoError(t, err)

	assert.NotNil(t, decoded.Backends)
	assert.Empty(t, decoded.Backends)
	assert.False(t, decoded.IsTombstone())
}

func TestMetadata_MarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		md   *Metadata
	}{
		{"missing timestamp", &Metadata{}},
		{"empty writer", &Metadata{Ts: NewTimestamp(0, "")}},
		{"non ascii writer", &Metadata{Ts: NewTimestamp(0, "é")}},
		{"short hash", &Metadata{Ts: NewTimestamp(0, "w"), WholeHash: []byte{1, 2}}},
		{"backend count mismatch", &Metadata{Ts: NewTimestamp(0, "w"), ChunkHashes: [][]byte{Hash(nil)}, Backends: []uint16{1, 2}}},
		{"short crypto key", &Metadata{Ts: NewTimestamp(0, "w"), CryptoKey: []byte{1}}},
		{"backend code out of range", &Metadata{Ts: NewTimestamp(0, "w"), ChunkHashes: [][]byte{Hash(nil)}, Backends: []uint16{40000}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.md.MarshalBinary()
			assert.Error(t, err)
		})
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	raw, err := sampleMetadata("k").MarshalBinary()
	require.NoError(t, err)

	for _, n := range []int{0, 3, 10, len(raw) - 1} {
		_, err := Unmarshal("k", raw[:n])
		assert.ErrorIs(t, err, ErrMalformed, "length %d", n)
	}

	_, err = Unmarshal("k", append(raw, 0x00))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMetadata_VerifyChunk(t *testing.T) {
	md := sampleMetadata("k")

	assert.True(t, md.VerifyChunk(1, []byte("chunk-1")))
	assert.False(t, md.VerifyChunk(1, []byte("chunk-2")))
	assert.False(t, md.VerifyChunk(5, []byte("chunk-1")))
}

func TestHash_Length(t *testing.T) {
	assert.Len(t, Hash([]byte("x")), HashLength)
	assert.NotEqual(t, Hash([]byte("x")), Hash([]byte("y")))
}

package backend

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCompression_RoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte("cloudquorum chunk payload "), 200)

	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			raw := NewMemory("raw")
			b, err := WithCompression(raw, c)
			require.NoError(t, err)
			assert.Equal(t, "raw", b.Name())

			require.NoError(t, b.Put(ctx, "obj", payload))

			stored, err := raw.Get(ctx, "obj")
			require.NoError(t, err)
			assert.Less(t, len(stored), len(payload), "compressible payload should shrink")

			got, err := b.Get(ctx, "obj")
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			names, err := b.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"obj"}, names)
		})
	}
}

func TestWithCompression_EmptyValue(t *testing.T) {
	ctx := context.Background()
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		b, err := WithCompression(NewMemory("m"), c)
		require.NoError(t, err)

		require.NoError(t, b.Put(ctx, "empty", []byte{}))
		got, err := b.Get(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestWithCompression_None(t *testing.T) {
	raw := NewMemory("raw")
	b, err := WithCompression(raw, CompressionNone)
	require.NoError(t, err)
	assert.Same(t, raw, b)
}

func TestWithCompression_Unknown(t *testing.T) {
	_, err := WithCompression(NewMemory("raw"), "gzip")
	assert.Error(t, err)
}

func TestWithCompression_GarbageIsUnavailable(t *testing.T) {
	ctx := context.Background()
	raw := NewMemory("raw")
	b, err := WithCompression(raw, CompressionZstd)
	require.NoError(t, err)

	require.NoError(t, raw.Put(ctx, "obj", []byte("definitely not zstd")))
	_, err = b.Get(ctx, "obj")
	assert.ErrorIs(t, err, ErrUnavailable)
}

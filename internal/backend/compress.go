package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the transparent compression applied to stored objects.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

type codec interface {
	compress(data []byte) ([]byte, error)
	decompress(data []byte) ([]byte, error)
}

// Compressed wraps a Backend and compresses object bodies on the way in.
// Names and listing are passed through unchanged.
type Compressed struct {
	Backend
	codec codec
}

// WithCompression wraps b with the given compression.
// CompressionNone and the empty string return b unchanged.
func WithCompression(b Backend, c Compression) (Backend, error) {
	switch c {
	case "", CompressionNone:
		return b, nil
	case CompressionZstd:
		return &Compressed{Backend: b, codec: newZstdCodec()}, nil
	case CompressionLZ4:
		return &Compressed{Backend: b, codec: lz4Codec{}}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// Put compresses data and stores it.
func (c *Compressed) Put(ctx context.Context, name string, data []byte) error {
	packed, err := c.codec.compress(data)
	if err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	return c.Backend.Put(ctx, name, packed)
}

// Get fetches and decompresses an object. A body that fails to decompress
// is reported as unavailable so callers treat the chunk as missing.
func (c *Compressed) Get(ctx context.Context, name string) ([]byte, error) {
	packed, err := c.Backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := c.codec.decompress(packed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", ErrUnavailable, name, err)
	}
	return data, nil
}

type zstdCodec struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newZstdCodec() *zstdCodec {
	z := &zstdCodec{}
	z.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	z.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return z
}

func (z *zstdCodec) compress(data []byte) ([]byte, error) {
	enc := z.encoderPool.Get().(*zstd.Encoder)
	defer z.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (z *zstdCodec) decompress(data []byte) ([]byte, error) {
	dec := z.decoderPool.Get().(*zstd.Decoder)
	defer z.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

type lz4Codec struct{}

func (lz4Codec) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

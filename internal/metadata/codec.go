package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Backend list terminators of the binary layout.
const (
	endOfBackends int16 = -1
	nullBackends  int16 = -2
)

// Record layout, all integers big-endian:
//
//	counter      int32
//	writerIdLen  uint16
//	writerId     [writerIdLen]byte (ASCII)
//	chunkCount   uint8
//	wholeHash    [HashLength]byte            (all zero: absent)
//	chunkHashes  [chunkCount][HashLength]byte (all zero: absent)
//	cryptoKey    [CryptoKeyLength]byte       (all zero: no key)
//	size         int32
//	backends     int16... -1, or a single -2 for a null list
//
// Chunk keys are not stored; Unmarshal derives them from the logical key.

// MarshalBinary encodes the record in its fixed layout.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	if m.Ts == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if err := validateWriter(m.Ts.WriterID); err != nil {
		return nil, err
	}
	if len(m.ChunkHashes) > MaxChunks {
		return nil, fmt.Errorf("%w: %d", ErrTooManyChunks, len(m.ChunkHashes))
	}
	if m.Backends != nil && len(m.Backends) != len(m.ChunkHashes) {
		return nil, fmt.Errorf("%w: %d backends for %d chunks", ErrMalformed, len(m.Backends), len(m.ChunkHashes))
	}

	var buf bytes.Buffer
	buf.Grow(4 + 2 + len(m.Ts.WriterID) + 1 + HashLength*(1+len(m.ChunkHashes)) + CryptoKeyLength + 4 + 2*(len(m.Backends)+1))

	_ = binary.Write(&buf, binary.BigEndian, m.Ts.Counter)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(m.Ts.WriterID)))
	buf.WriteString(m.Ts.WriterID)
	buf.WriteByte(uint8(len(m.ChunkHashes)))

	if err := writeFixed(&buf, m.WholeHash, HashLength, "whole hash"); err != nil {
		return nil, err
	}
	for i, h := range m.ChunkHashes {
		if err := writeFixed(&buf, h, HashLength, fmt.Sprintf("chunk hash %d", i)); err != nil {
			return nil, err
		}
	}
	if err := writeFixed(&buf, m.CryptoKey, CryptoKeyLength, "crypto key"); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.BigEndian, m.Size)

	if m.Backends == nil {
		_ = binary.Write(&buf, binary.BigEndian, nullBackends)
		return buf.Bytes(), nil
	}
	for _, code := range m.Backends {
		if code > MaxBackendCode {
			return nil, fmt.Errorf("%w: backend code %d out of range", ErrMalformed, code)
		}
		_ = binary.Write(&buf, binary.BigEndian, int16(code))
	}
	_ = binary.Write(&buf, binary.BigEndian, endOfBackends)
	return buf.Bytes(), nil
}

// Unmarshal decodes a record of the logical key written by MarshalBinary.
func Unmarshal(key string, data []byte) (*Metadata, error) {
	r := bytes.NewReader(data)
	m := &Metadata{Ts: &Timestamp{}}

	var writerLen uint16
	if err := readAll(r, &m.Ts.Counter, &writerLen); err != nil {
		return nil, err
	}
	writer := make([]byte, writerLen)
	if _, err := io.ReadFull(r, writer); err != nil {
		return nil, fmt.Errorf("%w: writer id: %v", ErrMalformed, err)
	}
	m.Ts.WriterID = string(writer)

	var count uint8
	if err := readAll(r, &count); err != nil {
		return nil, err
	}

	var err error
	if m.WholeHash, err = readFixed(r, HashLength); err != nil {
		return nil, err
	}
	if count > 0 {
		m.ChunkHashes = make([][]byte, count)
		for i := range m.ChunkHashes {
			if m.ChunkHashes[i], err = readFixed(r, HashLength); err != nil {
				return nil, err
			}
		}
	}
	if m.CryptoKey, err = readFixed(r, CryptoKeyLength); err != nil {
		return nil, err
	}
	if err := readAll(r, &m.Size); err != nil {
		return nil, err
	}

	backends := []uint16{}
	for {
		var code int16
		if err := readAll(r, &code); err != nil {
			return nil, err
		}
		if code == nullBackends {
			if len(backends) > 0 {
				return nil, fmt.Errorf("%w: null marker after %d backends", ErrMalformed, len(backends))
			}
			backends = nil
			break
		}
		if code == endOfBackends {
			break
		}
		if code < 0 {
			return nil, fmt.Errorf("%w: negative backend code %d", ErrMalformed, code)
		}
		backends = append(backends, uint16(code))
	}
	m.Backends = backends
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}

	if m.Backends != nil {
		if len(m.Backends) != int(count) {
			return nil, fmt.Errorf("%w: %d backends for %d chunks", ErrMalformed, len(m.Backends), count)
		}
		m.ChunkKeys = make([]string, count)
		for i := range m.ChunkKeys {
			m.ChunkKeys[i] = ChunkKey(key, i)
		}
	}
	return m, nil
}

func writeFixed(w *bytes.Buffer, b []byte, n int, field string) error {
	if b == nil {
		w.Write(make([]byte, n))
		return nil
	}
	if len(b) != n {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, field, len(b), n)
	}
	w.Write(b)
	return nil
}

// readFixed reads n bytes and maps an all-zero field to nil.
func readFixed(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, c := range b {
		if c != 0 {
			return b, nil
		}
	}
	return nil, nil
}

func readAll(r io.Reader, fields ...any) error {
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

func validateWriter(id string) error {
	if id == "" || len(id) > math.MaxUint16 {
		return ErrBadWriter
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 0x7f {
			return ErrBadWriter
		}
	}
	return nil
}

package coordinator

import (
	"errors"

	"github.com/cloudquorum/cloudquorum/internal/metadata"
)

// Coordinator errors.
var (
	ErrQuorumNotReached = errors.New("quorum not reached")
	ErrNotFound         = errors.New("key not found")
	ErrRetryExhausted   = errors.New("get retries exhausted")
	ErrNotEnoughChunks  = errors.New("not enough valid chunks")
	ErrCorruptChunk     = errors.New("corrupt chunk")
	ErrClosed           = errors.New("coordinator shut down")
	ErrUnknownBackend   = errors.New("unknown backend")
	ErrValueTooLarge    = errors.New("value too large")

	// ErrInvalidKey is shared with the metadata package.
	ErrInvalidKey = metadata.ErrInvalidKey
)

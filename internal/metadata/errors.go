package metadata

import "errors"

// Metadata error types.
var (
	ErrMalformed     = errors.New("malformed metadata")
	ErrBadWriter     = errors.New("writer id must be non-empty ASCII")
	ErrTooManyChunks = errors.New("too many chunks")
)

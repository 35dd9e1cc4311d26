package mds

import (
	"errors"
	"fmt"
)

// Metadata store errors.
var (
	ErrMetadataConflict = errors.New("metadata conflict")
	ErrStoreUnavailable = errors.New("metadata store unavailable")

	// ErrTimestampConflict means the stored record already carries an equal
	// or greater timestamp. It is the only conflict surfaced to callers.
	ErrTimestampConflict = fmt.Errorf("%w: timestamp not greater than stored", ErrMetadataConflict)
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

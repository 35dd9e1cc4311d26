// Package backend provides the object stores that hold erasure-coded chunks
// and the latency-ranked set the coordinator writes to and reads from.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Backend errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUnavailable    = errors.New("backend unavailable")
	ErrInvalidName    = errors.New("invalid object name")
)

// Kind selects a backend implementation.
type Kind string

// Supported backend kinds.
const (
	KindMemory Kind = "memory"
	KindFS     Kind = "fs"
)

// Backend is a flat object store. Put overwrites, Delete of a missing object
// succeeds, Get of a missing object returns ErrObjectNotFound.
type Backend interface {
	Name() string
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Purge deletes every object of a backend. It is meant for tests and tooling.
func Purge(ctx context.Context, b Backend) error {
	names, err := b.List(ctx)
	if err != nil {
		return fmt.Errorf("list %s: %w", b.Name(), err)
	}
	for _, name := range names {
		if err := b.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s from %s: %w", name, b.Name(), err)
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

const tmpDir = ".tmp"

// FSBackend stores each object as one file in the root of a billy filesystem.
// Object names are path-escaped so any name maps to a single flat file.
// Writes go through a temp file and a rename, so readers see whole objects only.
type FSBackend struct {
	name string
	fs   billy.Filesystem
}

// NewFS creates a backend on top of an existing filesystem.
func NewFS(name string, fs billy.Filesystem) (*FSBackend, error) {
	if err := fs.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &FSBackend{name: name, fs: fs}, nil
}

// NewMemory creates a transient in-memory backend.
func NewMemory(name string) *FSBackend {
	b, err := NewFS(name, memfs.New())
	if err != nil {
		// memfs cannot fail to create a directory
		panic(err)
	}
	return b
}

// NewDisk creates a backend rooted at dir on the local disk.
func NewDisk(name, dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backend dir: %w", err)
	}
	return NewFS(name, osfs.New(dir))
}

// Name returns the backend name.
func (b *FSBackend) Name() string { return b.name }

// Put writes an object atomically.
func (b *FSBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	tmp, err := b.fs.TempFile(tmpDir, "obj-")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrUnavailable, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = b.fs.Remove(tmpPath)
		return fmt.Errorf("%w: write object: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = b.fs.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", ErrUnavailable, err)
	}
	if err := b.fs.Rename(tmpPath, url.PathEscape(name)); err != nil {
		_ = b.fs.Remove(tmpPath)
		return fmt.Errorf("%w: rename object: %v", ErrUnavailable, err)
	}
	return nil
}

// Get reads an object.
func (b *FSBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	f, err := b.fs.Open(url.PathEscape(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open object: %v", ErrUnavailable, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read object: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Delete removes an object. Missing objects are not an error.
func (b *FSBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	err := b.fs.Remove(url.PathEscape(name))
	if errors.Is(err, os.ErrNotExist) {
		if _, perr := url.PathUnescape(name); perr != nil {
			// A foreign file List surfaced under its raw name.
			err = b.fs.Remove(name)
		}
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete object: %v", ErrUnavailable, err)
	}
	return nil
}

// List returns the names of all stored objects.
func (b *FSBackend) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := b.fs.ReadDir("/")
	if err != nil {
		return nil, fmt.Errorf("%w: list objects: %v", ErrUnavailable, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			// not written by us; surface it raw so a sweep can remove it
			name = e.Name()
		}
		names = append(names, name)
	}
	return names, nil
}

// Close is a no-op; files are closed after every operation.
func (b *FSBackend) Close() error { return nil }

var _ Backend = (*FSBackend)(nil)

package backend

import (
	"context"
	"sort"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendsUnderTest(t *testing.T) map[string]Backend {
	disk, err := NewDisk("disk", t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemory("mem"),
		"disk":   disk,
	}
}

func TestFSBackend_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backendsUnderTest(t) {
		t.Run(kind, func(t *testing.T) {
			name := "dir/file.txt$0#1_writer"
			require.NoError(t, b.Put(ctx, name, []byte("hello")))

			data, err := b.Get(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)

			// overwrite
			require.NoError(t, b.Put(ctx, name, []byte("world")))
			data, err = b.Get(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, []byte("world"), data)

			require.NoError(t, b.Delete(ctx, name))
			_, err = b.Get(ctx, name)
			assert.ErrorIs(t, err, ErrObjectNotFound)

			// deleting again is fine
			assert.NoError(t, b.Delete(ctx, name))
		})
	}
}

func TestFSBackend_List(t *testing.T) {
	ctx := context.Background()
	for kind, b := range backendsUnderTest(t) {
		t.Run(kind, func(t *testing.T) {
			names := []string{"a$0#1_w", "a/b$1#1_w", "malformedkey1", "100%#2_x"}
			for _, n := range names {
				require.NoError(t, b.Put(ctx, n, []byte(n)))
			}

			listed, err := b.List(ctx)
			require.NoError(t, err)
			sort.Strings(listed)
			want := append([]string(nil), names...)
			sort.Strings(want)
			assert.Equal(t, want, listed)

			require.NoError(t, Purge(ctx, b))
			listed, err = b.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, listed)
		})
	}
}

func TestFSBackend_EmptyObject(t *testing.T) {
	ctx := context.Background()
	b := NewMemory("mem")

	require.NoError(t, b.Put(ctx, "empty", nil))
	data, err := b.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFSBackend_InvalidName(t *testing.T) {
	ctx := context.Background()
	b := NewMemory("mem")

	for _, n := range []string{"", ".", ".."} {
		assert.ErrorIs(t, b.Put(ctx, n, []byte("x")), ErrInvalidName)
		_, err := b.Get(ctx, n)
		assert.ErrorIs(t, err, ErrInvalidName)
	}
}

func TestFSBackend_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewMemory("mem")

	assert.ErrorIs(t, b.Put(ctx, "k", []byte("v")), context.Canceled)
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = b.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFSBackend_ForeignFileCanBeDeleted(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	b, err := NewFS("mem", fs)
	require.NoError(t, err)

	// Not a valid escape, so never written by Put.
	require.NoError(t, util.WriteFile(fs, "stray%zz", []byte("x"), 0o644))

	names, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stray%zz"}, names)

	require.NoError(t, b.Delete(ctx, "stray%zz"))
	names, err = b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

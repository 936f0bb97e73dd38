package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"local":  NewLocalStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

func TestBlobStore_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello world, this is a checkpoint blob")

			w, err := store.Create(ctx, "ckpt/seg-0001")
			require.NoError(t, err)
			n, err := w.Write(data)
			require.NoError(t, err)
			require.Equal(t, len(data), n)
			require.NoError(t, w.Sync())
			require.NoError(t, w.Close())

			blob, err := store.Open(ctx, "ckpt/seg-0001")
			require.NoError(t, err)
			defer blob.Close()
			require.Equal(t, int64(len(data)), blob.Size())

			buf := make([]byte, 5)
			n, err = blob.ReadAt(ctx, buf, 6)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, "world", string(buf))

			tail := make([]byte, 8)
			n, err = blob.ReadAt(ctx, tail, int64(len(data))-4)
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, 4, n)
			assert.Equal(t, "blob", string(tail[:n]))

			img := make([]byte, len(data))
			require.NoError(t, ReadInto(ctx, store, "ckpt/seg-0001", img))
			assert.Equal(t, data, img)
			assert.ErrorIs(t, ReadInto(ctx, store, "ckpt/seg-0001", make([]byte, 3)), ErrSizeMismatch)

			require.NoError(t, store.Put(ctx, "ckpt/manifest.json", []byte("{}")))
			require.NoError(t, store.Put(ctx, "CURRENT", []byte("ckpt")))

			names, err := store.List(ctx, "ckpt/")
			require.NoError(t, err)
			assert.Equal(t, []string{"ckpt/manifest.json", "ckpt/seg-0001"}, names)

			got, err := ReadAll(ctx, store, "CURRENT")
			require.NoError(t, err)
			assert.Equal(t, "ckpt", string(got))

			require.NoError(t, store.Delete(ctx, "ckpt/seg-0001"))
			require.NoError(t, store.Delete(ctx, "ckpt/seg-0001"))
			_, err = store.Open(ctx, "ckpt/seg-0001")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBlobStore_PutReplaces(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "CURRENT", []byte("first")))

			old, err := store.Open(ctx, "CURRENT")
			require.NoError(t, err)
			defer old.Close()

			require.NoError(t, store.Put(ctx, "CURRENT", []byte("second")))
			got, err := ReadAll(ctx, store, "CURRENT")
			require.NoError(t, err)
			assert.Equal(t, "second", string(got))
		})
	}
}

func TestLocalStore_RejectsEscapingNames(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"../outside", "/abs", ".", ""} {
		assert.Error(t, store.Put(ctx, name, []byte("x")), name)
	}
}

func TestLocalStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b", []byte("data")))

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name())
}

func TestMemoryStore_WriterIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := []byte("abc")
	require.NoError(t, store.Put(ctx, "x", data))
	data[0] = 'z'

	got, err := ReadAll(ctx, store, "x")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, 1, store.Len())

	w, err := store.Create(ctx, "y")
	require.NoError(t, err)
	_, err = w.Write([]byte("y"))
	require.NoError(t, err)
	_, err = store.Open(ctx, "y")
	assert.ErrorIs(t, err, ErrNotFound, "not visible before close")
	require.NoError(t, w.Close())
	assert.Error(t, w.Close())
}

func TestReadAll_Empty(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "empty", nil))
			got, err := ReadAll(ctx, store, "empty")
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = ReadAll(ctx, store, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

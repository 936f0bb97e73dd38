package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrSizeMismatch is returned by ReadInto when the blob length differs from
// the destination buffer.
var ErrSizeMismatch = errors.New("blobstore: blob size mismatch")

// BlobStore stores immutable named blobs (checkpoint segments, regions and
// manifests). Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates a blob for streaming writes. The blob becomes visible
	// when the returned writer is closed.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the sorted names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.Closer

	// ReadAt reads len(p) bytes at off. It returns io.EOF when fewer bytes
	// are available.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.Writer
	io.Closer
	Sync() error
}

// ReadAll opens name and reads it completely.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }() // Intentionally ignore: read-only handle

	buf := make([]byte, b.Size())
	if err := readFull(ctx, b, buf); err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", name, err)
	}
	return buf, nil
}

// ReadInto reads blob name into p, which must be exactly as long as the
// blob. Segment images are restored this way straight into aligned buffers.
func ReadInto(ctx context.Context, s BlobStore, name string, p []byte) error {
	b, err := s.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }() // Intentionally ignore: read-only handle

	if b.Size() != int64(len(p)) {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, name, b.Size(), len(p))
	}
	if err := readFull(ctx, b, p); err != nil {
		return fmt.Errorf("blobstore: read %s: %w", name, err)
	}
	return nil
}

func readFull(ctx context.Context, b Blob, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := b.ReadAt(ctx, p, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		return err
	}
	if n != len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

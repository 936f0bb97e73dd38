package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/segkv/blobstore"
)

// ErrObjectChanged is returned by a blob handle when the object was
// replaced after Open.
var ErrObjectChanged = errors.New("minio: object changed since open")

// DefaultPartSize is the multipart part size used for streamed blobs.
const DefaultPartSize = 16 << 20

// Store keeps checkpoint blobs in a bucket of a MinIO or other
// S3-compatible server.
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	partSize uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPartSize sets the part size of streamed uploads.
func WithPartSize(n uint64) Option {
	return func(s *Store) {
		s.partSize = n
	}
}

// NewStore creates a store for bucket. prefix is joined in front of every
// blob name (e.g. "segkv/").
func NewStore(client *minio.Client, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		partSize: DefaultPartSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Open stats the object. Reads through the handle are pinned to the ETag
// seen here.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	return &object{store: s, key: key, size: info.Size, etag: info.ETag}, nil
}

// Put uploads data in one request.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{SendContentMd5: true})
	return err
}

// Create streams the blob to the server as it is written. The object
// appears when the writer is closed.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &streamWriter{pw: pw, done: make(chan error, 1)}
	key := s.key(name)
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{PartSize: s.partSize})
		_ = pr.CloseWithError(err) // Intentionally ignore: unblocks a pending Write
		w.done <- err
	}()
	return w, nil
}

// Delete removes the object. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(translate(err), blobstore.ErrNotFound) {
		return err
	}
	return nil
}

// List returns the names under prefix relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.prefix
	if prefix != "" {
		full = s.key(prefix)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var names []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		if name := strings.TrimPrefix(strings.TrimPrefix(info.Key, s.prefix), "/"); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return blobstore.ErrNotFound
	case "PreconditionFailed":
		return fmt.Errorf("%w: %w", ErrObjectChanged, err)
	}
	return err
}

type object struct {
	store *Store
	key   string
	size  int64
	etag  string
}

func (o *object) Close() error { return nil }

func (o *object) Size() int64 { return o.size }

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("minio: negative offset %d", off)
	}
	if off >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	want := min(int64(len(p)), o.size-off)

	var opts minio.GetObjectOptions
	if err := opts.SetRange(off, off+want-1); err != nil {
		return 0, err
	}
	if o.etag != "" {
		if err := opts.SetMatchETag(o.etag); err != nil {
			return 0, err
		}
	}
	obj, err := o.store.client.GetObject(ctx, o.store.bucket, o.key, opts)
	if err != nil {
		return 0, translate(err)
	}
	defer func() { _ = obj.Close() }() // Intentionally ignore: body fully consumed

	n, err := io.ReadFull(obj, p[:want])
	if err != nil {
		return n, translate(err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// streamWriter feeds a background PutObject through a pipe.
type streamWriter struct {
	pw   *io.PipeWriter
	done chan error

	once sync.Once
	err  error
}

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Sync is a no-op: nothing is visible before Close.
func (w *streamWriter) Sync() error { return nil }

// Close finishes the upload. Later calls return the same result.
func (w *streamWriter) Close() error {
	w.once.Do(func() {
		_ = w.pw.Close() // Intentionally ignore: PipeWriter.Close never fails
		w.err = <-w.done
	})
	return w.err
}

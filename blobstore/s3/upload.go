package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/segkv/internal/hash"
)

// UploadConfig tunes how blobs are uploaded.
type UploadConfig struct {
	// SinglePutLimit is the largest blob sent with one PutObject. Larger
	// blobs are streamed as multipart uploads.
	// Default: 16MB
	SinglePutLimit int64

	// PartSize is the multipart part size. Values below the S3 minimum of
	// 5MB are raised to it.
	// Default: 8MB
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel.
	// Default: 4
	Concurrency int

	// EnableChecksum attaches CRC32C checksums that S3 verifies on receipt.
	// Default: true
	EnableChecksum bool
}

// DefaultUploadConfig returns the default upload settings.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		SinglePutLimit: 16 << 20,
		PartSize:       8 << 20,
		Concurrency:    4,
		EnableChecksum: true,
	}
}

func newUploader(client Client, cfg UploadConfig) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = max(cfg.PartSize, manager.MinUploadPartSize)
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})
}

// checksumCRC32C encodes the CRC32C of data the way S3 expects it.
func checksumCRC32C(data []byte) string {
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], hash.CRC32C(data))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if s.upload.EnableChecksum {
		in.ChecksumCRC32C = aws.String(checksumCRC32C(data))
	}
	_, err := s.client.PutObject(ctx, in)
	return err
}

// objectWriter buffers a blob in memory and sends it with one PutObject on
// Close. Once the buffer would exceed SinglePutLimit it switches to a
// multipart upload fed through a pipe.
type objectWriter struct {
	ctx   context.Context
	store *Store
	key   string

	buf  []byte
	pw   *io.PipeWriter
	done chan error

	err    error
	closed bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.err != nil {
		return 0, w.err
	}
	if w.pw == nil {
		if int64(len(w.buf)+len(p)) <= w.store.upload.SinglePutLimit {
			w.buf = append(w.buf, p...)
			return len(p), nil
		}
		w.startMultipart()
		buffered := w.buf
		w.buf = nil
		if _, err := w.pw.Write(buffered); err != nil {
			w.err = err
			return 0, err
		}
	}
	n, err := w.pw.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *objectWriter) startMultipart() {
	pr, pw := io.Pipe()
	w.pw = pw
	w.done = make(chan error, 1)

	in := &s3.PutObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.key),
		Body:   pr,
	}
	if w.store.upload.EnableChecksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	go func() {
		_, err := w.store.uploader.Upload(w.ctx, in)
		_ = pr.CloseWithError(err) // Intentionally ignore: unblocks a pending Write
		w.done <- err
	}()
}

// Sync is a no-op: nothing is visible before Close.
func (w *objectWriter) Sync() error { return nil }

func (w *objectWriter) Close() error {
	if w.closed {
		return io.ErrClosedPipe
	}
	w.closed = true
	if w.pw == nil {
		return w.store.put(w.ctx, w.key, w.buf)
	}
	_ = w.pw.Close() // Intentionally ignore: PipeWriter.Close never fails
	err := <-w.done
	if w.err != nil {
		return w.err
	}
	return err
}

// Package blobstore provides the storage abstraction for segkv checkpoints.
//
// A checkpoint is a set of immutable blobs (index region, stat regions,
// segment images) plus a JSON manifest and a CURRENT pointer that names the
// latest complete checkpoint.
//
// # Built-in Implementations
//
//   - LocalStore: a local directory, atomic writes via rename
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with ETag-pinned range reads and multipart uploads
//   - s3.CommitStore: wraps any store and keeps CURRENT in DynamoDB
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore

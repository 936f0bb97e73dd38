// Package s3 stores segkv checkpoints in Amazon S3.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "segkv/")
//	m, err := db.Checkpoint(ctx, store, "nightly")
//
// Small blobs (manifests, stat regions) go out as single PutObject calls
// with a CRC32C checksum. Segment images larger than
// UploadConfig.SinglePutLimit are streamed as multipart uploads. Reads are
// ranged GETs pinned to the ETag seen at Open, so a handle never mixes two
// versions of a replaced object.
//
// S3 cannot replace CURRENT conditionally. When several processes may
// publish checkpoints into the same prefix, wrap the store in a CommitStore
// so the pointer lives in DynamoDB:
//
//	commit := s3.NewCommitStore(store, dynamodb.NewFromConfig(cfg), "segkv-checkpoints", "orders")
package s3

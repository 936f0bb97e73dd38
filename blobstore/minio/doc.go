// Package minio stores segkv checkpoints on MinIO or any other
// S3-compatible server (Ceph, Garage, SeaweedFS) without pulling in the
// AWS SDK.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := minioblob.NewStore(client, "backups", "segkv/")
//	m, err := db.Checkpoint(ctx, store, "nightly")
//
// Segment images are streamed with multipart uploads of DefaultPartSize
// (see WithPartSize). Blob handles are pinned to the ETag seen at Open and
// report ErrObjectChanged if the object is replaced underneath them.
package minio

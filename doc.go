// Package segkv provides an embedded, log-structured key-value store that
// runs directly on block devices.
//
// Writes from concurrent callers are aggregated into fixed-size segments
// and written with one device write each. A fixed-capacity hash index maps
// every key to the newest record on the device. A background collector
// merges underutilized segments to reclaim space left behind by
// overwrites and deletes.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := segkv.Open(ctx, "/dev/nvme0n1")
//	defer db.Close()
//
//	_ = db.Insert(ctx, []byte("user:1"), []byte(`{"name":"ada"}`))
//	v, _ := db.Get(ctx, []byte("user:1"))
//	_ = db.Delete(ctx, []byte("user:1"))
//
// A regular file works as a device too:
//
//	db, _ := segkv.Open(ctx, "./data.img", segkv.WithDeviceSize(1<<30))
//
// # Durability Model
//
// Insert, Delete and WriteBatch return only after the segment holding the
// record has been written and synced. A WriteBatch lands in a single
// segment, so either all of its operations survive a crash or none do.
//
// Close persists the index and the per-segment statistics and marks each
// device clean. After a crash the next Open scans every segment and
// rebuilds both from the records on the device.
//
// # Checkpoints
//
// Checkpoint copies a consistent image into a blobstore.BlobStore (local
// directory, memory, S3 or MinIO). Restore writes it back onto devices:
//
//	store := blobstore.NewLocalStore("/backups")
//	_, _ = db.Checkpoint(ctx, store, "nightly-2026-10-16")
//	_, _ = segkv.Restore(ctx, store, "", "/dev/nvme1n1") // latest
//
// # Configuration
//
// Options can be loaded from a file with package config and hot-reloaded:
//
//	cfg, _ := config.Load("segkv.yaml")
//	db, _ := segkv.OpenConfig(ctx, cfg)
//	w, _ := db.WatchConfig("segkv.yaml")
//	defer w.Close()
//
// # Observability
//
// WithMetricsCollector receives per-operation latencies, WithMetricsObserver
// background events such as segment writes and compaction cycles. Package
// metrics/prometheus implements both.
package segkv

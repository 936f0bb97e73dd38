package segkv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/segkv/blobstore"
	"github.com/hupe1980/segkv/internal/device"
	"github.com/hupe1980/segkv/internal/engine"
)

type (
	// Device is a block device: positional aligned reads and writes, a
	// fixed capacity and a durability barrier.
	Device = device.Device

	// BatchOp is one operation of a WriteBatch. Delete ignores Value.
	BatchOp = engine.BatchOp

	// Iterator walks live keys in index order.
	Iterator = engine.Iterator

	// Stats is a point-in-time view of the database.
	Stats = engine.Stats

	// VolumeStats describes one volume.
	VolumeStats = engine.VolumeStats

	// CheckpointManifest describes a checkpoint.
	CheckpointManifest = engine.CheckpointManifest
)

// DefaultAlignment is the alignment of devices created by NewMemoryDevice
// when align is 0.
const DefaultAlignment = device.DefaultAlignment

// NewMemoryDevice returns an in-memory device for tests and tooling.
func NewMemoryDevice(capacity int64, align int) Device {
	if align <= 0 {
		align = DefaultAlignment
	}
	return device.NewMemDevice(capacity, align)
}

// OpenFileDevice opens the block device or regular file at path, creating a
// file of size bytes if it does not exist.
func OpenFileDevice(path string, size int64, directIO bool) (Device, error) {
	d, err := device.OpenFile(path, device.Options{Size: size, DirectIO: directIO})
	if err != nil {
		return nil, translateError(err)
	}
	return d, nil
}

// DB is an embedded key-value store on one or more block devices.
// It is safe for concurrent use.
type DB struct {
	eng     *engine.Engine
	metrics MetricsCollector
	logger  *Logger
}

// Open opens the device at path (plus WithExtraVolumes paths), formatting
// it on first use and recovering it after an unclean shutdown.
func Open(ctx context.Context, path string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, o.err)
	}
	eng, err := engine.Open(ctx, path, o.engineOptions()...)
	return newDB(ctx, eng, o, err)
}

// OpenDevices opens a database on caller-supplied devices. The devices are
// not closed by DB.Close.
func OpenDevices(ctx context.Context, devs []Device, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, o.err)
	}
	eng, err := engine.OpenDevices(ctx, devs, o.engineOptions()...)
	return newDB(ctx, eng, o, err)
}

func newDB(ctx context.Context, eng *engine.Engine, o options, err error) (*DB, error) {
	if err != nil {
		o.logger.LogRecovery(ctx, 0, 0, err)
		return nil, translateError(err)
	}
	s := eng.Stats()
	o.logger.LogRecovery(ctx, s.Keys, s.Epoch, nil)
	return &DB{eng: eng, metrics: o.metricsCollector, logger: o.logger}, nil
}

// Insert stores value under key. It returns once the record is durable and
// visible to Get.
func (db *DB) Insert(ctx context.Context, key, value []byte) error {
	start := time.Now()
	err := translateError(db.eng.Insert(ctx, key, value))
	db.metrics.RecordInsert(time.Since(start), err)
	db.logger.LogInsert(ctx, key, len(value), err)
	return err
}

// Get returns the value of key, or ErrNotFound.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	start := time.Now()
	value, err := db.eng.Get(ctx, key)
	err = translateError(err)

	found := err == nil
	if errors.Is(err, ErrNotFound) {
		db.metrics.RecordGet(false, time.Since(start), nil)
		db.logger.LogGet(ctx, key, false, nil)
		return nil, err
	}
	db.metrics.RecordGet(found, time.Since(start), err)
	db.logger.LogGet(ctx, key, found, err)
	return value, err
}

// Delete removes key. Deleting an absent key succeeds.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	start := time.Now()
	err := translateError(db.eng.Delete(ctx, key))
	db.metrics.RecordDelete(time.Since(start), err)
	db.logger.LogDelete(ctx, key, err)
	return err
}

// WriteBatch writes ops in one segment: all of them become durable
// together. A batch that does not fit in one segment fails with
// ErrBatchTooLarge before anything is written.
func (db *DB) WriteBatch(ctx context.Context, ops []BatchOp) error {
	start := time.Now()
	err := translateError(db.eng.WriteBatch(ctx, ops))
	failed := failedOps(err, len(ops))
	db.metrics.RecordBatch(len(ops), failed, time.Since(start))
	db.logger.LogBatch(ctx, len(ops), failed)
	return err
}

func failedOps(err error, n int) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return n
}

// ForceCompact runs one merge cycle per volume and returns the number of
// segments freed.
func (db *DB) ForceCompact(ctx context.Context) (int, error) {
	freed, err := db.eng.ForceCompact(ctx)
	err = translateError(err)
	db.logger.LogCompaction(ctx, false, freed, err)
	return freed, err
}

// FullCompact merges until no segment can be freed.
func (db *DB) FullCompact(ctx context.Context) (int, error) {
	freed, err := db.eng.FullCompact(ctx)
	err = translateError(err)
	db.logger.LogCompaction(ctx, true, freed, err)
	return freed, err
}

// NewIterator returns an unpositioned iterator over live keys. Keys are
// visited in hash order.
func (db *DB) NewIterator() *Iterator {
	return db.eng.NewIterator()
}

// Checkpoint copies a consistent image into store under name and points
// CURRENT at it.
func (db *DB) Checkpoint(ctx context.Context, store blobstore.BlobStore, name string) (*CheckpointManifest, error) {
	m, err := db.eng.Checkpoint(ctx, store, name)
	err = translateError(err)
	db.logger.LogCheckpoint(ctx, "checkpoint", name, err)
	return m, err
}

// Restore formats the device at path (plus WithExtraVolumes paths) from
// checkpoint name, or from CURRENT when name is empty. The database must
// not be open.
func Restore(ctx context.Context, store blobstore.BlobStore, name, path string, optFns ...Option) (*CheckpointManifest, error) {
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, o.err)
	}
	devs, err := engine.OpenFiles(path, o.engineOptions()...)
	if err != nil {
		return nil, translateError(err)
	}
	m, err := engine.Restore(ctx, store, name, devs, o.engineOptions()...)
	for _, d := range devs {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	err = translateError(err)
	o.logger.LogCheckpoint(ctx, "restore", name, err)
	return m, err
}

// RestoreDevices is Restore onto caller-supplied devices.
func RestoreDevices(ctx context.Context, store blobstore.BlobStore, name string, devs []Device, optFns ...Option) (*CheckpointManifest, error) {
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, o.err)
	}
	m, err := engine.Restore(ctx, store, name, devs, o.engineOptions()...)
	err = translateError(err)
	o.logger.LogCheckpoint(ctx, "restore", name, err)
	return m, err
}

// ListCheckpoints returns the complete checkpoints in store, oldest first.
func ListCheckpoints(ctx context.Context, store blobstore.BlobStore) ([]*CheckpointManifest, error) {
	ms, err := engine.ListCheckpoints(ctx, store)
	return ms, translateError(err)
}

// DeleteCheckpoint removes checkpoint name from store. The checkpoint
// CURRENT points at is refused with ErrInvalidArgument.
func DeleteCheckpoint(ctx context.Context, store blobstore.BlobStore, name string) error {
	return translateError(engine.DeleteCheckpoint(ctx, store, name))
}

// Stats returns database statistics.
func (db *DB) Stats() Stats {
	return db.eng.Stats()
}

// SetCompactionThresholds replaces the compaction thresholds of every volume.
func (db *DB) SetCompactionThresholds(t CompactionThresholds) error {
	return translateError(db.eng.SetCompactionThresholds(t.internal()))
}

// CompactionThresholds returns the active thresholds.
func (db *DB) CompactionThresholds() CompactionThresholds {
	t := db.eng.CompactionThresholds()
	return CompactionThresholds{Full: t.Full, HighWater: t.High, LowWater: t.Low}
}

// Close drains pending writes, stops compaction, persists the index and
// marks the devices cleanly shut down.
func (db *DB) Close() error {
	return translateError(db.eng.Close())
}

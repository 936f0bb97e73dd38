package segkv_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv"
	"github.com/hupe1980/segkv/blobstore"
	"github.com/hupe1980/segkv/config"
)

const (
	testDevSize = 4 << 20
	testSegSize = 64 << 10
)

func testOptions(extra ...segkv.Option) []segkv.Option {
	return append([]segkv.Option{
		segkv.WithSegmentSize(testSegSize),
		segkv.WithCapacity(1024),
		segkv.WithCompactionInterval(0),
		segkv.WithDeviceSize(testDevSize),
	}, extra...)
}

func openMem(t *testing.T, extra ...segkv.Option) (*segkv.DB, segkv.Device) {
	t.Helper()
	dev := segkv.NewMemoryDevice(testDevSize, 0)
	db, err := segkv.OpenDevices(t.Context(), []segkv.Device{dev}, testOptions(extra...)...)
	require.NoError(t, err)
	return db, dev
}

func TestDB_InsertGetDelete(t *testing.T) {
	db, _ := openMem(t)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := t.Context()

	require.NoError(t, db.Insert(ctx, []byte("a"), []byte("1")))
	v, err := db.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	require.NoError(t, db.Delete(ctx, []byte("a")))
	_, err = db.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, segkv.ErrNotFound)

	assert.ErrorIs(t, db.Insert(ctx, nil, []byte("x")), segkv.ErrInvalidArgument)
}

func TestDB_FileDeviceReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.img")
	ctx := t.Context()

	db, err := segkv.Open(ctx, path, testOptions()...)
	require.NoError(t, err)
	for i := range 50 {
		require.NoError(t, db.Insert(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i))))
	}
	require.NoError(t, db.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(testDevSize), info.Size())

	db, err = segkv.Open(ctx, path, testOptions()...)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	assert.Equal(t, int64(50), db.Stats().Keys)
	for i := range 50 {
		v, err := db.Get(ctx, []byte(fmt.Sprintf("k%02d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%02d", i), string(v))
	}
}

func TestDB_WriteBatch(t *testing.T) {
	db, _ := openMem(t)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := t.Context()

	require.NoError(t, db.Insert(ctx, []byte("gone"), []byte("x")))
	require.NoError(t, db.WriteBatch(ctx, []segkv.BatchOp{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("gone"), Delete: true},
	}))

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		v, err := db.Get(ctx, []byte(k))
		require.NoError(t, err)
		assert.Equal(t, want, string(v))
	}
	_, err := db.Get(ctx, []byte("gone"))
	assert.ErrorIs(t, err, segkv.ErrNotFound)

	big := bytes.Repeat([]byte("x"), 40<<10)
	err = db.WriteBatch(ctx, []segkv.BatchOp{
		{Key: []byte("c"), Value: big},
		{Key: []byte("d"), Value: big},
	})
	assert.ErrorIs(t, err, segkv.ErrBatchTooLarge)
	assert.ErrorIs(t, err, segkv.ErrAborted)
}

func TestDB_Metrics(t *testing.T) {
	metrics := &segkv.BasicMetricsCollector{}
	db, _ := openMem(t, segkv.WithMetricsCollector(metrics))
	defer func() { require.NoError(t, db.Close()) }()
	ctx := t.Context()

	require.NoError(t, db.Insert(ctx, []byte("a"), []byte("1")))
	_ = db.Insert(ctx, nil, nil)
	_, _ = db.Get(ctx, []byte("a"))
	_, _ = db.Get(ctx, []byte("missing"))
	require.NoError(t, db.Delete(ctx, []byte("a")))
	require.NoError(t, db.WriteBatch(ctx, []segkv.BatchOp{{Key: []byte("b"), Value: []byte("2")}}))

	s := metrics.GetStats()
	assert.Equal(t, int64(2), s.InsertCount)
	assert.Equal(t, int64(1), s.InsertErrors)
	assert.Equal(t, int64(2), s.GetCount)
	assert.Equal(t, int64(1), s.GetMisses)
	assert.Equal(t, int64(0), s.GetErrors)
	assert.Equal(t, int64(1), s.DeleteCount)
	assert.Equal(t, int64(1), s.BatchCount)
	assert.Equal(t, int64(1), s.BatchItems)
	assert.Equal(t, int64(0), s.BatchFailed)
}

func TestDB_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger := segkv.NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	db, _ := openMem(t, segkv.WithLogger(logger))
	require.NoError(t, db.Insert(t.Context(), []byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	out := buf.String()
	assert.Contains(t, out, "database opened")
	assert.Contains(t, out, "insert completed")
	assert.Contains(t, out, "engine closed")
}

func TestDB_CompactionThresholds(t *testing.T) {
	db, _ := openMem(t)
	defer func() { require.NoError(t, db.Close()) }()

	assert.Equal(t, segkv.DefaultCompactionThresholds(), db.CompactionThresholds())

	want := segkv.CompactionThresholds{Full: 0.8, HighWater: 0.5, LowWater: 0.2}
	require.NoError(t, db.SetCompactionThresholds(want))
	assert.Equal(t, want, db.CompactionThresholds())

	err := db.SetCompactionThresholds(segkv.CompactionThresholds{Full: 2})
	assert.ErrorIs(t, err, segkv.ErrInvalidArgument)
	assert.Equal(t, want, db.CompactionThresholds())
}

func TestDB_ForceAndFullCompact(t *testing.T) {
	db, _ := openMem(t)
	defer func() { require.NoError(t, db.Close()) }()
	ctx := t.Context()

	for round := range 3 {
		for i := range 10 {
			require.NoError(t, db.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("r%d", round))))
		}
	}
	freed, err := db.FullCompact(ctx)
	require.NoError(t, err)
	assert.Positive(t, freed)

	_, err = db.ForceCompact(ctx)
	require.NoError(t, err)

	for i := range 10 {
		v, err := db.Get(ctx, []byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		assert.Equal(t, "r2", string(v))
	}
}

func TestDB_CheckpointRestore(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewLocalStore(t.TempDir())

	db, _ := openMem(t)
	for i := range 20 {
		require.NoError(t, db.Insert(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	m, err := db.Checkpoint(ctx, store, "first")
	require.NoError(t, err)
	assert.Equal(t, int64(20), m.Keys)
	require.NoError(t, db.Close())

	path := filepath.Join(t.TempDir(), "restored.img")
	m, err = segkv.Restore(ctx, store, "", path, testOptions()...)
	require.NoError(t, err)
	assert.Equal(t, "first", m.Name)

	db, err = segkv.Open(ctx, path, testOptions()...)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	assert.Equal(t, int64(20), db.Stats().Keys)
	v, err := db.Get(ctx, []byte("k07"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	_, err = segkv.Restore(ctx, store, "missing", filepath.Join(t.TempDir(), "x.img"), testOptions()...)
	assert.ErrorIs(t, err, segkv.ErrNotFound)

	ms, err := segkv.ListCheckpoints(ctx, store)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "first", ms[0].Name)
	assert.ErrorIs(t, segkv.DeleteCheckpoint(ctx, store, "first"), segkv.ErrInvalidArgument)
}

func TestDB_InvalidOptions(t *testing.T) {
	_, err := segkv.OpenDevices(t.Context(), []segkv.Device{segkv.NewMemoryDevice(testDevSize, 0)},
		testOptions(segkv.WithIndexCompression("snappy"))...)
	assert.ErrorIs(t, err, segkv.ErrInvalidArgument)
}

func TestDB_Closed(t *testing.T) {
	db, _ := openMem(t)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Insert(t.Context(), []byte("a"), nil), segkv.ErrClosed)
	_, err := db.Get(t.Context(), []byte("a"))
	assert.ErrorIs(t, err, segkv.ErrClosed)
	assert.ErrorIs(t, db.Close(), segkv.ErrClosed)
}

func TestOpenConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "segkv.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
path: %s
device_size: 4MB
segment_size: 64KB
capacity: 1024
compaction_interval: 0s
compaction_full_threshold: 0.6
log:
  level: error
`, filepath.Join(dir, "data.img"))), 0o600))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	db, err := segkv.OpenConfig(t.Context(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	assert.Equal(t, int64(testSegSize), db.Stats().SegmentSize)
	assert.Equal(t, 0.6, db.CompactionThresholds().Full)

	w, err := db.WatchConfig(cfgPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	cfg.Compaction.FullThreshold = 0.9
	require.NoError(t, db.ApplyConfig(cfg))
	assert.Equal(t, 0.9, db.CompactionThresholds().Full)

	require.NoError(t, os.WriteFile(cfgPath, []byte("compaction_full_threshold: 0.75\nlog:\n  level: error\n"), 0o600))
	assert.Eventually(t, func() bool {
		return db.CompactionThresholds().Full == 0.75
	}, 5*time.Second, 10*time.Millisecond)
}

// TestNoGoroutineLeaks verifies that pipeline workers and compaction loops
// stop on Close.
func TestNoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	before := runtime.NumGoroutine()

	for range 3 {
		db, _ := openMem(t,
			segkv.WithCompactionInterval(time.Millisecond),
			segkv.WithShardCount(4),
			segkv.WithValueCacheBytes(1<<20),
		)
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		for i := range 20 {
			require.NoError(t, db.Insert(ctx, []byte(fmt.Sprintf("k%d", i)), []byte("v")))
		}
		cancel()
		require.NoError(t, db.Close())
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 20*time.Millisecond)
}

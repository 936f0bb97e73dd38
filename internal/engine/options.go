package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/segkv/internal/collector"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/volume"
)

const (
	// DefaultSegmentSize is the default segment size (1 MiB).
	DefaultSegmentSize = 1 << 20

	// DefaultCapacity is the default index capacity in keys.
	DefaultCapacity = 1 << 20

	// DefaultAggregationTimeout bounds how long a partial segment waits for more writes.
	DefaultAggregationTimeout = time.Millisecond

	// DefaultCompactionInterval is the period of the background compaction loop.
	DefaultCompactionInterval = time.Second

	// DefaultMaxKeySize is the default key size limit.
	DefaultMaxKeySize = 1024
)

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		if observer != nil {
			e.metrics = observer
		}
	}
}

// WithResourceController sets the resource controller for the engine.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.resourceController = rc
	}
}

// WithSegmentSize sets the segment size used when formatting devices.
// Existing devices keep the size they were formatted with.
func WithSegmentSize(size int64) Option {
	return func(e *Engine) {
		e.segmentSize = size
	}
}

// WithCapacity sets the index capacity in keys.
func WithCapacity(keys int64) Option {
	return func(e *Engine) {
		e.capacity = keys
	}
}

// WithAggregationTimeout sets how long a partially filled segment waits
// before it is written.
func WithAggregationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.aggregationTimeout = d
	}
}

// WithShardCount sets the number of write-aggregation shards.
func WithShardCount(n int) Option {
	return func(e *Engine) {
		e.shardCount = n
	}
}

// WithSegmentWriteThreads sets the number of concurrent segment writers.
func WithSegmentWriteThreads(n int) Option {
	return func(e *Engine) {
		e.writeThreads = n
	}
}

// WithCompactionThresholds sets the candidate and waste-ratio thresholds.
func WithCompactionThresholds(t collector.Thresholds) Option {
	return func(e *Engine) {
		e.thresholds = t
	}
}

// WithReservedForGC sets how many free segments per volume are kept for the collector.
func WithReservedForGC(n int) Option {
	return func(e *Engine) {
		e.reservedForGC = n
	}
}

// WithCompactionInterval sets the background compaction period. A
// non-positive interval disables the background loop.
func WithCompactionInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.compactionInterval = d
	}
}

// WithValueCacheBytes enables a value cache of the given size.
func WithValueCacheBytes(n int64) Option {
	return func(e *Engine) {
		e.valueCacheBytes = n
	}
}

// WithIndexCompression sets the codec of the persisted index and stat regions.
func WithIndexCompression(c compress.Codec) Option {
	return func(e *Engine) {
		e.codec = c
	}
}

// WithDeviceSize sets the size of file-backed devices created by Open.
func WithDeviceSize(n int64) Option {
	return func(e *Engine) {
		e.deviceSize = n
	}
}

// WithDirectIO enables or disables O_DIRECT for devices opened by Open.
func WithDirectIO(enabled bool) Option {
	return func(e *Engine) {
		e.directIO = enabled
	}
}

// WithExtraVolumes adds device paths opened by Open after the primary one.
func WithExtraVolumes(paths ...string) Option {
	return func(e *Engine) {
		e.extraVolumes = append(e.extraVolumes, paths...)
	}
}

// WithStripedPlacement spreads shards over all volumes instead of filling
// volumes in order.
func WithStripedPlacement() Option {
	return func(e *Engine) {
		e.striped = true
	}
}

// WithCompactionIORate caps compaction I/O in bytes per second.
func WithCompactionIORate(bytesPerSec int64) Option {
	return func(e *Engine) {
		e.compactionIORate = bytesPerSec
	}
}

// WithMaxKeySize sets the largest accepted key.
func WithMaxKeySize(n int) Option {
	return func(e *Engine) {
		e.maxKeySize = n
	}
}

func (e *Engine) applyDefaults() {
	if e.segmentSize <= 0 {
		e.segmentSize = DefaultSegmentSize
	}
	if e.capacity <= 0 {
		e.capacity = DefaultCapacity
	}
	if e.aggregationTimeout <= 0 {
		e.aggregationTimeout = DefaultAggregationTimeout
	}
	if e.reservedForGC <= 0 {
		e.reservedForGC = volume.DefaultReservedForGC
	}
	if e.thresholds == (collector.Thresholds{}) {
		e.thresholds = collector.DefaultThresholds()
	}
	if e.maxKeySize <= 0 {
		e.maxKeySize = DefaultMaxKeySize
	}
	if e.resourceController == nil {
		e.resourceController = resource.NewController(resource.Config{
			CacheBytes:            e.valueCacheBytes,
			CompactionBytesPerSec: e.compactionIORate,
		})
	} else if e.compactionIORate > 0 {
		e.resourceController.SetCompactionRate(e.compactionIORate)
	}
}

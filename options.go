package segkv

import (
	"log/slog"
	"time"

	"github.com/hupe1980/segkv/internal/collector"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/engine"
)

// Compression selects the codec of the persisted index and segment-stat
// regions.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZSTD Compression = "zstd"
)

// CompactionThresholds tune the collector.
//
// Segments whose utilization (live bytes / segment size) is below Full are
// merge candidates. Background compaction starts when a volume's waste
// ratio rises above HighWater and stops once it falls below LowWater.
type CompactionThresholds struct {
	Full      float64
	HighWater float64
	LowWater  float64
}

// DefaultCompactionThresholds returns the default tuning.
func DefaultCompactionThresholds() CompactionThresholds {
	t := collector.DefaultThresholds()
	return CompactionThresholds{Full: t.Full, HighWater: t.High, LowWater: t.Low}
}

func (t CompactionThresholds) internal() collector.Thresholds {
	return collector.Thresholds{Full: t.Full, High: t.HighWater, Low: t.LowWater}
}

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	engineOpts       []engine.Option
	err              error
}

// Option configures Open, OpenDevices and Restore.
type Option func(*options)

func (o *options) with(opt engine.Option) { o.engineOpts = append(o.engineOpts, opt) }

// WithMetricsCollector configures per-operation metrics collection.
//
// Example with basic in-memory metrics:
//
//	metrics := &segkv.BasicMetricsCollector{}
//	db, _ := segkv.Open(ctx, "/dev/nvme0n1", segkv.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, Avg latency: %dns\n", stats.InsertCount, stats.InsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithMetricsObserver receives background events: segment writes,
// compaction cycles, queue depths and throughput.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(o *options) {
		o.with(engine.WithMetricsObserver(observer))
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := segkv.NewJSONLogger(slog.LevelInfo)
//	db, _ := segkv.Open(ctx, path, segkv.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithSegmentSize sets the segment size used when formatting devices.
// Devices that are already formatted keep their segment size.
func WithSegmentSize(size int64) Option {
	return func(o *options) { o.with(engine.WithSegmentSize(size)) }
}

// WithCapacity sets the maximum number of indexed keys (tombstones included).
func WithCapacity(keys int64) Option {
	return func(o *options) { o.with(engine.WithCapacity(keys)) }
}

// WithAggregationTimeout bounds how long a partially filled segment waits
// for more writes before it is sealed.
func WithAggregationTimeout(d time.Duration) Option {
	return func(o *options) { o.with(engine.WithAggregationTimeout(d)) }
}

// WithShardCount sets the number of write aggregation shards.
func WithShardCount(n int) Option {
	return func(o *options) { o.with(engine.WithShardCount(n)) }
}

// WithSegmentWriteThreads sets the number of concurrent segment writers.
func WithSegmentWriteThreads(n int) Option {
	return func(o *options) { o.with(engine.WithSegmentWriteThreads(n)) }
}

// WithCompactionThresholds sets the initial compaction thresholds.
func WithCompactionThresholds(t CompactionThresholds) Option {
	return func(o *options) { o.with(engine.WithCompactionThresholds(t.internal())) }
}

// WithReservedForGC sets how many free segments per volume are held back
// for the collector.
func WithReservedForGC(n int) Option {
	return func(o *options) { o.with(engine.WithReservedForGC(n)) }
}

// WithCompactionInterval sets the period of background compaction.
// A non-positive interval disables it.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) { o.with(engine.WithCompactionInterval(d)) }
}

// WithValueCacheBytes enables an in-memory value cache of n bytes.
func WithValueCacheBytes(n int64) Option {
	return func(o *options) { o.with(engine.WithValueCacheBytes(n)) }
}

// WithIndexCompression selects the codec of the persisted regions.
func WithIndexCompression(c Compression) Option {
	return func(o *options) {
		codec, err := compress.ParseCodec(string(c))
		if err != nil {
			o.err = err
			return
		}
		o.with(engine.WithIndexCompression(codec))
	}
}

// WithDeviceSize sets the size of device files Open creates.
func WithDeviceSize(n int64) Option {
	return func(o *options) { o.with(engine.WithDeviceSize(n)) }
}

// WithDirectIO toggles O_DIRECT for file-backed devices. It defaults to true.
func WithDirectIO(enabled bool) Option {
	return func(o *options) { o.with(engine.WithDirectIO(enabled)) }
}

// WithExtraVolumes adds further device paths, one volume each.
func WithExtraVolumes(paths ...string) Option {
	return func(o *options) { o.with(engine.WithExtraVolumes(paths...)) }
}

// WithStripedPlacement spreads write shards over all volumes instead of
// filling volumes in order.
func WithStripedPlacement() Option {
	return func(o *options) { o.with(engine.WithStripedPlacement()) }
}

// WithCompactionIORate limits compaction reads to bytesPerSec.
func WithCompactionIORate(bytesPerSec int64) Option {
	return func(o *options) { o.with(engine.WithCompactionIORate(bytesPerSec)) }
}

// WithMaxKeySize sets the largest accepted key.
func WithMaxKeySize(n int) Option {
	return func(o *options) { o.with(engine.WithMaxKeySize(n)) }
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

// engineOptions returns the engine options with the logger wired in.
func (o options) engineOptions() []engine.Option {
	return append([]engine.Option{engine.WithLogger(o.logger.Logger)}, o.engineOpts...)
}

package segkv

import (
	"context"
	"strings"

	"github.com/hupe1980/segkv/config"
)

// FromConfig translates a loaded configuration into options.
func FromConfig(cfg *config.Config) []Option {
	opts := []Option{
		WithSegmentSize(cfg.SegmentSize),
		WithCapacity(cfg.Capacity),
		WithAggregationTimeout(cfg.AggregationTimeout),
		WithShardCount(cfg.ShardCount),
		WithSegmentWriteThreads(cfg.SegmentWriteThreads),
		WithMaxKeySize(cfg.MaxKeySize),
		WithValueCacheBytes(cfg.ValueCacheBytes),
		WithIndexCompression(Compression(cfg.IndexCompression)),
		WithDeviceSize(cfg.DeviceSize),
		WithDirectIO(cfg.DirectIO),
		WithCompactionThresholds(CompactionThresholds{
			Full:      cfg.Compaction.FullThreshold,
			HighWater: cfg.Compaction.HighWater,
			LowWater:  cfg.Compaction.LowWater,
		}),
		WithCompactionInterval(cfg.Compaction.Interval),
		WithReservedForGC(cfg.Compaction.ReservedForGC),
		WithCompactionIORate(cfg.Compaction.IOBytesPerSec),
	}
	if len(cfg.ExtraVolumes) > 0 {
		opts = append(opts, WithExtraVolumes(cfg.ExtraVolumes...))
	}
	if cfg.StripedPlacement {
		opts = append(opts, WithStripedPlacement())
	}

	level, _ := cfg.LogLevel()
	if strings.EqualFold(cfg.Log.Format, "json") {
		opts = append(opts, WithLogger(NewJSONLogger(level)))
	} else {
		opts = append(opts, WithLogger(NewTextLogger(level)))
	}
	return opts
}

// OpenConfig opens the database described by cfg. Options in optFns are
// applied after the configuration.
func OpenConfig(ctx context.Context, cfg *config.Config, optFns ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, translateError(err)
	}
	return Open(ctx, cfg.Path, append(FromConfig(cfg), optFns...)...)
}

// ApplyConfig applies the settings of cfg that can change while the
// database is open: the compaction thresholds.
func (db *DB) ApplyConfig(cfg *config.Config) error {
	return db.SetCompactionThresholds(CompactionThresholds{
		Full:      cfg.Compaction.FullThreshold,
		HighWater: cfg.Compaction.HighWater,
		LowWater:  cfg.Compaction.LowWater,
	})
}

// WatchConfig applies every change of the configuration file at path with
// ApplyConfig until the returned watcher is closed.
func (db *DB) WatchConfig(path string) (*config.Watcher, error) {
	return config.Watch(path, func(cfg *config.Config, err error) {
		if err == nil {
			err = db.ApplyConfig(cfg)
		}
		if err != nil {
			db.logger.Warn("config reload rejected", "path", path, "error", err)
			return
		}
		db.logger.Info("config reloaded", "path", path, "thresholds", cfg.Thresholds())
	})
}

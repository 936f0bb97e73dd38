// Package config loads segkv settings from files and SEGKV_* environment
// variables, and watches files for changes.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/segkv/internal/collector"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/engine"
	"github.com/hupe1980/segkv/internal/volume"
)

// EnvPrefix prefixes environment overrides, e.g. SEGKV_SEGMENT_SIZE.
const EnvPrefix = "SEGKV"

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("config: invalid")

// Config mirrors the options of segkv.Open. Sizes accept suffixes such as
// "64MB"; durations use time.ParseDuration syntax.
type Config struct {
	Path         string
	ExtraVolumes []string
	DeviceSize   int64
	DirectIO     bool

	SegmentSize         int64
	Capacity            int64
	AggregationTimeout  time.Duration
	ShardCount          int
	SegmentWriteThreads int
	StripedPlacement    bool
	MaxKeySize          int
	ValueCacheBytes     int64
	IndexCompression    string

	Compaction CompactionConfig
	Log        LogConfig
}

// CompactionConfig holds the collector settings. The thresholds can be
// changed on a running database.
type CompactionConfig struct {
	FullThreshold float64
	HighWater     float64
	LowWater      float64
	Interval      time.Duration
	ReservedForGC int
	IOBytesPerSec int64
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	t := collector.DefaultThresholds()
	v.SetDefault("path", "")
	v.SetDefault("extra_volumes", []string{})
	v.SetDefault("device_size", 0)
	v.SetDefault("direct_io", true)
	v.SetDefault("segment_size", engine.DefaultSegmentSize)
	v.SetDefault("capacity", engine.DefaultCapacity)
	v.SetDefault("aggregation_timeout", engine.DefaultAggregationTimeout)
	v.SetDefault("shard_count", 0)
	v.SetDefault("segment_write_threads", 0)
	v.SetDefault("striped_placement", false)
	v.SetDefault("max_key_size", engine.DefaultMaxKeySize)
	v.SetDefault("value_cache_bytes", 0)
	v.SetDefault("index_compression", compress.LZ4.String())
	v.SetDefault("compaction_full_threshold", t.Full)
	v.SetDefault("compaction_high_water", t.High)
	v.SetDefault("compaction_low_water", t.Low)
	v.SetDefault("compaction_interval", engine.DefaultCompactionInterval)
	v.SetDefault("reserved_for_gc", volume.DefaultReservedForGC)
	v.SetDefault("compaction_io_bytes_per_sec", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	return v
}

func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Path:         v.GetString("path"),
		ExtraVolumes: v.GetStringSlice("extra_volumes"),
		DeviceSize:   int64(v.GetSizeInBytes("device_size")),
		DirectIO:     v.GetBool("direct_io"),

		SegmentSize:         int64(v.GetSizeInBytes("segment_size")),
		Capacity:            v.GetInt64("capacity"),
		AggregationTimeout:  v.GetDuration("aggregation_timeout"),
		ShardCount:          v.GetInt("shard_count"),
		SegmentWriteThreads: v.GetInt("segment_write_threads"),
		StripedPlacement:    v.GetBool("striped_placement"),
		MaxKeySize:          v.GetInt("max_key_size"),
		ValueCacheBytes:     int64(v.GetSizeInBytes("value_cache_bytes")),
		IndexCompression:    v.GetString("index_compression"),

		Compaction: CompactionConfig{
			FullThreshold: v.GetFloat64("compaction_full_threshold"),
			HighWater:     v.GetFloat64("compaction_high_water"),
			LowWater:      v.GetFloat64("compaction_low_water"),
			Interval:      v.GetDuration("compaction_interval"),
			ReservedForGC: v.GetInt("reserved_for_gc"),
			IOBytesPerSec: int64(v.GetSizeInBytes("compaction_io_bytes_per_sec")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the defaults with environment overrides applied.
func Default() (*Config, error) {
	return loadConfig(newViper())
}

// Load reads the configuration file at path. The format follows the file
// extension (yaml, toml, json, ...).
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return loadConfig(v)
}

// Read parses a configuration of the given format ("yaml", "json", ...).
func Read(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", format, err)
	}
	return loadConfig(v)
}

// Thresholds returns the compaction thresholds.
func (c *Config) Thresholds() collector.Thresholds {
	return collector.Thresholds{
		Full: c.Compaction.FullThreshold,
		High: c.Compaction.HighWater,
		Low:  c.Compaction.LowWater,
	}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, err
	}
	return l, nil
}

// Validate checks value ranges. Device geometry is validated when the
// devices are opened.
func (c *Config) Validate() error {
	var errs []error
	if c.SegmentSize <= 0 {
		errs = append(errs, fmt.Errorf("segment_size must be positive, got %d", c.SegmentSize))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if c.DeviceSize < 0 || c.ValueCacheBytes < 0 || c.Compaction.IOBytesPerSec < 0 {
		errs = append(errs, errors.New("sizes must not be negative"))
	}
	if c.ShardCount < 0 || c.SegmentWriteThreads < 0 || c.Compaction.ReservedForGC < 0 {
		errs = append(errs, errors.New("counts must not be negative"))
	}
	if c.MaxKeySize <= 0 || c.MaxKeySize > 0xffff {
		errs = append(errs, fmt.Errorf("max_key_size must be in [1, 65535], got %d", c.MaxKeySize))
	}
	if c.AggregationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("aggregation_timeout must be positive, got %s", c.AggregationTimeout))
	}
	if _, err := compress.ParseCodec(c.IndexCompression); err != nil {
		errs = append(errs, err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

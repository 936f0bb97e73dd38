package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/segkv/internal/cache"
	"github.com/hupe1980/segkv/internal/collector"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/device"
	"github.com/hupe1980/segkv/internal/index"
	"github.com/hupe1980/segkv/internal/pipeline"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/superblock"
	"github.com/hupe1980/segkv/internal/volume"
)

// Engine is the storage engine over one or more block devices.
type Engine struct {
	logger             *slog.Logger
	metrics            MetricsObserver
	resourceController *resource.Controller

	segmentSize        int64
	capacity           int64
	aggregationTimeout time.Duration
	shardCount         int
	writeThreads       int
	thresholds         collector.Thresholds
	reservedForGC      int
	compactionInterval time.Duration
	valueCacheBytes    int64
	codec              compress.Codec
	deviceSize         int64
	directIO           bool
	extraVolumes       []string
	striped            bool
	compactionIORate   int64
	maxKeySize         int

	devs        []device.Device
	ownsDevices bool
	sbs         []*superblock.Superblock
	layouts     []layout
	align       int

	vols       []*volume.Volume
	collectors []*collector.Collector
	index      *index.Table
	pipe       *pipeline.Pipeline
	graves     *graveyard
	place      placement
	cache      cache.Cache

	// epoch is the last commit epoch handed out.
	epoch atomic.Uint64

	// gate lets checkpoints wait out in-flight foreground writes.
	gate sync.RWMutex

	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func newEngine(opts []Option) *Engine {
	e := &Engine{
		metrics:            &NoopMetricsObserver{},
		compactionInterval: DefaultCompactionInterval,
		directIO:           true,
		codec:              compress.LZ4,
		closeCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.applyDefaults()
	return e
}

// Open opens or formats the file-backed device at path plus every path
// given with WithExtraVolumes.
func Open(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	e := newEngine(opts)
	devs, err := e.openFiles(path)
	if err != nil {
		return nil, err
	}

	e.devs = devs
	e.ownsDevices = true
	if err := e.open(ctx); err != nil {
		closeDevices(devs)
		return nil, err
	}
	return e, nil
}

// OpenFiles opens the file-backed devices Open would use for path and
// opts, creating missing files of WithDeviceSize bytes.
func OpenFiles(path string, opts ...Option) ([]device.Device, error) {
	return newEngine(opts).openFiles(path)
}

func (e *Engine) openFiles(path string) ([]device.Device, error) {
	paths := append([]string{path}, e.extraVolumes...)
	devs := make([]device.Device, 0, len(paths))
	for _, p := range paths {
		d, err := device.OpenFile(p, device.Options{Size: e.deviceSize, DirectIO: e.directIO})
		if err != nil {
			closeDevices(devs)
			return nil, ioError(err)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

func closeDevices(devs []device.Device) {
	for _, d := range devs {
		_ = d.Close() // Intentionally ignore: cleanup path
	}
}

// OpenDevices opens or formats the given devices, one volume each. The
// caller keeps ownership of the devices and closes them after Close.
func OpenDevices(ctx context.Context, devs []device.Device, opts ...Option) (*Engine, error) {
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrInvalidArgument)
	}
	e := newEngine(opts)
	e.devs = devs
	if err := e.open(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(ctx context.Context) error {
	start := time.Now()
	e.align = deviceAlignment(e.devs)

	sbs, err := readSuperblocks(e.devs)
	if err != nil {
		return err
	}
	if sbs == nil {
		if sbs, err = e.format(); err != nil {
			return err
		}
	} else if sbs[0].SegmentSize != e.segmentSize || sbs[0].Capacity != e.capacity {
		if e.logger != nil {
			e.logger.Info("using on-device geometry", "segment_size", sbs[0].SegmentSize, "capacity", sbs[0].Capacity)
		}
		e.segmentSize = sbs[0].SegmentSize
		e.capacity = sbs[0].Capacity
	}
	e.sbs = sbs
	e.layouts = make([]layout, len(sbs))
	for i, sb := range sbs {
		e.layouts[i] = layoutOf(sb)
	}

	if err := e.buildState(); err != nil {
		return err
	}

	clean := true
	for _, sb := range sbs {
		clean = clean && sb.CleanShutdown
		e.epoch.Store(max(e.epoch.Load(), sb.Epoch))
	}

	recovered := false
	if clean {
		if err := e.loadRegions(); err != nil {
			if e.logger != nil {
				e.logger.Warn("persisted regions unusable, scanning segments", "error", err)
			}
			clean = false
			if err := e.buildState(); err != nil {
				return err
			}
		}
	}
	if !clean {
		if err := e.recover(ctx); err != nil {
			return err
		}
		recovered = true
	}

	if err := e.writeSuperblocks(false); err != nil {
		return err
	}

	for _, t := range e.index.Tombstones() {
		e.graves.Remove(t)
	}
	e.start()

	if e.logger != nil {
		e.logger.Info("engine opened",
			"volumes", len(e.vols),
			"segments", e.layouts[0].Geometry.SegmentCount,
			"keys", e.index.Keys(),
			"recovered", recovered,
			"epoch", e.epoch.Load(),
			"duration", time.Since(start))
	}
	return nil
}

func (e *Engine) format() ([]*superblock.Superblock, error) {
	sbs := make([]*superblock.Superblock, len(e.devs))
	for i, d := range e.devs {
		l, err := computeLayout(d.Capacity(), e.align, e.segmentSize, e.capacity, i == 0, e.reservedForGC)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		sb := l.superblock(uint32(i), uint32(len(e.devs)), e.capacity, e.align)
		if err := superblock.Write(d, sb); err != nil {
			return nil, ioError(err)
		}
		sbs[i] = sb
	}
	if e.logger != nil {
		e.logger.Info("formatted devices", "volumes", len(sbs), "segment_size", e.segmentSize, "capacity", e.capacity)
	}
	return sbs, nil
}

// buildState creates empty volumes, collectors and the index.
func (e *Engine) buildState() error {
	e.vols = make([]*volume.Volume, len(e.devs))
	for i, d := range e.devs {
		v, err := volume.New(uint32(i), d, e.layouts[i].Geometry, e.reservedForGC)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIncompatibleFormat, err)
		}
		e.vols[i] = v
	}

	segmentSize := e.segmentSize
	e.index = index.New(e.capacity, index.DeathSinkFunc(func(loc record.Location, size int64) {
		if int(loc.Volume) < len(e.vols) {
			e.vols[loc.Volume].Allocator().RecordDeath(loc.Segment(segmentSize), size)
		}
	}))

	e.collectors = make([]*collector.Collector, len(e.vols))
	for i, v := range e.vols {
		c, err := collector.New(v, e.index, collector.Config{
			Thresholds: e.thresholds,
			NextEpoch:  e.nextEpoch,
			Resources:  e.resourceController,
			Logger:     e.logger,
			Observer:   e.metrics,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		e.collectors[i] = c
	}
	e.graves = newGraveyard(e.index, e.vols, e.collectors, e.segmentSize, e.logger)
	return nil
}

// loadRegions restores the index and segment tables persisted by Close.
func (e *Engine) loadRegions() error {
	l := e.layouts[0]
	buf := device.AlignedBuffer(int(l.IndexSize), e.devs[0].Alignment())
	if err := device.ReadFull(e.devs[0], buf, l.IndexOffset); err != nil {
		return ioError(err)
	}
	if err := e.index.Load(buf); err != nil {
		return err
	}
	for _, v := range e.vols {
		if err := v.LoadStats(); err != nil {
			return fmt.Errorf("volume %d: %w", v.ID(), err)
		}
	}
	return nil
}

// start launches the write pipeline and the background loops.
func (e *Engine) start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if e.striped {
		e.place = newStripedPlacement(len(e.vols))
	} else {
		e.place = newSinglePlacement(len(e.vols))
	}
	if e.valueCacheBytes > 0 {
		e.cache = cache.NewSharded(e.valueCacheBytes, e.resourceController)
	}

	e.pipe = pipeline.New(pipeline.Config{
		Shards:      e.shardCount,
		Writers:     e.writeThreads,
		Timeout:     e.aggregationTimeout,
		SegmentSize: e.segmentSize,
		Alignment:   e.align,
		NextEpoch:   e.nextEpoch,
		Logger:      e.logger,
		Observer:    e.metrics,
	}, e, e.graves)

	if e.compactionInterval > 0 {
		for _, c := range e.collectors {
			e.wg.Add(1)
			go e.runCompactionLoop(c)
		}
	}
}

func (e *Engine) nextEpoch() uint64 { return e.epoch.Add(1) }

// sweepTombstones hands every queued tombstone to the graveyard and
// removes those no segment can shadow anymore.
func (e *Engine) sweepTombstones() int {
	e.pipe.DrainReaper()
	return e.graves.sweep()
}

// persist writes the index and segment tables and syncs every device.
func (e *Engine) persist() error {
	data, err := e.index.MarshalBinary(e.codec)
	if err != nil {
		return err
	}
	l := e.layouts[0]
	if int64(len(data)) > l.IndexSize {
		return fmt.Errorf("%w: index region needs %d bytes, has %d", ErrResourceExhausted, len(data), l.IndexSize)
	}
	align := e.devs[0].Alignment()
	buf := device.AlignedBuffer(int(device.AlignUp(int64(len(data)), align)), align)
	copy(buf, data)
	if err := device.WriteFull(e.devs[0], buf, l.IndexOffset); err != nil {
		return ioError(err)
	}

	for _, v := range e.vols {
		if err := v.SaveStats(e.codec); err != nil {
			return ioError(err)
		}
		if err := v.Sync(); err != nil {
			return ioError(err)
		}
	}
	return nil
}

func (e *Engine) writeSuperblocks(clean bool) error {
	for i, sb := range e.sbs {
		sb.CleanShutdown = clean
		sb.Epoch = e.epoch.Load()
		if err := superblock.Write(e.devs[i], sb); err != nil {
			return ioError(err)
		}
	}
	return nil
}

// Close drains pending writes, stops background compaction, persists the
// index and segment tables and marks the devices cleanly shut down.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	_ = e.pipe.Close() // Intentionally ignore: only fails when already closed

	e.cancel()
	close(e.closeCh)
	e.wg.Wait()

	var errs []error
	if err := e.persist(); err != nil {
		errs = append(errs, err)
		if e.logger != nil {
			e.logger.Error("failed to persist regions, next open will scan segments", "error", err)
		}
	} else if err := e.writeSuperblocks(true); err != nil {
		errs = append(errs, err)
	}

	if e.ownsDevices {
		for _, d := range e.devs {
			if err := d.Close(); err != nil {
				errs = append(errs, ioError(err))
			}
		}
	}

	if e.logger != nil {
		e.logger.Info("engine closed", "keys", e.index.Keys(), "epoch", e.epoch.Load())
	}
	return errors.Join(errs...)
}

// VolumeStats describes one volume.
type VolumeStats struct {
	ID         uint32
	Segments   int
	Free       int
	Reserved   int
	Used       int
	UsedBytes  int64
	LiveBytes  int64
	WasteRatio float64
	Merges     int64
	Freed      int64
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Keys        int64
	Tombstones  int64
	Capacity    int64
	LiveBytes   int64
	SegmentSize int64
	Epoch       uint64
	CacheHits   int64
	CacheMisses int64
	CacheBytes  int64
	Volumes     []VolumeStats
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Keys:        e.index.Keys(),
		Tombstones:  e.index.TombstoneCount(),
		Capacity:    e.index.Capacity(),
		LiveBytes:   e.index.LiveBytes(),
		SegmentSize: e.segmentSize,
		Epoch:       e.epoch.Load(),
	}
	if e.cache != nil {
		s.CacheHits, s.CacheMisses = e.cache.Stats()
		s.CacheBytes = e.cache.Size()
	}
	for i, v := range e.vols {
		a := v.Allocator()
		counts := a.Counts()
		merges, freed := e.collectors[i].Stats()
		s.Volumes = append(s.Volumes, VolumeStats{
			ID:         v.ID(),
			Segments:   counts.Total(),
			Free:       counts.Free,
			Reserved:   counts.Reserved,
			Used:       counts.Used,
			UsedBytes:  a.UsedBytes(),
			LiveBytes:  e.index.VolumeLiveBytes(v.ID()),
			WasteRatio: e.collectors[i].WasteRatio(),
			Merges:     merges,
			Freed:      freed,
		})
	}
	return s
}

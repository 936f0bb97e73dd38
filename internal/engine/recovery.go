package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segkv/internal/index"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/segment"
	"github.com/hupe1980/segkv/internal/volume"
)

// scannedSegment is one valid segment found by the recovery scan.
type scannedSegment struct {
	vol      *volume.Volume
	id       uint32
	epoch    uint64
	freeSize uint32
	entries  []record.Entry
}

// recoveryStats summarizes a recovery scan.
type recoveryStats struct {
	segments   int
	torn       int
	records    int
	dropped    int
	tombstones int
}

// recover rebuilds the index and segment tables from the segment images.
// Records are applied in stamp order so the newest version of each key
// wins regardless of where it was found.
func (e *Engine) recover(ctx context.Context) error {
	start := time.Now()

	var (
		mu      sync.Mutex
		found   []scannedSegment
		torn    int
		workers = runtime.GOMAXPROCS(0)
	)

	for _, v := range e.vols {
		bufs := make(chan []byte, workers)
		for range workers {
			bufs <- v.NewImage()
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for id := range v.Geometry().SegmentCount {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				img := <-bufs
				defer func() { bufs <- img }()

				if err := v.ReadSegment(id, img); err != nil {
					return ioError(fmt.Errorf("volume %d segment %d: %w", v.ID(), id, err))
				}
				sh, parsed, err := segment.Parse(img)
				if err != nil {
					if sh.Magic == record.SegmentMagic {
						mu.Lock()
						torn++
						mu.Unlock()
						if e.logger != nil {
							e.logger.Warn("discarding damaged segment", "volume", v.ID(), "segment", id, "error", err)
						}
					}
					return nil
				}

				s := scannedSegment{vol: v, id: id, epoch: sh.Epoch, freeSize: sh.FreeSize, entries: make([]record.Entry, len(parsed))}
				for i, p := range parsed {
					s.entries[i] = p.Entry(v.ID(), id, v.SegmentSize())
				}
				mu.Lock()
				found = append(found, s)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	st := recoveryStats{segments: len(found), torn: torn}
	maxEpoch := e.epoch.Load()
	var all []record.Entry
	for _, s := range found {
		if err := s.vol.Allocator().MarkUsed(s.id, s.freeSize); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		maxEpoch = max(maxEpoch, s.epoch)
		all = append(all, s.entries...)
	}

	slices.SortFunc(all, func(a, b record.Entry) int { return a.Stamp.Compare(b.Stamp) })
	for _, ent := range all {
		maxEpoch = max(maxEpoch, ent.Stamp.Epoch)
		if _, err := e.index.Upsert(ent); err != nil {
			if !errors.Is(err, index.ErrCapacityExceeded) {
				return err
			}
			e.vols[ent.Loc.Volume].Allocator().RecordDeath(ent.Loc.Segment(e.segmentSize), ent.Size())
			st.dropped++
		}
	}
	st.records = len(all)

	st.tombstones = len(e.index.Tombstones())
	e.epoch.Store(maxEpoch)

	if st.dropped > 0 && e.logger != nil {
		e.logger.Warn("index capacity exceeded during recovery", "dropped", st.dropped, "capacity", e.index.Capacity())
	}
	if e.logger != nil {
		e.logger.Info("recovery complete",
			"segments", st.segments,
			"damaged", st.torn,
			"records", st.records,
			"keys", e.index.Keys(),
			"tombstones", st.tombstones,
			"epoch", maxEpoch,
			"duration", time.Since(start))
	}
	return nil
}

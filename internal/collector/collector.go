package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/resource"
	"github.com/hupe1980/segkv/internal/segment"
	"github.com/hupe1980/segkv/internal/volume"
)

const readWindow = 4

var (
	// ErrNoSpace is returned when no segment is left even for the collector.
	ErrNoSpace = errors.New("collector: no free segment for output")

	// ErrInvalidThresholds is returned by SetThresholds for out-of-range values.
	ErrInvalidThresholds = errors.New("collector: invalid thresholds")
)

// Index is the view of the index the collector needs.
type Index interface {
	IsCurrent(e record.Entry) bool
	Relocate(from record.Location, e record.Entry) bool
	VolumeLiveBytes(vol uint32) int64
}

// Thresholds tune candidate selection and background compaction.
type Thresholds struct {
	// Full is the utilization below which a segment is a candidate.
	Full float64
	// High and Low bound the waste ratio for background compaction.
	High float64
	Low  float64
}

// DefaultThresholds returns the default tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{Full: 0.5, High: 0.3, Low: 0.1}
}

// Validate checks 0 < Full <= 1 and 0 <= Low <= High <= 1.
func (t Thresholds) Validate() error {
	if t.Full <= 0 || t.Full > 1 || t.Low < 0 || t.Low > t.High || t.High > 1 {
		return fmt.Errorf("%w: %+v", ErrInvalidThresholds, t)
	}
	return nil
}

// Observer receives compaction measurements.
type Observer interface {
	OnCompaction(vol uint32, inputs, outputs, freed int, d time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) OnCompaction(uint32, int, int, int, time.Duration, error) {}

// Config configures a Collector.
type Config struct {
	Thresholds Thresholds

	// MaxAttempts bounds the merge cycles of one ForceCompact call.
	MaxAttempts int

	// NextEpoch stamps output segment headers.
	NextEpoch func() uint64

	Resources *resource.Controller
	Logger    *slog.Logger
	Observer  Observer
}

// Collector compacts one volume.
type Collector struct {
	vol        *volume.Volume
	index      Index
	cfg        Config
	thresholds atomic.Pointer[Thresholds]

	// mu is the volume compaction lock.
	mu sync.Mutex

	merges atomic.Int64
	freed  atomic.Int64
}

// New creates a collector for vol.
func New(vol *volume.Volume, index Index, cfg Config) (*Collector, error) {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.NextEpoch == nil {
		var n atomic.Uint64
		cfg.NextEpoch = func() uint64 { return n.Add(1) }
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	c := &Collector{vol: vol, index: index, cfg: cfg}
	t := cfg.Thresholds
	c.thresholds.Store(&t)
	return c, nil
}

// Volume returns the compacted volume.
func (c *Collector) Volume() *volume.Volume { return c.vol }

// Thresholds returns the active thresholds.
func (c *Collector) Thresholds() Thresholds { return *c.thresholds.Load() }

// SetThresholds atomically replaces the thresholds.
func (c *Collector) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.thresholds.Store(&t)
	return nil
}

// Stats returns the number of merges run and segments net-freed.
func (c *Collector) Stats() (merges, freed int64) {
	return c.merges.Load(), c.freed.Load()
}

// Lock acquires the compaction lock, pausing all compaction on the volume.
func (c *Collector) Lock() { c.mu.Lock() }

// Unlock releases the compaction lock.
func (c *Collector) Unlock() { c.mu.Unlock() }

func (c *Collector) headroomOK() bool {
	a := c.vol.Allocator()
	return a.FreeCount() > a.ReservedForGC()
}

// WasteRatio returns 1 - live/used for the volume, or 0 when nothing is used.
func (c *Collector) WasteRatio() float64 {
	used := c.vol.Allocator().UsedBytes()
	if used <= 0 {
		return 0
	}
	live := c.index.VolumeLiveBytes(c.vol.ID())
	return 1 - float64(live)/float64(used)
}

// ForceCompact runs when foreground allocation is exhausted. It merges
// over every used segment until the headroom is restored, up to
// MaxAttempts merges, and gives up after the first merge that frees
// nothing. It reports whether the headroom is satisfied.
func (c *Collector) ForceCompact(ctx context.Context) bool {
	if c.headroomOK() {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.headroomOK() {
		return true
	}

	for range c.cfg.MaxAttempts {
		cands := c.vol.Allocator().SelectCandidates(1.0)
		if len(cands) == 0 {
			return false
		}
		freed, err := c.merge(ctx, cands)
		if err != nil {
			if c.cfg.Logger != nil {
				c.cfg.Logger.Warn("forced compaction failed", "volume", c.vol.ID(), "error", err)
			}
			return false
		}
		if freed <= 0 {
			return false
		}
		if c.headroomOK() {
			return true
		}
	}
	return c.headroomOK()
}

// BackgroundCompact merges candidates while the waste ratio is above the
// high-water mark, until it drops below the low-water mark or one used
// segment remains. It returns the number of segments freed.
func (c *Collector) BackgroundCompact(ctx context.Context) (int, error) {
	t := c.Thresholds()
	if c.WasteRatio() <= t.High {
		return 0, nil
	}
	if !c.cfg.Resources.TryAcquireCompaction() {
		return 0, nil
	}
	defer c.cfg.Resources.ReleaseCompaction()

	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for c.WasteRatio() > t.Low && c.vol.Allocator().Counts().Used > 1 {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		cands := c.vol.Allocator().SelectCandidates(t.Full)
		if len(cands) == 0 {
			break
		}
		freed, err := c.merge(ctx, cands)
		if err != nil {
			return total, err
		}
		if freed <= 0 {
			break
		}
		total += freed
	}
	if total > 0 && c.cfg.Logger != nil {
		c.cfg.Logger.Info("background compaction", "volume", c.vol.ID(), "freed", total, "waste", c.WasteRatio())
	}
	return total, nil
}

// FullCompact drains every candidate regardless of the waste ratio.
func (c *Collector) FullCompact(ctx context.Context) (int, error) {
	if err := c.cfg.Resources.AcquireCompaction(ctx); err != nil {
		return 0, err
	}
	defer c.cfg.Resources.ReleaseCompaction()

	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		cands := c.vol.Allocator().SelectCandidates(1.0)
		if len(cands) == 0 {
			return total, nil
		}
		freed, err := c.merge(ctx, cands)
		if err != nil {
			return total, err
		}
		if freed <= 0 {
			return total, nil
		}
		total += freed
	}
}

// Merge compacts candidates (ascending live bytes) and returns the number
// of segments net-freed.
func (c *Collector) Merge(ctx context.Context, cands []volume.Candidate) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merge(ctx, cands)
}

type move struct {
	from record.Location
	out  int // 0 or 1
	slot int
}

type scanned struct {
	id      uint32
	records []segment.Parsed
	err     error
}

func (c *Collector) merge(ctx context.Context, cands []volume.Candidate) (freed int, err error) {
	start := time.Now()
	var inputs, outputs int
	defer func() {
		c.cfg.Observer.OnCompaction(c.vol.ID(), inputs, outputs, freed, time.Since(start), err)
	}()

	segSize := c.vol.SegmentSize()
	align := c.vol.Device().Alignment()
	outs := [2]*segment.Builder{segment.NewBuilder(segSize, align)}

	var (
		moves   []move
		drained []uint32
		partial = -1
	)

	for w := 0; w < len(cands) && partial < 0; w += readWindow {
		window := cands[w:min(w+readWindow, len(cands))]
		images, err := c.readWindow(ctx, window)
		if err != nil {
			return 0, err
		}

		for _, sc := range images {
			if sc.err != nil {
				if c.cfg.Logger != nil {
					c.cfg.Logger.Warn("skipping unreadable compaction candidate", "volume", c.vol.ID(), "segment", sc.id, "error", sc.err)
				}
				continue
			}

			survivors := bitset.New(uint(len(sc.records)))
			for i, p := range sc.records {
				if c.index.IsCurrent(p.Entry(c.vol.ID(), sc.id, segSize)) {
					survivors.Set(uint(i))
				}
			}

			for i, ok := survivors.NextSet(0); ok; i, ok = survivors.NextSet(i + 1) {
				p := sc.records[i]
				r := segment.Record{
					Digest:    p.Digest,
					Key:       p.Key,
					Value:     p.Value,
					Tombstone: p.IsTombstone(),
					Stamp:     p.Stamp,
				}
				out := 0
				if outs[1] != nil || !outs[0].TryAdd(len(r.Key), len(r.Value)) {
					if outs[1] == nil {
						outs[1] = segment.NewBuilder(segSize, align)
					}
					out = 1
				}
				if err := outs[out].Add(r); err != nil {
					return 0, fmt.Errorf("collector: repack segment %d: %w", sc.id, err)
				}
				moves = append(moves, move{
					from: p.Entry(c.vol.ID(), sc.id, segSize).Loc,
					out:  out,
					slot: outs[out].Len() - 1,
				})
			}

			if outs[1] != nil {
				partial = int(sc.id)
				break
			}
			drained = append(drained, sc.id)
		}
	}

	inputs = len(drained)
	if partial >= 0 {
		inputs++
	}
	if inputs == 0 {
		return 0, nil
	}

	// Write and sync every output before publishing anything.
	alloc := c.vol.Allocator()
	var (
		written  [2]*segment.Sealed
		reserved []uint32
	)
	release := func() {
		for _, id := range reserved {
			_ = alloc.ReleaseFailed(id) // Intentionally ignore: cleanup path
		}
	}
	for i, b := range outs {
		if b == nil || b.Len() == 0 {
			continue
		}
		id, ok := alloc.AllocateForCollector()
		if !ok {
			release()
			return 0, ErrNoSpace
		}
		reserved = append(reserved, id)
		if err := c.cfg.Resources.ThrottleCompaction(ctx, int(segSize)); err != nil {
			release()
			return 0, err
		}
		s, err := b.Seal(c.vol, id, c.cfg.NextEpoch())
		if err != nil {
			release()
			return 0, fmt.Errorf("collector: write output segment %d: %w", id, err)
		}
		written[i] = &s
	}
	if err := c.vol.Sync(); err != nil {
		for _, id := range reserved {
			_ = c.vol.InvalidateSegment(id) // Intentionally ignore: best-effort, the device already failed
		}
		release()
		return 0, fmt.Errorf("collector: sync outputs: %w", err)
	}
	outputs = len(reserved)

	for _, m := range moves {
		c.index.Relocate(m.from, written[m.out].Entries[m.slot])
	}
	for _, s := range written {
		if s == nil {
			continue
		}
		if err := alloc.Commit(s.ID, s.FreeSize); err != nil {
			return 0, err
		}
	}

	if partial >= 0 {
		drained = append(drained, uint32(partial))
	}
	released := 0
	for _, id := range drained {
		if err := c.vol.InvalidateSegment(id); err != nil && c.cfg.Logger != nil {
			c.cfg.Logger.Warn("invalidate compacted segment", "volume", c.vol.ID(), "segment", id, "error", err)
		}
		if err := alloc.ReleaseCollected(id); err != nil {
			return released - outputs, err
		}
		released++
	}

	freed = released - outputs
	c.merges.Add(1)
	c.freed.Add(int64(freed))
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug("merged segments", "volume", c.vol.ID(), "inputs", inputs, "outputs", outputs, "moved", len(moves), "freed", freed)
	}
	return freed, nil
}

// readWindow reads and parses a window of candidates in parallel. A
// candidate that fails to parse is reported per segment; a device error
// aborts the window.
func (c *Collector) readWindow(ctx context.Context, window []volume.Candidate) ([]scanned, error) {
	out := make([]scanned, len(window))
	g, ctx := errgroup.WithContext(ctx)
	for i, cand := range window {
		g.Go(func() error {
			if err := c.cfg.Resources.ThrottleCompaction(ctx, int(c.vol.SegmentSize())); err != nil {
				return err
			}
			img := c.vol.NewImage()
			if err := c.vol.ReadSegment(cand.ID, img); err != nil {
				return fmt.Errorf("collector: read segment %d: %w", cand.ID, err)
			}
			_, recs, err := segment.Parse(img)
			out[i] = scanned{id: cand.ID, records: recs, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

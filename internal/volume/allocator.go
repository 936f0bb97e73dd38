package volume

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segkv/internal/record"
)

// DefaultReservedForGC is the number of free segments held back for the
// collector.
const DefaultReservedForGC = 2

// ErrBadTransition is returned for a lifecycle transition from the wrong state.
var ErrBadTransition = errors.New("volume: invalid segment state transition")

// State is the lifecycle state of a segment.
type State uint8

const (
	Free State = iota
	Reserved
	Used
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Used:
		return "used"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Stat is one row of the segment table.
type Stat struct {
	State     State
	FreeSize  uint32
	DeathSize uint32
}

// Candidate is a compaction candidate.
type Candidate struct {
	ID        uint32
	LiveBytes int64
}

// Occupant identifies one occupancy of a segment, from allocation until it
// returns to Free.
type Occupant struct {
	ID  uint32
	Gen uint32
}

// Counts summarizes segment states.
type Counts struct {
	Free     int
	Reserved int
	Used     int
}

// Total returns the number of segments.
func (c Counts) Total() int { return c.Free + c.Reserved + c.Used }

// Allocator grants and reclaims segment ids for one volume.
type Allocator struct {
	segmentSize int64
	reserve     int

	mu     sync.Mutex
	stats  []Stat
	free   *roaring.Bitmap
	cursor uint32
	counts Counts

	// gens counts how often each segment has returned to Free.
	gens []uint32
}

// NewAllocator creates an allocator with every segment Free.
func NewAllocator(segmentCount uint32, segmentSize int64, reserveForGC int) *Allocator {
	if reserveForGC < 0 {
		reserveForGC = 0
	}
	a := &Allocator{
		segmentSize: segmentSize,
		reserve:     reserveForGC,
		stats:       make([]Stat, segmentCount),
		free:        roaring.New(),
		gens:        make([]uint32, segmentCount),
	}
	a.free.AddRange(0, uint64(segmentCount))
	a.counts.Free = int(segmentCount)
	return a
}

// SegmentCount returns the number of segments.
func (a *Allocator) SegmentCount() uint32 { return uint32(len(a.stats)) }

// SegmentSize returns the segment size in bytes.
func (a *Allocator) SegmentSize() int64 { return a.segmentSize }

// ReservedForGC returns the headroom kept for the collector.
func (a *Allocator) ReservedForGC() int { return a.reserve }

// Allocate reserves a free segment for a foreground write. It fails when
// the free count is at or below the collector reserve.
func (a *Allocator) Allocate() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counts.Free <= a.reserve {
		return 0, false
	}
	return a.allocateLocked()
}

// AllocateForCollector reserves a free segment ignoring the headroom.
func (a *Allocator) AllocateForCollector() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counts.Free == 0 {
		return 0, false
	}
	return a.allocateLocked()
}

func (a *Allocator) allocateLocked() (uint32, bool) {
	it := a.free.Iterator()
	it.AdvanceIfNeeded(a.cursor)
	if !it.HasNext() {
		it = a.free.Iterator()
		if !it.HasNext() {
			return 0, false
		}
	}
	id := it.Next()

	a.free.Remove(id)
	a.stats[id] = Stat{State: Reserved}
	a.counts.Free--
	a.counts.Reserved++
	a.cursor = id + 1
	return id, true
}

func (a *Allocator) check(id uint32, want State) error {
	if int(id) >= len(a.stats) {
		return fmt.Errorf("%w: segment %d out of range", ErrBadTransition, id)
	}
	if got := a.stats[id].State; got != want {
		return fmt.Errorf("%w: segment %d is %s, want %s", ErrBadTransition, id, got, want)
	}
	return nil
}

// Commit marks a reserved segment durable with freeSize residual bytes.
// Deaths recorded while the segment was reserved are kept.
func (a *Allocator) Commit(id uint32, freeSize uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(id, Reserved); err != nil {
		return err
	}
	a.stats[id].State = Used
	a.stats[id].FreeSize = freeSize
	a.counts.Reserved--
	a.counts.Used++
	return nil
}

// ReleaseFailed returns a reserved segment whose write failed.
func (a *Allocator) ReleaseFailed(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(id, Reserved); err != nil {
		return err
	}
	a.freeLocked(id)
	a.counts.Reserved--
	return nil
}

// ReleaseCollected frees a segment the collector has evacuated.
func (a *Allocator) ReleaseCollected(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(id, Used); err != nil {
		return err
	}
	a.freeLocked(id)
	a.counts.Used--
	return nil
}

func (a *Allocator) freeLocked(id uint32) {
	a.stats[id] = Stat{State: Free}
	a.gens[id]++
	a.free.Add(id)
	a.counts.Free++
}

// MarkUsed moves a free segment straight to Used. Recovery uses it to
// rebuild the table from on-disk segment headers.
func (a *Allocator) MarkUsed(id uint32, freeSize uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(id, Free); err != nil {
		return err
	}
	a.free.Remove(id)
	a.stats[id] = Stat{State: Used, FreeSize: freeSize}
	a.counts.Free--
	a.counts.Used++
	return nil
}

// RecordDeath adds bytes to a segment's death size. Deaths on free
// segments are ignored: the copy they describe no longer exists.
func (a *Allocator) RecordDeath(id uint32, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(id) >= len(a.stats) || a.stats[id].State == Free {
		return
	}
	d := int64(a.stats[id].DeathSize) + bytes
	if d > a.segmentSize {
		d = a.segmentSize
	}
	a.stats[id].DeathSize = uint32(d)
}

func (a *Allocator) liveBytes(s Stat) int64 {
	live := a.segmentSize - int64(s.FreeSize) - int64(s.DeathSize) - record.SegmentHeaderSize
	if live < 0 {
		return 0
	}
	return live
}

// SelectCandidates returns every Used segment whose live bytes fall below
// threshold * segment size, cheapest first.
func (a *Allocator) SelectCandidates(threshold float64) []Candidate {
	limit := int64(threshold * float64(a.segmentSize))

	a.mu.Lock()
	var out []Candidate
	for id, s := range a.stats {
		if s.State != Used {
			continue
		}
		if live := a.liveBytes(s); live < limit {
			out = append(out, Candidate{ID: uint32(id), LiveBytes: live})
		}
	}
	a.mu.Unlock()

	slices.SortStableFunc(out, func(x, y Candidate) int {
		switch {
		case x.LiveBytes < y.LiveBytes:
			return -1
		case x.LiveBytes > y.LiveBytes:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Counts returns the number of segments per state.
func (a *Allocator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// FreeCount returns the number of free segments.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts.Free
}

// UsedBytes returns the record bytes written to Used segments.
func (a *Allocator) UsedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int64
	for _, s := range a.stats {
		if s.State == Used {
			n += a.segmentSize - int64(s.FreeSize) - record.SegmentHeaderSize
		}
	}
	return n
}

// Stat returns the row for id.
func (a *Allocator) Stat(id uint32) Stat {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(id) >= len(a.stats) {
		return Stat{}
	}
	return a.stats[id]
}

// Snapshot returns a copy of the whole table.
func (a *Allocator) Snapshot() []Stat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.stats)
}

// UsedSegments returns the ids of all Used segments in ascending order.
func (a *Allocator) UsedSegments() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []uint32
	for id, s := range a.stats {
		if s.State == Used {
			out = append(out, uint32(id))
		}
	}
	return out
}

// Occupants returns every segment that is not Free.
func (a *Allocator) Occupants() []Occupant {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Occupant
	for id, s := range a.stats {
		if s.State != Free {
			out = append(out, Occupant{ID: uint32(id), Gen: a.gens[id]})
		}
	}
	return out
}

// Released reports whether o's segment has been freed since o was taken.
func (a *Allocator) Released(o Occupant) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(o.ID) >= len(a.gens) || a.gens[o.ID] != o.Gen
}

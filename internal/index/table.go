package index

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

// ErrCapacityExceeded is returned when an insert would exceed the configured
// number of keys.
var ErrCapacityExceeded = errors.New("index: capacity exceeded")

// DeathSink receives the location and size of every record copy that stops
// being reachable. It is called while a bucket lock is held and must not
// call back into the Table.
type DeathSink interface {
	MarkDead(loc record.Location, size int64)
}

// DeathSinkFunc adapts a function to DeathSink.
type DeathSinkFunc func(loc record.Location, size int64)

// MarkDead implements DeathSink.
func (f DeathSinkFunc) MarkDead(loc record.Location, size int64) { f(loc, size) }

type noopSink struct{}

func (noopSink) MarkDead(record.Location, int64) {}

// Outcome reports what Upsert did.
type Outcome uint8

const (
	// Inserted means the digest was absent and the entry was added.
	Inserted Outcome = iota
	// Replaced means the entry superseded an older one.
	Replaced
	// Ignored means an entry with an equal or newer stamp was already present.
	Ignored
	// NoopDelete means a tombstone arrived for an absent digest.
	NoopDelete
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Ignored:
		return "ignored"
	case NoopDelete:
		return "noop-delete"
	default:
		return "unknown"
	}
}

type bucket struct {
	mu      sync.Mutex
	entries []record.Entry
}

func (b *bucket) find(d hash.Digest) int {
	for i := range b.entries {
		if b.entries[i].Digest == d {
			return i
		}
	}
	return -1
}

// Table is the index. It is safe for concurrent use.
type Table struct {
	buckets  []bucket
	mask     uint64
	capacity int64
	sink     DeathSink

	// statsMu guards the aggregate counters.
	statsMu    sync.Mutex
	count      int64
	tombstones int64
	reserved   int64
	liveBytes  int64
	volumeLive map[uint32]int64
}

// New creates a table for up to capacity keys. sink may be nil.
func New(capacity int64, sink DeathSink) *Table {
	if capacity < 1 {
		capacity = 1
	}
	if sink == nil {
		sink = noopSink{}
	}
	n := BucketCount(capacity)
	return &Table{
		buckets:    make([]bucket, n),
		mask:       n - 1,
		capacity:   capacity,
		sink:       sink,
		volumeLive: make(map[uint32]int64),
	}
}

// BucketCount returns the bucket count used for capacity: the next power of
// two at or above capacity/2.
func BucketCount(capacity int64) uint64 {
	want := uint64(capacity+1) / 2
	if want < 1 {
		want = 1
	}
	if want&(want-1) == 0 {
		return want
	}
	return 1 << bits.Len64(want)
}

func (t *Table) bucketIndex(d hash.Digest) uint64 { return d.Uint64() & t.mask }

func (t *Table) bucketFor(d hash.Digest) *bucket { return &t.buckets[t.bucketIndex(d)] }

// Capacity returns the configured maximum number of keys.
func (t *Table) Capacity() int64 { return t.capacity }

// Len returns the number of entries, tombstones included.
func (t *Table) Len() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.count
}

// Keys returns the number of entries that are not tombstones.
func (t *Table) Keys() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.count - t.tombstones
}

// TombstoneCount returns the number of indexed tombstones.
func (t *Table) TombstoneCount() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.tombstones
}

// LiveBytes returns the theoretical live size: the summed record size of
// every indexed entry.
func (t *Table) LiveBytes() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.liveBytes
}

// VolumeLiveBytes returns LiveBytes restricted to one volume.
func (t *Table) VolumeLiveBytes(vol uint32) int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.volumeLive[vol]
}

func (t *Table) addLive(loc record.Location, delta int64) {
	t.liveBytes += delta
	t.volumeLive[loc.Volume] += delta
}

// Reserve claims n insertion slots for records that are about to be
// written. It fails without claiming anything if the table cannot take n
// more keys.
func (t *Table) Reserve(n int64) bool {
	if n <= 0 {
		return true
	}
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if t.count+t.reserved+n > t.capacity {
		return false
	}
	t.reserved += n
	return true
}

// Unreserve returns slots claimed with Reserve that were not consumed.
func (t *Table) Unreserve(n int64) {
	if n <= 0 {
		return
	}
	t.statsMu.Lock()
	t.reserved = max(t.reserved-n, 0)
	t.statsMu.Unlock()
}

// Upsert applies a committed record to the table.
func (t *Table) Upsert(e record.Entry) (Outcome, error) {
	return t.upsert(e, nil)
}

// UpsertReserved applies a committed record whose slot was claimed with
// Reserve. An insertion consumes one of *slots and never fails; once the
// slots run out it may take the table past its capacity.
func (t *Table) UpsertReserved(e record.Entry, slots *int64) Outcome {
	o, _ := t.upsert(e, slots)
	return o
}

func (t *Table) upsert(e record.Entry, slots *int64) (Outcome, error) {
	b := t.bucketFor(e.Digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(e.Digest)
	if i < 0 {
		if e.IsTombstone() {
			t.sink.MarkDead(e.Loc, e.Size())
			return NoopDelete, nil
		}

		t.statsMu.Lock()
		switch {
		case slots != nil && *slots > 0:
			*slots--
			t.reserved--
		case slots == nil && t.count+t.reserved >= t.capacity:
			t.statsMu.Unlock()
			return Ignored, ErrCapacityExceeded
		}
		t.count++
		t.addLive(e.Loc, e.Size())
		t.statsMu.Unlock()

		b.entries = append(b.entries, e)
		return Inserted, nil
	}

	cur := b.entries[i]
	if cur.Stamp.Compare(e.Stamp) >= 0 {
		t.sink.MarkDead(e.Loc, e.Size())
		return Ignored, nil
	}

	b.entries[i] = e
	t.statsMu.Lock()
	if cur.IsTombstone() {
		t.tombstones--
	}
	if e.IsTombstone() {
		t.tombstones++
	}
	t.addLive(cur.Loc, -cur.Size())
	t.addLive(e.Loc, e.Size())
	t.statsMu.Unlock()

	t.sink.MarkDead(cur.Loc, cur.Size())
	return Replaced, nil
}

// Lookup returns the entry for d.
func (t *Table) Lookup(d hash.Digest) (record.Entry, bool) {
	b := t.bucketFor(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.find(d); i >= 0 {
		return b.entries[i], true
	}
	return record.Entry{}, false
}

// IsCurrent reports whether e's location is the one indexed for its digest.
func (t *Table) IsCurrent(e record.Entry) bool {
	b := t.bucketFor(e.Digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(e.Digest)
	return i >= 0 && b.entries[i].Loc == e.Loc
}

// Remove drops a durable tombstone. It only removes the slot if the indexed
// entry is still exactly that tombstone (same stamp).
func (t *Table) Remove(e record.Entry) bool {
	b := t.bucketFor(e.Digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(e.Digest)
	if i < 0 {
		return false
	}
	cur := b.entries[i]
	if !cur.IsTombstone() || cur.Stamp != e.Stamp {
		return false
	}

	last := len(b.entries) - 1
	b.entries[i] = b.entries[last]
	b.entries[last] = record.Entry{}
	b.entries = b.entries[:last]

	t.statsMu.Lock()
	t.count--
	t.tombstones--
	t.addLive(cur.Loc, -cur.Size())
	t.statsMu.Unlock()

	t.sink.MarkDead(cur.Loc, cur.Size())
	return true
}

// Relocate publishes a record moved by compaction. It succeeds only if the
// indexed entry still points at from; otherwise the moved copy is reported
// dead and false is returned.
func (t *Table) Relocate(from record.Location, e record.Entry) bool {
	b := t.bucketFor(e.Digest)
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(e.Digest)
	if i < 0 || b.entries[i].Loc != from {
		t.sink.MarkDead(e.Loc, e.Size())
		return false
	}

	cur := b.entries[i]
	b.entries[i] = e
	if cur.Loc.Volume != e.Loc.Volume || cur.Size() != e.Size() {
		t.statsMu.Lock()
		t.addLive(cur.Loc, -cur.Size())
		t.addLive(e.Loc, e.Size())
		t.statsMu.Unlock()
	}
	return true
}

// ForEach calls fn for every entry in bucket order until fn returns false.
// Each bucket is locked only while it is copied.
func (t *Table) ForEach(fn func(record.Entry) bool) {
	var scratch []record.Entry
	for i := range t.buckets {
		scratch = t.copyBucket(uint64(i), scratch[:0])
		for _, e := range scratch {
			if !fn(e) {
				return
			}
		}
	}
}

// Tombstones returns every indexed tombstone.
func (t *Table) Tombstones() []record.Entry {
	var out []record.Entry
	t.ForEach(func(e record.Entry) bool {
		if e.IsTombstone() {
			out = append(out, e)
		}
		return true
	})
	return out
}

func (t *Table) copyBucket(i uint64, dst []record.Entry) []record.Entry {
	b := &t.buckets[i]
	b.mu.Lock()
	dst = append(dst, b.entries...)
	b.mu.Unlock()
	return dst
}

// reset clears all entries and counters.
func (t *Table) reset() {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		b.entries = nil
		b.mu.Unlock()
	}
	t.statsMu.Lock()
	t.count = 0
	t.tombstones = 0
	t.reserved = 0
	t.liveBytes = 0
	t.volumeLive = make(map[uint32]int64)
	t.statsMu.Unlock()
}

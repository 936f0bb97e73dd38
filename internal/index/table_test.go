package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

type deathLog struct {
	mu     sync.Mutex
	deaths map[record.Location]int64
}

func newDeathLog() *deathLog { return &deathLog{deaths: make(map[record.Location]int64)} }

func (d *deathLog) MarkDead(loc record.Location, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deaths[loc] += size
}

func (d *deathLog) get(loc record.Location) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deaths[loc]
}

func entry(key string, valueLen uint32, epoch uint64, seq uint32, off uint64) record.Entry {
	return record.Entry{
		Header: record.Header{
			Digest:   hash.Sum([]byte(key)),
			KeyLen:   uint16(len(key)),
			ValueLen: valueLen,
			Stamp:    record.Stamp{Epoch: epoch, Seq: seq},
		},
		Loc: record.Location{Offset: off},
	}
}

func tombstone(key string, epoch uint64, off uint64) record.Entry {
	e := entry(key, 0, epoch, 0, off)
	e.Flags = record.FlagTombstone
	return e
}

func TestBucketCount(t *testing.T) {
	assert.Equal(t, uint64(1), BucketCount(1))
	assert.Equal(t, uint64(1), BucketCount(2))
	assert.Equal(t, uint64(2), BucketCount(4))
	assert.Equal(t, uint64(512), BucketCount(1000))
	assert.Equal(t, uint64(512), BucketCount(1024))
}

func TestUpsert_LastWriteWins(t *testing.T) {
	sink := newDeathLog()
	tbl := New(16, sink)

	v1 := entry("k", 10, 1, 0, 100)
	v2 := entry("k", 20, 2, 0, 200)

	out, err := tbl.Upsert(v1)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)

	out, err = tbl.Upsert(v2)
	require.NoError(t, err)
	assert.Equal(t, Replaced, out)

	got, ok := tbl.Lookup(v1.Digest)
	require.True(t, ok)
	assert.Equal(t, v2, got)
	assert.Equal(t, v1.Size(), sink.get(v1.Loc))
	assert.Equal(t, int64(1), tbl.Len())
	assert.Equal(t, v2.Size(), tbl.LiveBytes())

	// A late write with an older stamp is ignored and reported dead.
	late := entry("k", 5, 1, 7, 300)
	out, err = tbl.Upsert(late)
	require.NoError(t, err)
	assert.Equal(t, Ignored, out)
	assert.Equal(t, late.Size(), sink.get(late.Loc))

	// Equal stamps are ignored too.
	dup := v2
	dup.Loc.Offset = 400
	out, _ = tbl.Upsert(dup)
	assert.Equal(t, Ignored, out)

	got, _ = tbl.Lookup(v1.Digest)
	assert.Equal(t, v2, got)
}

func TestUpsert_Capacity(t *testing.T) {
	tbl := New(2, nil)

	_, err := tbl.Upsert(entry("a", 1, 1, 0, 0))
	require.NoError(t, err)
	_, err = tbl.Upsert(entry("b", 1, 1, 1, 100))
	require.NoError(t, err)
	_, err = tbl.Upsert(entry("c", 1, 1, 2, 200))
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Updating an existing key does not need a new slot.
	_, err = tbl.Upsert(entry("a", 1, 2, 0, 300))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), tbl.Len())
}

func TestReserve(t *testing.T) {
	tbl := New(3, nil)

	_, err := tbl.Upsert(entry("a", 1, 1, 0, 0))
	require.NoError(t, err)

	require.True(t, tbl.Reserve(2))
	assert.False(t, tbl.Reserve(1))

	// Reserved slots are off limits to unreserved inserts.
	_, err = tbl.Upsert(entry("x", 1, 1, 1, 100))
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	slots := int64(2)
	assert.Equal(t, Inserted, tbl.UpsertReserved(entry("b", 1, 2, 0, 200), &slots))
	assert.Equal(t, Replaced, tbl.UpsertReserved(entry("a", 1, 2, 1, 300), &slots))
	assert.Equal(t, int64(1), slots)
	tbl.Unreserve(slots)

	assert.Equal(t, int64(2), tbl.Len())
	require.True(t, tbl.Reserve(1))
	tbl.Unreserve(1)
	_, err = tbl.Upsert(entry("c", 1, 3, 0, 400))
	require.NoError(t, err)

	// Out of slots, a reserved insert still lands.
	slots = 0
	assert.Equal(t, Inserted, tbl.UpsertReserved(entry("d", 1, 4, 0, 500), &slots))
	assert.Equal(t, int64(4), tbl.Len())
}

func TestDeleteAndRemove(t *testing.T) {
	sink := newDeathLog()
	tbl := New(16, sink)

	// Delete of an absent key is a no-op and the tombstone is dead on arrival.
	ts := tombstone("missing", 1, 50)
	out, err := tbl.Upsert(ts)
	require.NoError(t, err)
	assert.Equal(t, NoopDelete, out)
	assert.Equal(t, ts.Size(), sink.get(ts.Loc))
	assert.Equal(t, int64(0), tbl.Len())

	v := entry("k", 10, 1, 0, 100)
	_, err = tbl.Upsert(v)
	require.NoError(t, err)

	del := tombstone("k", 2, 200)
	out, err = tbl.Upsert(del)
	require.NoError(t, err)
	assert.Equal(t, Replaced, out)

	got, ok := tbl.Lookup(v.Digest)
	require.True(t, ok)
	assert.True(t, got.IsTombstone())
	assert.Equal(t, int64(1), tbl.Len())
	assert.Equal(t, int64(0), tbl.Keys())
	assert.Equal(t, int64(1), tbl.TombstoneCount())

	// A stale tombstone does not remove the slot.
	stale := del
	stale.Stamp.Seq = 9
	assert.False(t, tbl.Remove(stale))

	assert.True(t, tbl.Remove(del))
	_, ok = tbl.Lookup(v.Digest)
	assert.False(t, ok)
	assert.Equal(t, int64(0), tbl.Len())
	assert.Equal(t, int64(0), tbl.TombstoneCount())
	assert.Equal(t, int64(0), tbl.LiveBytes())
	assert.Equal(t, del.Size(), sink.get(del.Loc))
}

func TestRemove_OverwrittenTombstone(t *testing.T) {
	tbl := New(16, nil)

	_, _ = tbl.Upsert(entry("k", 10, 1, 0, 100))
	del := tombstone("k", 2, 200)
	_, _ = tbl.Upsert(del)
	_, _ = tbl.Upsert(entry("k", 10, 3, 0, 300))

	assert.False(t, tbl.Remove(del))
	_, ok := tbl.Lookup(del.Digest)
	assert.True(t, ok)
}

func TestIsCurrentAndRelocate(t *testing.T) {
	sink := newDeathLog()
	tbl := New(16, sink)

	v := entry("k", 10, 1, 0, 100)
	_, _ = tbl.Upsert(v)
	assert.True(t, tbl.IsCurrent(v))

	moved := v
	moved.Loc = record.Location{Volume: 1, Offset: 9000}
	assert.True(t, tbl.Relocate(v.Loc, moved))
	assert.False(t, tbl.IsCurrent(v))
	assert.True(t, tbl.IsCurrent(moved))
	assert.Equal(t, moved.Size(), tbl.VolumeLiveBytes(1))
	assert.Equal(t, int64(0), tbl.VolumeLiveBytes(0))

	// A relocation racing with a newer write loses and the copy is dead.
	_, _ = tbl.Upsert(entry("k", 4, 2, 0, 500))
	again := moved
	again.Loc.Offset = 12000
	assert.False(t, tbl.Relocate(moved.Loc, again))
	assert.Equal(t, again.Size(), sink.get(again.Loc))
}

func TestConcurrentWritersConverge(t *testing.T) {
	tbl := New(1024, nil)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				_, err := tbl.Upsert(entry("hot", uint32(w), uint64(i), uint32(w), uint64(w*1000+i)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, ok := tbl.Lookup(hash.Sum([]byte("hot")))
	require.True(t, ok)
	assert.Equal(t, record.Stamp{Epoch: 199, Seq: 7}, got.Stamp)
	assert.Equal(t, int64(1), tbl.Len())
}

func TestRegionRoundTrip(t *testing.T) {
	for _, codec := range []compress.Codec{compress.None, compress.LZ4, compress.ZSTD} {
		t.Run(codec.String(), func(t *testing.T) {
			tbl := New(500, nil)
			for i := range 300 {
				_, err := tbl.Upsert(entry(fmt.Sprintf("key-%03d", i), uint32(i), 1, uint32(i), uint64(i*128)))
				require.NoError(t, err)
			}
			_, _ = tbl.Upsert(tombstone("key-007", 2, 99999))

			data, err := tbl.MarshalBinary(codec)
			require.NoError(t, err)
			assert.LessOrEqual(t, int64(len(data)), RegionSize(500))

			padded := append(data, make([]byte, 4096)...)

			loaded := New(500, nil)
			require.NoError(t, loaded.Load(padded))
			assert.Equal(t, tbl.Len(), loaded.Len())
			assert.Equal(t, tbl.LiveBytes(), loaded.LiveBytes())

			tbl.ForEach(func(e record.Entry) bool {
				got, ok := loaded.Lookup(e.Digest)
				assert.True(t, ok)
				assert.Equal(t, e, got)
				return true
			})
			assert.Len(t, loaded.Tombstones(), 1)
			assert.Equal(t, int64(1), loaded.TombstoneCount())

			_, err = RegionTimestamp(data)
			assert.NoError(t, err)
		})
	}
}

func TestRegion_Errors(t *testing.T) {
	tbl := New(10, nil)
	assert.ErrorIs(t, tbl.Load(make([]byte, 4096)), ErrNoRegion)

	_, _ = tbl.Upsert(entry("a", 1, 1, 0, 0))
	data, err := tbl.MarshalBinary(compress.None)
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff
	assert.ErrorIs(t, New(10, nil).Load(data), ErrCorrupt)
}

func TestCursor(t *testing.T) {
	tbl := New(64, nil)
	keys := map[hash.Digest]bool{}
	for i := range 40 {
		e := entry(fmt.Sprintf("k%d", i), 1, 1, uint32(i), uint64(i))
		_, err := tbl.Upsert(e)
		require.NoError(t, err)
		keys[e.Digest] = true
	}

	c := tbl.NewCursor()
	assert.False(t, c.Valid())

	var forward []hash.Digest
	for ok := c.First(); ok; ok = c.Next() {
		forward = append(forward, c.Entry().Digest)
	}
	assert.Len(t, forward, 40)
	for _, d := range forward {
		assert.True(t, keys[d])
	}

	var backward []hash.Digest
	for ok := c.Last(); ok; ok = c.Prev() {
		backward = append(backward, c.Entry().Digest)
	}
	require.Len(t, backward, 40)
	for i := range forward {
		assert.Equal(t, forward[i], backward[len(backward)-1-i])
	}

	require.True(t, c.Seek(forward[17]))
	assert.Equal(t, forward[17], c.Entry().Digest)
	require.True(t, c.Next())
	assert.Equal(t, forward[18], c.Entry().Digest)
}

package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

// Region layout:
//
//	0  magic       [8]byte "SKVIDX01"
//	8  version     uint32
//	12 codec       uint32
//	16 timestamp   int64 (unix nanoseconds)
//	24 bucketCount uint64
//	32 entryCount  uint64
//	40 frameLen    uint64
//	48 crc32c      uint32 (of the frame)
//	52 reserved    [12]byte
//	64 frame       compress frame of: bucketCount x uint32 occupancy, then entryCount x Entry
const (
	regionHeaderSize = 64
	regionVersion    = 1
)

var regionMagic = [8]byte{'S', 'K', 'V', 'I', 'D', 'X', '0', '1'}

var (
	// ErrNoRegion is returned by Load when the bytes carry no index region.
	ErrNoRegion = errors.New("index: no persisted region")

	// ErrCorrupt is returned when a region fails validation.
	ErrCorrupt = errors.New("index: corrupt region")
)

// RegionSize returns the worst-case encoded size for a table of capacity keys.
func RegionSize(capacity int64) int64 {
	return regionHeaderSize + compress.FrameHeaderSize +
		int64(BucketCount(capacity))*4 + capacity*record.EntrySize
}

// MarshalBinary serializes the table. It should run while no writers are
// active; each bucket is copied under its own lock.
func (t *Table) MarshalBinary(codec compress.Codec) ([]byte, error) {
	n := uint64(len(t.buckets))
	raw := make([]byte, n*4, n*4+uint64(t.Len())*record.EntrySize)

	var (
		scratch []record.Entry
		count   uint64
		buf     [record.EntrySize]byte
	)
	for i := range n {
		scratch = t.copyBucket(i, scratch[:0])
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(len(scratch)))
		for _, e := range scratch {
			e.Encode(buf[:])
			raw = append(raw, buf[:]...)
		}
		count += uint64(len(scratch))
	}

	frame, err := compress.Encode(codec, raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, regionHeaderSize+len(frame))
	copy(out, regionMagic[:])
	binary.LittleEndian.PutUint32(out[8:], regionVersion)
	binary.LittleEndian.PutUint32(out[12:], uint32(codec))
	binary.LittleEndian.PutUint64(out[16:], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(out[24:], n)
	binary.LittleEndian.PutUint64(out[32:], count)
	binary.LittleEndian.PutUint64(out[40:], uint64(len(frame)))
	binary.LittleEndian.PutUint32(out[48:], hash.CRC32C(frame))
	copy(out[regionHeaderSize:], frame)
	return out, nil
}

// RegionTimestamp returns the time the region in data was written.
func RegionTimestamp(data []byte) (time.Time, error) {
	if len(data) < regionHeaderSize || [8]byte(data[:8]) != regionMagic {
		return time.Time{}, ErrNoRegion
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(data[16:]))), nil
}

// Load replaces the table contents with a region produced by MarshalBinary.
// data may carry trailing padding. Entries are rehashed, so a region written
// with a different capacity loads as long as its entries fit. Load must not
// run concurrently with other methods.
func (t *Table) Load(data []byte) error {
	if len(data) < regionHeaderSize || [8]byte(data[:8]) != regionMagic {
		return ErrNoRegion
	}
	if v := binary.LittleEndian.Uint32(data[8:]); v != regionVersion {
		return fmt.Errorf("%w: version %d", ErrCorrupt, v)
	}
	codec := compress.Codec(binary.LittleEndian.Uint32(data[12:]))
	if !codec.Valid() {
		return fmt.Errorf("%w: codec %d", ErrCorrupt, codec)
	}
	nBuckets := binary.LittleEndian.Uint64(data[24:])
	nEntries := binary.LittleEndian.Uint64(data[32:])
	frameLen := binary.LittleEndian.Uint64(data[40:])
	if frameLen > uint64(len(data)-regionHeaderSize) {
		return fmt.Errorf("%w: frame length %d", ErrCorrupt, frameLen)
	}
	frame := data[regionHeaderSize : regionHeaderSize+frameLen]
	if hash.CRC32C(frame) != binary.LittleEndian.Uint32(data[48:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if int64(nEntries) > t.capacity {
		return fmt.Errorf("%w: %d entries exceed capacity %d", ErrCapacityExceeded, nEntries, t.capacity)
	}

	raw, err := compress.Decode(codec, frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if uint64(len(raw)) != nBuckets*4+nEntries*record.EntrySize {
		return fmt.Errorf("%w: payload of %d bytes", ErrCorrupt, len(raw))
	}

	var sum uint64
	for i := range nBuckets {
		sum += uint64(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if sum != nEntries {
		return fmt.Errorf("%w: occupancy sums to %d, want %d", ErrCorrupt, sum, nEntries)
	}

	t.reset()

	entries := raw[nBuckets*4:]
	for off := uint64(0); off < uint64(len(entries)); off += record.EntrySize {
		e, err := record.DecodeEntry(entries[off:])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		b := t.bucketFor(e.Digest)
		if b.find(e.Digest) >= 0 {
			return fmt.Errorf("%w: duplicate digest %s", ErrCorrupt, e.Digest)
		}
		b.entries = append(b.entries, e)
		t.count++
		if e.IsTombstone() {
			t.tombstones++
		}
		t.addLive(e.Loc, e.Size())
	}
	return nil
}

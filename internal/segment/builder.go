package segment

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

// ErrRecordTooLarge is returned by Add when a record does not fit.
var ErrRecordTooLarge = errors.New("segment: record does not fit")

// Record is a record pending in a Builder.
type Record struct {
	Digest    hash.Digest
	Key       []byte
	Value     []byte
	Tombstone bool
	Stamp     record.Stamp
}

type slot struct {
	rec       Record
	headerOff uint32
	valueOff  uint32
}

// SegmentWriter is the device side of Seal.
type SegmentWriter interface {
	// ID returns the volume id written into record locations.
	ID() uint32
	// NewImage returns a zeroed, aligned buffer of one segment.
	NewImage() []byte
	WriteSegment(id uint32, image []byte) error
}

// Sealed describes a segment image that reached the device.
type Sealed struct {
	ID       uint32
	FreeSize uint32
	// Entries holds one entry per record, in Add order.
	Entries []record.Entry
}

// Builder accumulates records destined for one segment. It is not safe for
// concurrent use.
type Builder struct {
	segmentSize int64
	align       int64
	head        int64
	tail        int64
	slots       []slot
}

// NewBuilder creates an empty builder.
func NewBuilder(segmentSize int64, align int) *Builder {
	b := &Builder{segmentSize: segmentSize, align: int64(align)}
	b.Reset()
	return b
}

// MaxValueSize returns the largest value a record with keyLen key bytes can
// carry in an empty segment.
func MaxValueSize(segmentSize int64, keyLen int) int64 {
	return segmentSize - record.SegmentHeaderSize - record.HeaderSize - int64(keyLen) - 1
}

// Reset empties the builder for reuse.
func (b *Builder) Reset() {
	b.head = record.SegmentHeaderSize
	b.tail = b.segmentSize
	clear(b.slots)
	b.slots = b.slots[:0]
}

// Len returns the number of pending records.
func (b *Builder) Len() int { return len(b.slots) }

// FreeSize returns the bytes between the front and tail cursors.
func (b *Builder) FreeSize() int64 { return b.tail - b.head }

// TryAdd reports whether a record with the given lengths fits.
func (b *Builder) TryAdd(keyLen, valueLen int) bool {
	return b.tail-b.head > int64(valueLen)+int64(keyLen)+record.HeaderSize
}

// Add appends a record. It never packs a record partially.
func (b *Builder) Add(r Record) error {
	if len(r.Key) > record.MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes", ErrRecordTooLarge, len(r.Key))
	}
	if r.Tombstone && len(r.Value) != 0 {
		return errors.New("segment: tombstone with value")
	}
	if !b.TryAdd(len(r.Key), len(r.Value)) {
		return ErrRecordTooLarge
	}

	s := slot{rec: r, headerOff: uint32(b.head)}
	vlen := int64(len(r.Value))
	b.head += record.HeaderSize + int64(len(r.Key))
	if vlen == b.align {
		b.tail -= vlen
		s.valueOff = uint32(b.tail)
	} else {
		s.valueOff = uint32(b.head)
		b.head += vlen
	}
	b.slots = append(b.slots, s)
	return nil
}

// Stamp sets the stamp of the i-th pending record.
func (b *Builder) Stamp(i int, s record.Stamp) { b.slots[i].rec.Stamp = s }

// Record returns the i-th pending record.
func (b *Builder) Record(i int) Record { return b.slots[i].rec }

// Build renders the segment image into dst and returns the entries for
// volume vol and segment id. dst must be one zeroed segment long.
func (b *Builder) Build(dst []byte, vol, id uint32, epoch uint64) ([]record.Entry, uint32) {
	base := uint64(id) * uint64(b.segmentSize)
	entries := make([]record.Entry, len(b.slots))

	for i, s := range b.slots {
		var next uint32
		if i+1 < len(b.slots) {
			next = b.slots[i+1].headerOff
		}
		h := record.Header{
			Digest:           s.rec.Digest,
			KeyLen:           uint16(len(s.rec.Key)),
			ValueLen:         uint32(len(s.rec.Value)),
			ValueOffset:      s.valueOff,
			NextHeaderOffset: next,
			Stamp:            s.rec.Stamp,
		}
		if s.rec.Tombstone {
			h.Flags |= record.FlagTombstone
		}
		h.Encode(dst[s.headerOff:])
		copy(dst[s.headerOff+record.HeaderSize:], s.rec.Key)
		copy(dst[s.valueOff:], s.rec.Value)

		entries[i] = record.Entry{
			Header: h,
			Loc:    record.Location{Volume: vol, Offset: base + uint64(s.headerOff)},
		}
	}

	free := uint32(b.tail - b.head)
	record.SegmentHeader{
		Magic:    record.SegmentMagic,
		Epoch:    epoch,
		KeyCount: uint32(len(b.slots)),
		FreeSize: free,
	}.Encode(dst)
	record.SealImage(dst)
	return entries, free
}

// Seal builds the image and writes it to segment id of w with one call.
func (b *Builder) Seal(w SegmentWriter, id uint32, epoch uint64) (Sealed, error) {
	img := w.NewImage()
	entries, free := b.Build(img, w.ID(), id, epoch)
	if err := w.WriteSegment(id, img); err != nil {
		return Sealed{}, err
	}
	return Sealed{ID: id, FreeSize: free, Entries: entries}, nil
}

package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/segkv/internal/hash"
)

const (
	// HeaderSize is the encoded size of a Header.
	HeaderSize = 48

	// LocationSize is the encoded size of a Location.
	LocationSize = 12

	// EntrySize is the encoded size of an Entry (header + location).
	EntrySize = HeaderSize + LocationSize

	// MaxKeySize is the largest key the header can describe.
	MaxKeySize = 1<<16 - 1
)

// ErrCorrupt is returned when encoded bytes fail validation.
var ErrCorrupt = errors.New("record: corrupt")

// Flags carries per-record bits.
type Flags uint16

const (
	// FlagTombstone marks a delete record.
	FlagTombstone Flags = 1 << 0
)

// Stamp totally orders writes: by Epoch, then by Seq within the epoch.
type Stamp struct {
	Epoch uint64
	Seq   uint32
}

// Compare returns -1, 0 or +1.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Epoch < o.Epoch:
		return -1
	case s.Epoch > o.Epoch:
		return 1
	case s.Seq < o.Seq:
		return -1
	case s.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether s orders before o.
func (s Stamp) Less(o Stamp) bool { return s.Compare(o) < 0 }

// IsZero reports whether s is unset.
func (s Stamp) IsZero() bool { return s.Epoch == 0 && s.Seq == 0 }

func (s Stamp) String() string { return fmt.Sprintf("%d.%d", s.Epoch, s.Seq) }

// Header describes one record inside a segment.
//
// Layout:
//
//	0  digest       [20]byte
//	20 keyLen       uint16
//	22 flags        uint16
//	24 valueLen     uint32
//	28 valueOffset  uint32  (segment-relative)
//	32 nextHeader   uint32  (segment-relative, 0 = last record)
//	36 epoch        uint64
//	44 seq          uint32
type Header struct {
	Digest           hash.Digest
	KeyLen           uint16
	Flags            Flags
	ValueLen         uint32
	ValueOffset      uint32
	NextHeaderOffset uint32
	Stamp            Stamp
}

// IsTombstone reports whether the header describes a delete.
func (h Header) IsTombstone() bool { return h.Flags&FlagTombstone != 0 }

// RecordSize returns the bytes the record occupies in a segment.
func (h Header) RecordSize() int64 {
	return HeaderSize + int64(h.KeyLen) + int64(h.ValueLen)
}

// Encode writes h into dst, which must hold HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	copy(dst[0:20], h.Digest[:])
	binary.LittleEndian.PutUint16(dst[20:], h.KeyLen)
	binary.LittleEndian.PutUint16(dst[22:], uint16(h.Flags))
	binary.LittleEndian.PutUint32(dst[24:], h.ValueLen)
	binary.LittleEndian.PutUint32(dst[28:], h.ValueOffset)
	binary.LittleEndian.PutUint32(dst[32:], h.NextHeaderOffset)
	binary.LittleEndian.PutUint64(dst[36:], h.Stamp.Epoch)
	binary.LittleEndian.PutUint32(dst[44:], h.Stamp.Seq)
}

// DecodeHeader reads a Header from the start of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrCorrupt, HeaderSize, len(src))
	}
	var h Header
	copy(h.Digest[:], src[0:20])
	h.KeyLen = binary.LittleEndian.Uint16(src[20:])
	h.Flags = Flags(binary.LittleEndian.Uint16(src[22:]))
	h.ValueLen = binary.LittleEndian.Uint32(src[24:])
	h.ValueOffset = binary.LittleEndian.Uint32(src[28:])
	h.NextHeaderOffset = binary.LittleEndian.Uint32(src[32:])
	h.Stamp.Epoch = binary.LittleEndian.Uint64(src[36:])
	h.Stamp.Seq = binary.LittleEndian.Uint32(src[44:])
	return h, nil
}

// Location addresses a record header: a volume and the byte offset of the
// header relative to that volume's data region.
type Location struct {
	Volume uint32
	Offset uint64
}

// Segment returns the id of the segment holding the record.
func (l Location) Segment(segmentSize int64) uint32 {
	return uint32(l.Offset / uint64(segmentSize))
}

// InSegment returns the header offset relative to its segment.
func (l Location) InSegment(segmentSize int64) uint32 {
	return uint32(l.Offset % uint64(segmentSize))
}

func (l Location) String() string { return fmt.Sprintf("%d:%d", l.Volume, l.Offset) }

// Entry is the unit persisted in the index region.
type Entry struct {
	Header
	Loc Location
}

// Size returns the record size (header + key + value).
func (e Entry) Size() int64 { return e.RecordSize() }

// KeyOffset returns the volume-relative offset of the key bytes.
func (e Entry) KeyOffset() uint64 { return e.Loc.Offset + HeaderSize }

// ValueVolumeOffset returns the volume-relative offset of the value bytes.
func (e Entry) ValueVolumeOffset(segmentSize int64) uint64 {
	base := e.Loc.Offset - uint64(e.Loc.InSegment(segmentSize))
	return base + uint64(e.ValueOffset)
}

// Encode writes e into dst, which must hold EntrySize bytes.
func (e Entry) Encode(dst []byte) {
	_ = dst[EntrySize-1]
	e.Header.Encode(dst)
	binary.LittleEndian.PutUint32(dst[HeaderSize:], e.Loc.Volume)
	binary.LittleEndian.PutUint64(dst[HeaderSize+4:], e.Loc.Offset)
}

// DecodeEntry reads an Entry from the start of src.
func DecodeEntry(src []byte) (Entry, error) {
	if len(src) < EntrySize {
		return Entry{}, fmt.Errorf("%w: entry needs %d bytes, have %d", ErrCorrupt, EntrySize, len(src))
	}
	h, err := DecodeHeader(src)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Header: h,
		Loc: Location{
			Volume: binary.LittleEndian.Uint32(src[HeaderSize:]),
			Offset: binary.LittleEndian.Uint64(src[HeaderSize+4:]),
		},
	}, nil
}

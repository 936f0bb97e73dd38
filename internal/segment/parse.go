package segment

import (
	"fmt"

	"github.com/hupe1980/segkv/internal/record"
)

// Parsed is one record decoded from a segment image. Key and Value alias
// the image.
type Parsed struct {
	record.Header
	HeaderOffset uint32
	Key          []byte
	Value        []byte
}

// Parse validates a segment image and walks its header chain.
func Parse(image []byte) (record.SegmentHeader, []Parsed, error) {
	sh, err := record.VerifyImage(image)
	if err != nil {
		return sh, nil, err
	}

	size := uint64(len(image))
	out := make([]Parsed, 0, sh.KeyCount)
	off := uint64(record.SegmentHeaderSize)

	for i := uint32(0); i < sh.KeyCount; i++ {
		if off+record.HeaderSize > size {
			return sh, nil, fmt.Errorf("%w: header %d at %d out of bounds", record.ErrCorrupt, i, off)
		}
		h, err := record.DecodeHeader(image[off:])
		if err != nil {
			return sh, nil, err
		}

		keyStart := off + record.HeaderSize
		keyEnd := keyStart + uint64(h.KeyLen)
		valStart := uint64(h.ValueOffset)
		valEnd := valStart + uint64(h.ValueLen)
		if keyEnd > size || valStart < record.SegmentHeaderSize || valEnd > size {
			return sh, nil, fmt.Errorf("%w: record %d at %d out of bounds", record.ErrCorrupt, i, off)
		}
		if h.IsTombstone() && h.ValueLen != 0 {
			return sh, nil, fmt.Errorf("%w: tombstone %d carries a value", record.ErrCorrupt, i)
		}

		out = append(out, Parsed{
			Header:       h,
			HeaderOffset: uint32(off),
			Key:          image[keyStart:keyEnd:keyEnd],
			Value:        image[valStart:valEnd:valEnd],
		})

		last := i+1 == sh.KeyCount
		switch {
		case last && h.NextHeaderOffset != 0:
			return sh, nil, fmt.Errorf("%w: chain continues past key count", record.ErrCorrupt)
		case !last && uint64(h.NextHeaderOffset) <= off:
			return sh, nil, fmt.Errorf("%w: chain does not advance at record %d", record.ErrCorrupt, i)
		}
		off = uint64(h.NextHeaderOffset)
	}
	return sh, out, nil
}

// Entry returns the index entry of p in segment id of volume vol.
func (p Parsed) Entry(vol, id uint32, segmentSize int64) record.Entry {
	return record.Entry{
		Header: p.Header,
		Loc:    record.Location{Volume: vol, Offset: uint64(id)*uint64(segmentSize) + uint64(p.HeaderOffset)},
	}
}

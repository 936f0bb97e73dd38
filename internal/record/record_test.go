package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/hash"
)

func TestStampOrder(t *testing.T) {
	a := Stamp{Epoch: 1, Seq: 5}
	b := Stamp{Epoch: 2, Seq: 0}
	c := Stamp{Epoch: 2, Seq: 1}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(c))
	assert.Equal(t, 0, c.Compare(c))
	assert.Equal(t, 1, c.Compare(a))
	assert.True(t, Stamp{}.IsZero())
}

func TestEntryEncoding(t *testing.T) {
	e := Entry{
		Header: Header{
			Digest:           hash.Sum([]byte("k")),
			KeyLen:           1,
			Flags:            FlagTombstone,
			ValueLen:         0,
			ValueOffset:      73,
			NextHeaderOffset: 200,
			Stamp:            Stamp{Epoch: 9, Seq: 3},
		},
		Loc: Location{Volume: 2, Offset: 1<<33 + 24},
	}

	buf := make([]byte, EntrySize)
	e.Encode(buf)

	got, err := DecodeEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.True(t, got.IsTombstone())
	assert.Equal(t, int64(HeaderSize+1), got.Size())

	_, err = DecodeEntry(buf[:EntrySize-1])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLocation(t *testing.T) {
	const segSize = 1 << 20
	l := Location{Offset: 3*segSize + 4096}
	assert.Equal(t, uint32(3), l.Segment(segSize))
	assert.Equal(t, uint32(4096), l.InSegment(segSize))

	e := Entry{Header: Header{KeyLen: 4, ValueLen: 8, ValueOffset: 4096 + HeaderSize + 4}, Loc: l}
	assert.Equal(t, l.Offset+HeaderSize, e.KeyOffset())
	assert.Equal(t, l.Offset+HeaderSize+4, e.ValueVolumeOffset(segSize))
}

func TestSegmentImageChecksum(t *testing.T) {
	image := make([]byte, 4096)
	SegmentHeader{Magic: SegmentMagic, Epoch: 7, KeyCount: 2, FreeSize: 100}.Encode(image)
	copy(image[SegmentHeaderSize:], "payload")
	SealImage(image)

	h, err := VerifyImage(image)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.Epoch)
	assert.Equal(t, uint32(2), h.KeyCount)
	assert.Equal(t, uint32(100), h.FreeSize)

	image[100] ^= 0xff
	_, err = VerifyImage(image)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = VerifyImage(make([]byte, 4096))
	assert.ErrorIs(t, err, ErrCorrupt)
}

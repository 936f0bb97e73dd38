package superblock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/device"
)

func TestReadWrite(t *testing.T) {
	d := device.NewMemDevice(1<<20, 4096)

	_, err := Read(d)
	require.ErrorIs(t, err, ErrNotFormatted)

	sb := &Superblock{
		Version:      Version,
		VolumeCount:  1,
		SegmentSize:  64 << 10,
		Capacity:     1000,
		Alignment:    4096,
		SegmentCount: 12,
		IndexOffset:  4096,
		IndexSize:    8192,
		StatOffset:   12288,
		StatSize:     4096,
		DataOffset:   16384,
		Epoch:        42,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, Write(d, sb))

	got, err := Read(d)
	require.NoError(t, err)
	assert.Equal(t, sb.Epoch, got.Epoch)
	assert.Equal(t, sb.SegmentCount, got.SegmentCount)
	assert.Equal(t, sb.DataOffset, got.DataOffset)
	assert.True(t, sb.CreatedAt.Equal(got.CreatedAt))
	assert.False(t, got.CleanShutdown)
}

func TestUnmarshal_Corrupt(t *testing.T) {
	sb := &Superblock{Version: Version, Epoch: 1}
	buf, err := sb.Marshal()
	require.NoError(t, err)

	buf[prefixSize+2] ^= 0xff
	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUnmarshal_Version(t *testing.T) {
	sb := &Superblock{Version: Version + 1}
	buf, err := sb.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(buf)
	assert.ErrorIs(t, err, ErrIncompatible)
}

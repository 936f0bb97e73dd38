package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/segkv/internal/device"
	"github.com/hupe1980/segkv/internal/index"
	"github.com/hupe1980/segkv/internal/superblock"
	"github.com/hupe1980/segkv/internal/volume"
)

// layout is the region map of one device.
type layout struct {
	IndexOffset int64
	IndexSize   int64
	Geometry    volume.Geometry
}

// computeLayout places the superblock, the optional index region, the stat
// region and as many segments as fit on a device of the given capacity.
func computeLayout(capacity int64, align int, segmentSize, indexCapacity int64, withIndex bool, reserve int) (layout, error) {
	if segmentSize <= 0 || segmentSize%int64(align) != 0 {
		return layout{}, fmt.Errorf("%w: segment size %d is not a multiple of alignment %d", ErrInvalidArgument, segmentSize, align)
	}

	var l layout
	off := device.AlignUp(superblock.Size, align)
	if withIndex {
		l.IndexOffset = off
		l.IndexSize = device.AlignUp(index.RegionSize(indexCapacity), align)
		off += l.IndexSize
	}

	if capacity <= off {
		return layout{}, fmt.Errorf("%w: device of %d bytes cannot hold metadata of %d bytes", ErrInvalidArgument, capacity, off)
	}
	maxSegments := (capacity - off) / segmentSize
	statSize := device.AlignUp(volume.StatRegionSize(uint32(maxSegments)), align)
	segments := (capacity - off - statSize) / segmentSize
	if segments < int64(reserve)+2 {
		return layout{}, fmt.Errorf("%w: device of %d bytes holds %d segments, need at least %d", ErrInvalidArgument, capacity, max(segments, 0), reserve+2)
	}

	l.Geometry = volume.Geometry{
		SegmentSize:  segmentSize,
		SegmentCount: uint32(segments),
		StatOffset:   off,
		StatSize:     statSize,
		DataOffset:   off + statSize,
	}
	return l, nil
}

func (l layout) superblock(id, count uint32, capacity int64, align int) *superblock.Superblock {
	now := time.Now().UTC()
	return &superblock.Superblock{
		Version:      superblock.Version,
		VolumeID:     id,
		VolumeCount:  count,
		SegmentSize:  l.Geometry.SegmentSize,
		Capacity:     capacity,
		Alignment:    align,
		SegmentCount: l.Geometry.SegmentCount,
		IndexOffset:  l.IndexOffset,
		IndexSize:    l.IndexSize,
		StatOffset:   l.Geometry.StatOffset,
		StatSize:     l.Geometry.StatSize,
		DataOffset:   l.Geometry.DataOffset,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func layoutOf(sb *superblock.Superblock) layout {
	return layout{
		IndexOffset: sb.IndexOffset,
		IndexSize:   sb.IndexSize,
		Geometry: volume.Geometry{
			SegmentSize:  sb.SegmentSize,
			SegmentCount: sb.SegmentCount,
			StatOffset:   sb.StatOffset,
			StatSize:     sb.StatSize,
			DataOffset:   sb.DataOffset,
		},
	}
}

// deviceAlignment returns the largest alignment of devs.
func deviceAlignment(devs []device.Device) int {
	align := 1
	for _, d := range devs {
		align = max(align, d.Alignment())
	}
	return align
}

// readSuperblocks returns the superblock of every device, or nil when none
// of them is formatted.
func readSuperblocks(devs []device.Device) ([]*superblock.Superblock, error) {
	sbs := make([]*superblock.Superblock, len(devs))
	formatted := 0
	for i, d := range devs {
		sb, err := superblock.Read(d)
		switch {
		case errors.Is(err, superblock.ErrNotFormatted):
			continue
		case errors.Is(err, superblock.ErrIncompatible):
			return nil, fmt.Errorf("%w: device %d: %w", ErrIncompatibleFormat, i, err)
		case errors.Is(err, superblock.ErrCorrupt):
			return nil, fmt.Errorf("%w: device %d: %w", ErrCorrupt, i, err)
		case err != nil:
			return nil, ioError(err)
		}
		sbs[i] = sb
		formatted++
	}

	if formatted == 0 {
		return nil, nil
	}
	if formatted != len(devs) {
		return nil, fmt.Errorf("%w: %d of %d devices are formatted", ErrIncompatibleFormat, formatted, len(devs))
	}

	first := sbs[0]
	for i, sb := range sbs {
		switch {
		case sb.VolumeID != uint32(i) || sb.VolumeCount != uint32(len(devs)):
			return nil, fmt.Errorf("%w: device %d holds volume %d of %d", ErrIncompatibleFormat, i, sb.VolumeID, sb.VolumeCount)
		case sb.SegmentSize != first.SegmentSize || sb.Capacity != first.Capacity:
			return nil, fmt.Errorf("%w: device %d geometry differs from volume 0", ErrIncompatibleFormat, i)
		case sb.DataOffset%int64(devs[i].Alignment()) != 0 || sb.SegmentSize%int64(devs[i].Alignment()) != 0:
			return nil, fmt.Errorf("%w: device %d alignment %d does not match its layout", ErrIncompatibleFormat, i, devs[i].Alignment())
		case sb.DataOffset+int64(sb.SegmentCount)*sb.SegmentSize > devs[i].Capacity():
			return nil, fmt.Errorf("%w: device %d is smaller than its layout", ErrIncompatibleFormat, i)
		}
	}
	return sbs, nil
}

package volume

import (
	"fmt"

	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/device"
)

// Geometry describes where a volume's regions live on its device.
type Geometry struct {
	SegmentSize  int64
	SegmentCount uint32
	StatOffset   int64
	StatSize     int64
	DataOffset   int64
}

// Volume is one device region divided into segments. Offsets passed to
// ReadAt are relative to the data region.
type Volume struct {
	id    uint32
	dev   device.Device
	geo   Geometry
	alloc *Allocator
}

// New creates a volume over dev.
func New(id uint32, dev device.Device, geo Geometry, reserveForGC int) (*Volume, error) {
	if geo.SegmentSize <= 0 || geo.SegmentSize%int64(dev.Alignment()) != 0 {
		return nil, fmt.Errorf("volume: segment size %d is not a multiple of alignment %d", geo.SegmentSize, dev.Alignment())
	}
	end := geo.DataOffset + int64(geo.SegmentCount)*geo.SegmentSize
	if end > dev.Capacity() {
		return nil, fmt.Errorf("volume: data region ends at %d beyond device capacity %d", end, dev.Capacity())
	}
	return &Volume{
		id:    id,
		dev:   dev,
		geo:   geo,
		alloc: NewAllocator(geo.SegmentCount, geo.SegmentSize, reserveForGC),
	}, nil
}

// ID returns the volume id.
func (v *Volume) ID() uint32 { return v.id }

// Device returns the underlying device.
func (v *Volume) Device() device.Device { return v.dev }

// Geometry returns the region layout.
func (v *Volume) Geometry() Geometry { return v.geo }

// Allocator returns the segment table.
func (v *Volume) Allocator() *Allocator { return v.alloc }

// SegmentSize returns the segment size in bytes.
func (v *Volume) SegmentSize() int64 { return v.geo.SegmentSize }

// SegmentOffset returns the data-relative offset of segment id.
func (v *Volume) SegmentOffset(id uint32) uint64 {
	return uint64(id) * uint64(v.geo.SegmentSize)
}

// SegmentOf returns the segment that holds a data-relative offset.
func (v *Volume) SegmentOf(off uint64) uint32 {
	return uint32(off / uint64(v.geo.SegmentSize))
}

func (v *Volume) checkSegment(id uint32) error {
	if id >= v.geo.SegmentCount {
		return fmt.Errorf("%w: segment %d of %d", device.ErrOutOfRange, id, v.geo.SegmentCount)
	}
	return nil
}

// NewImage returns an aligned, zeroed buffer of one segment.
func (v *Volume) NewImage() []byte {
	return device.AlignedBuffer(int(v.geo.SegmentSize), v.dev.Alignment())
}

// ReadSegment reads segment id into buf, which must be one segment long.
func (v *Volume) ReadSegment(id uint32, buf []byte) error {
	if err := v.checkSegment(id); err != nil {
		return err
	}
	return device.ReadFull(v.dev, buf[:v.geo.SegmentSize], v.geo.DataOffset+int64(v.SegmentOffset(id)))
}

// WriteSegment writes a full segment image with a single device call.
func (v *Volume) WriteSegment(id uint32, image []byte) error {
	if err := v.checkSegment(id); err != nil {
		return err
	}
	if int64(len(image)) != v.geo.SegmentSize {
		return fmt.Errorf("volume: image of %d bytes, segment is %d", len(image), v.geo.SegmentSize)
	}
	return device.WriteFull(v.dev, image, v.geo.DataOffset+int64(v.SegmentOffset(id)))
}

// InvalidateSegment zeroes the first aligned block of a segment so a
// recovery scan no longer sees a valid header there.
func (v *Volume) InvalidateSegment(id uint32) error {
	if err := v.checkSegment(id); err != nil {
		return err
	}
	align := v.dev.Alignment()
	return device.WriteFull(v.dev, device.AlignedBuffer(align, align), v.geo.DataOffset+int64(v.SegmentOffset(id)))
}

// ReadAt reads len(p) bytes at a data-relative offset.
func (v *Volume) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > uint64(v.geo.SegmentCount)*uint64(v.geo.SegmentSize) {
		return fmt.Errorf("%w: data offset %d", device.ErrOutOfRange, off)
	}
	return device.ReadFull(v.dev, p, v.geo.DataOffset+int64(off))
}

// Sync flushes the device.
func (v *Volume) Sync() error { return v.dev.Sync() }

// SaveStats persists the segment table into the stat region.
func (v *Volume) SaveStats(codec compress.Codec) error {
	data, err := v.alloc.MarshalBinary(codec)
	if err != nil {
		return err
	}
	if int64(len(data)) > v.geo.StatSize {
		return fmt.Errorf("volume: stat region needs %d bytes, has %d", len(data), v.geo.StatSize)
	}
	buf := device.AlignedBuffer(int(device.AlignUp(int64(len(data)), v.dev.Alignment())), v.dev.Alignment())
	copy(buf, data)
	return device.WriteFull(v.dev, buf, v.geo.StatOffset)
}

// LoadStats restores the segment table from the stat region.
func (v *Volume) LoadStats() error {
	data, err := v.ReadStatRegion()
	if err != nil {
		return err
	}
	return v.alloc.Load(data)
}

// ReadStatRegion returns the raw stat region bytes.
func (v *Volume) ReadStatRegion() ([]byte, error) {
	buf := device.AlignedBuffer(int(v.geo.StatSize), v.dev.Alignment())
	if err := device.ReadFull(v.dev, buf, v.geo.StatOffset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Package superblock reads and writes the fixed-size metadata block at the
// start of every device.
//
// Layout: magic [8]byte | payloadLen u32 | crc32c(payload) u32 | JSON payload,
// zero-padded to Size bytes.
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hupe1980/segkv/internal/device"
	"github.com/hupe1980/segkv/internal/hash"
)

const (
	// Size is the on-device size of the superblock.
	Size = 4096

	// Version is the current format version.
	Version = 1

	prefixSize = 16
)

var magic = [8]byte{'S', 'E', 'G', 'K', 'V', 'S', 'B', '1'}

var (
	// ErrNotFormatted is returned when the device carries no superblock.
	ErrNotFormatted = errors.New("superblock: device not formatted")

	// ErrCorrupt is returned when the superblock fails validation.
	ErrCorrupt = errors.New("superblock: corrupt")

	// ErrIncompatible is returned for an unsupported format version.
	ErrIncompatible = errors.New("superblock: incompatible version")
)

// Superblock describes the geometry and state of one volume.
type Superblock struct {
	Version     int    `json:"version"`
	VolumeID    uint32 `json:"volume_id"`
	VolumeCount uint32 `json:"volume_count"`

	SegmentSize  int64  `json:"segment_size"`
	Capacity     int64  `json:"capacity"` // index capacity in keys
	Alignment    int    `json:"alignment"`
	SegmentCount uint32 `json:"segment_count"`

	// Regions, in bytes from the start of the device. Index fields are
	// zero on volumes other than volume 0.
	IndexOffset int64 `json:"index_offset"`
	IndexSize   int64 `json:"index_size"`
	StatOffset  int64 `json:"stat_offset"`
	StatSize    int64 `json:"stat_size"`
	DataOffset  int64 `json:"data_offset"`

	// Epoch is the next commit epoch to hand out.
	Epoch         uint64    `json:"epoch"`
	CleanShutdown bool      `json:"clean_shutdown"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Marshal encodes sb into a Size-byte block.
func (sb *Superblock) Marshal() ([]byte, error) {
	payload, err := json.Marshal(sb)
	if err != nil {
		return nil, err
	}
	if len(payload) > Size-prefixSize {
		return nil, fmt.Errorf("superblock: payload of %d bytes does not fit", len(payload))
	}

	buf := make([]byte, Size)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[12:], hash.CRC32C(payload))
	copy(buf[prefixSize:], payload)
	return buf, nil
}

// Unmarshal decodes a block produced by Marshal.
func Unmarshal(buf []byte) (*Superblock, error) {
	if len(buf) < prefixSize {
		return nil, ErrCorrupt
	}
	if [8]byte(buf[:8]) != magic {
		return nil, ErrNotFormatted
	}
	n := binary.LittleEndian.Uint32(buf[8:])
	if n > uint32(len(buf)-prefixSize) {
		return nil, fmt.Errorf("%w: payload length %d", ErrCorrupt, n)
	}
	payload := buf[prefixSize : prefixSize+n]
	if hash.CRC32C(payload) != binary.LittleEndian.Uint32(buf[12:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	sb := &Superblock{}
	if err := json.Unmarshal(payload, sb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if sb.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrIncompatible, sb.Version)
	}
	return sb, nil
}

// Read loads the superblock at offset 0 of d.
func Read(d device.Device) (*Superblock, error) {
	if d.Capacity() < Size {
		return nil, ErrNotFormatted
	}
	buf := device.AlignedBuffer(Size, d.Alignment())
	if err := device.ReadFull(d, buf, 0); err != nil {
		return nil, err
	}
	return Unmarshal(buf)
}

// Write stores sb at offset 0 of d and syncs.
func Write(d device.Device, sb *Superblock) error {
	sb.UpdatedAt = time.Now().UTC()
	raw, err := sb.Marshal()
	if err != nil {
		return err
	}
	buf := device.AlignedBuffer(Size, d.Alignment())
	copy(buf, raw)
	if err := device.WriteFull(d, buf, 0); err != nil {
		return err
	}
	return d.Sync()
}

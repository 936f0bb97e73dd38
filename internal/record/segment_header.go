package record

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/segkv/internal/hash"
)

const (
	// SegmentMagic identifies a sealed segment image.
	SegmentMagic uint32 = 0x53474b31 // "SGK1"

	// SegmentHeaderSize is the encoded size of a SegmentHeader.
	SegmentHeaderSize = 24

	checksumOffset = 4
)

// SegmentHeader prefixes every segment image.
//
// Layout: magic u32 | checksum u32 | epoch u64 | keyCount u32 | freeSize u32.
// The checksum is CRC32C over the whole image with the checksum field zeroed.
type SegmentHeader struct {
	Magic    uint32
	Checksum uint32
	Epoch    uint64
	KeyCount uint32
	FreeSize uint32
}

// Encode writes h into dst, which must hold SegmentHeaderSize bytes.
func (h SegmentHeader) Encode(dst []byte) {
	_ = dst[SegmentHeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:], h.Checksum)
	binary.LittleEndian.PutUint64(dst[8:], h.Epoch)
	binary.LittleEndian.PutUint32(dst[16:], h.KeyCount)
	binary.LittleEndian.PutUint32(dst[20:], h.FreeSize)
}

// DecodeSegmentHeader reads a SegmentHeader from the start of src.
func DecodeSegmentHeader(src []byte) (SegmentHeader, error) {
	if len(src) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("%w: segment header truncated", ErrCorrupt)
	}
	return SegmentHeader{
		Magic:    binary.LittleEndian.Uint32(src[0:]),
		Checksum: binary.LittleEndian.Uint32(src[4:]),
		Epoch:    binary.LittleEndian.Uint64(src[8:]),
		KeyCount: binary.LittleEndian.Uint32(src[16:]),
		FreeSize: binary.LittleEndian.Uint32(src[20:]),
	}, nil
}

// ImageChecksum computes the checksum of a full segment image, treating the
// checksum field as zero.
func ImageChecksum(image []byte) uint32 {
	var zero [4]byte
	crc := hash.UpdateCRC32C(0, image[:checksumOffset])
	crc = hash.UpdateCRC32C(crc, zero[:])
	return hash.UpdateCRC32C(crc, image[checksumOffset+4:])
}

// SealImage stamps the checksum into a fully built image whose header has
// already been encoded.
func SealImage(image []byte) {
	binary.LittleEndian.PutUint32(image[checksumOffset:], ImageChecksum(image))
}

// VerifyImage decodes the segment header and validates magic and checksum.
func VerifyImage(image []byte) (SegmentHeader, error) {
	h, err := DecodeSegmentHeader(image)
	if err != nil {
		return h, err
	}
	if h.Magic != SegmentMagic {
		return h, fmt.Errorf("%w: bad segment magic %#x", ErrCorrupt, h.Magic)
	}
	if sum := ImageChecksum(image); sum != h.Checksum {
		return h, fmt.Errorf("%w: segment checksum %#x, want %#x", ErrCorrupt, sum, h.Checksum)
	}
	return h, nil
}

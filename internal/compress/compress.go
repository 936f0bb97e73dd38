// Package compress provides the framed block codecs used for persisted
// metadata regions.
//
// A frame is [rawLen uint32][storedLen uint32][data...]. storedLen == 0 means
// data is the raw payload.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a compression algorithm.
type Codec uint8

const (
	// None stores frames uncompressed.
	None Codec = 0
	// LZ4 uses LZ4 block compression.
	LZ4 Codec = 1
	// ZSTD uses zstd at the default level.
	ZSTD Codec = 2
)

// FrameHeaderSize is the size of the frame prefix.
const FrameHeaderSize = 8

// ErrCorrupt is returned when a frame cannot be decoded.
var ErrCorrupt = errors.New("compress: corrupt frame")

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Valid reports whether c is a known codec.
func (c Codec) Valid() bool { return c <= ZSTD }

// ParseCodec maps a name ("none", "lz4", "zstd") to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return None, fmt.Errorf("compress: unknown codec %q", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Encode frames raw with codec c. The payload is stored raw when
// compression saves less than 10%.
func Encode(c Codec, raw []byte) ([]byte, error) {
	var packed []byte

	switch c {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case ZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("compress: unknown codec %d", c)
	}

	if len(packed) == 0 || float64(len(packed)) > float64(len(raw))*0.9 {
		out := make([]byte, FrameHeaderSize+len(raw))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
		copy(out[FrameHeaderSize:], raw)
		return out, nil
	}

	out := make([]byte, FrameHeaderSize+len(packed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(packed)))
	copy(out[FrameHeaderSize:], packed)
	return out, nil
}

// FrameLen returns the encoded length of the frame at the start of data.
func FrameLen(data []byte) (int, error) {
	if len(data) < FrameHeaderSize {
		return 0, ErrCorrupt
	}
	rawLen := binary.LittleEndian.Uint32(data[0:])
	storedLen := binary.LittleEndian.Uint32(data[4:])
	if storedLen == 0 {
		return FrameHeaderSize + int(rawLen), nil
	}
	return FrameHeaderSize + int(storedLen), nil
}

// Decode reverses Encode. c must match the codec the frame was written with.
func Decode(c Codec, frame []byte) ([]byte, error) {
	if len(frame) < FrameHeaderSize {
		return nil, ErrCorrupt
	}
	rawLen := binary.LittleEndian.Uint32(frame[0:])
	storedLen := binary.LittleEndian.Uint32(frame[4:])

	if storedLen == 0 {
		if uint64(len(frame)) < FrameHeaderSize+uint64(rawLen) {
			return nil, fmt.Errorf("%w: raw payload truncated", ErrCorrupt)
		}
		return frame[FrameHeaderSize : FrameHeaderSize+rawLen], nil
	}

	if uint64(len(frame)) < FrameHeaderSize+uint64(storedLen) {
		return nil, fmt.Errorf("%w: payload truncated", ErrCorrupt)
	}
	packed := frame[FrameHeaderSize : FrameHeaderSize+storedLen]
	out := make([]byte, rawLen)

	switch c {
	case LZ4:
		n, err := lz4.UncompressBlock(packed, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
		}
		return out, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)

		decoded, err := dec.DecodeAll(packed, out[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if uint32(len(decoded)) != rawLen {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorrupt)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: compressed frame with codec %s", ErrCorrupt, c)
	}
}

package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/hash"
)

// Stat region layout:
//
//	0  magic     [8]byte "SKVSTAT1"
//	8  timestamp int64 (unix nanoseconds)
//	16 count     uint32
//	20 codec     uint32
//	24 frameLen  uint32
//	28 crc32c    uint32 (of the frame)
//	32 frame     compress frame of count x {state u8, pad [3]byte, free u32, death u32}
const (
	statHeaderSize = 32
	statRowSize    = 12
)

var statMagic = [8]byte{'S', 'K', 'V', 'S', 'T', 'A', 'T', '1'}

var (
	// ErrNoStats is returned when the bytes carry no stat region.
	ErrNoStats = errors.New("volume: no persisted segment stats")

	// ErrCorruptStats is returned when a stat region fails validation.
	ErrCorruptStats = errors.New("volume: corrupt segment stats")
)

// StatRegionSize returns the worst-case encoded size of the stat region.
func StatRegionSize(segmentCount uint32) int64 {
	return statHeaderSize + compress.FrameHeaderSize + int64(segmentCount)*statRowSize
}

// MarshalBinary serializes the segment table.
func (a *Allocator) MarshalBinary(codec compress.Codec) ([]byte, error) {
	rows := a.Snapshot()

	raw := make([]byte, len(rows)*statRowSize)
	for i, s := range rows {
		p := raw[i*statRowSize:]
		p[0] = byte(s.State)
		binary.LittleEndian.PutUint32(p[4:], s.FreeSize)
		binary.LittleEndian.PutUint32(p[8:], s.DeathSize)
	}

	frame, err := compress.Encode(codec, raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, statHeaderSize+len(frame))
	copy(out, statMagic[:])
	binary.LittleEndian.PutUint64(out[8:], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(rows)))
	binary.LittleEndian.PutUint32(out[20:], uint32(codec))
	binary.LittleEndian.PutUint32(out[24:], uint32(len(frame)))
	binary.LittleEndian.PutUint32(out[28:], hash.CRC32C(frame))
	copy(out[statHeaderSize:], frame)
	return out, nil
}

// Load replaces the segment table with a region produced by MarshalBinary.
// Reserved rows load as Free since no reservation survives a restart.
func (a *Allocator) Load(data []byte) error {
	if len(data) < statHeaderSize || [8]byte(data[:8]) != statMagic {
		return ErrNoStats
	}
	count := binary.LittleEndian.Uint32(data[16:])
	codec := compress.Codec(binary.LittleEndian.Uint32(data[20:]))
	frameLen := binary.LittleEndian.Uint32(data[24:])
	if count != uint32(len(a.stats)) {
		return fmt.Errorf("%w: %d rows, volume has %d segments", ErrCorruptStats, count, len(a.stats))
	}
	if !codec.Valid() || uint64(frameLen) > uint64(len(data)-statHeaderSize) {
		return fmt.Errorf("%w: bad header", ErrCorruptStats)
	}
	frame := data[statHeaderSize : statHeaderSize+frameLen]
	if hash.CRC32C(frame) != binary.LittleEndian.Uint32(data[28:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptStats)
	}
	raw, err := compress.Decode(codec, frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptStats, err)
	}
	if len(raw) != int(count)*statRowSize {
		return fmt.Errorf("%w: payload of %d bytes", ErrCorruptStats, len(raw))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.free.Clear()
	a.counts = Counts{}
	a.cursor = 0
	for i := range a.stats {
		p := raw[i*statRowSize:]
		s := Stat{
			State:     State(p[0]),
			FreeSize:  binary.LittleEndian.Uint32(p[4:]),
			DeathSize: binary.LittleEndian.Uint32(p[8:]),
		}
		if s.State != Used {
			s = Stat{State: Free}
		}
		a.stats[i] = s
		if s.State == Used {
			a.counts.Used++
		} else {
			a.free.Add(uint32(i))
			a.counts.Free++
		}
	}
	return nil
}

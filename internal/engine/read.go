package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/segkv/internal/cache"
	"github.com/hupe1980/segkv/internal/device"
	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/volume"
)

// maxReadAttempts bounds re-lookups of a record that keeps moving.
const maxReadAttempts = 3

// errMoved reports that the bytes at an entry's location no longer belong
// to it, usually because compaction relocated the record meanwhile.
var errMoved = errors.New("engine: record moved")

// Get returns the value stored under key.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := hash.Sum(key)
	if e.cache != nil {
		if ent, ok := e.index.Lookup(d); ok && !ent.IsTombstone() {
			if v, ok := e.cache.Get(cache.KeyOf(ent)); ok {
				return bytes.Clone(v), nil
			}
		}
	}

	ent, k, v, err := e.fetch(d)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(k, key) {
		return nil, ErrNotFound
	}
	if e.cache != nil {
		e.cache.Set(cache.KeyOf(ent), bytes.Clone(v))
	}
	e.metrics.OnThroughput("read", ent.Size())
	return v, nil
}

// fetch reads the live record indexed under d, following relocations.
func (e *Engine) fetch(d hash.Digest) (record.Entry, []byte, []byte, error) {
	var last record.Entry
	for range maxReadAttempts {
		ent, ok := e.index.Lookup(d)
		if !ok || ent.IsTombstone() {
			return record.Entry{}, nil, nil, ErrNotFound
		}
		k, v, err := e.readRecord(ent)
		if err == nil {
			return ent, k, v, nil
		}
		if !errors.Is(err, errMoved) {
			return record.Entry{}, nil, nil, err
		}
		last = ent
	}
	return record.Entry{}, nil, nil, fmt.Errorf("%w: record at %s does not match its index entry", ErrCorrupt, last.Loc)
}

// readRecord reads the key and value of ent and verifies them against the
// on-device header.
func (e *Engine) readRecord(ent record.Entry) ([]byte, []byte, error) {
	if int(ent.Loc.Volume) >= len(e.vols) {
		return nil, nil, fmt.Errorf("%w: entry on unknown volume %d", ErrCorrupt, ent.Loc.Volume)
	}
	v := e.vols[ent.Loc.Volume]

	head, err := readSpan(v, ent.Loc.Offset, record.HeaderSize+int(ent.KeyLen))
	if err != nil {
		return nil, nil, ioError(err)
	}
	h, err := record.DecodeHeader(head)
	if err != nil || h.Digest != ent.Digest || h.Stamp != ent.Stamp ||
		h.KeyLen != ent.KeyLen || h.ValueLen != ent.ValueLen || h.ValueOffset != ent.ValueOffset {
		return nil, nil, errMoved
	}

	var value []byte
	if ent.ValueLen > 0 {
		if value, err = readSpan(v, ent.ValueVolumeOffset(e.segmentSize), int(ent.ValueLen)); err != nil {
			return nil, nil, ioError(err)
		}
	} else {
		value = []byte{}
	}

	// The segment may have been collected and reused between the two reads.
	if !e.index.IsCurrent(ent) {
		return nil, nil, errMoved
	}
	return head[record.HeaderSize:], value, nil
}

// readSpan reads n bytes at a data-relative offset through an aligned buffer.
func readSpan(v *volume.Volume, off uint64, n int) ([]byte, error) {
	align := v.Device().Alignment()
	start := device.AlignDown(int64(off), align)
	end := device.AlignUp(int64(off)+int64(n), align)

	buf := device.AlignedBuffer(int(end-start), align)
	if err := v.ReadAt(buf, uint64(start)); err != nil {
		return nil, err
	}
	skip := int64(off) - start
	return buf[skip : skip+int64(n) : skip+int64(n)], nil
}

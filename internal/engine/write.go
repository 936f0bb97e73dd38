package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/index"
	"github.com/hupe1980/segkv/internal/pipeline"
	"github.com/hupe1980/segkv/internal/segment"
	"github.com/hupe1980/segkv/internal/volume"
)

// allocRounds bounds how often allocation retries after forced compaction.
const allocRounds = 3

// BatchOp is one operation of a write batch.
type BatchOp struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Insert stores value under key. It returns once the record is durable and
// visible to Get.
func (e *Engine) Insert(ctx context.Context, key, value []byte) error {
	if err := e.checkPut(key, value); err != nil {
		return err
	}
	if err := e.checkCapacity(hash.Sum(key), 1); err != nil {
		return err
	}
	return e.submit(ctx, segment.NewPut(bytes.Clone(key), bytes.Clone(value)))
}

// Delete removes key. Deleting an absent key succeeds.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	if err := e.checkKey(key); err != nil {
		return err
	}
	return e.submit(ctx, segment.NewDelete(bytes.Clone(key)))
}

// WriteBatch writes every operation into one segment with a single commit
// epoch, so later operations on the same key win. The batch fails as a
// whole with ErrBatchTooLarge if it does not fit in a segment.
func (e *Engine) WriteBatch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rs := segment.NewRequestSegment(e.segmentSize, e.align)
	fresh := make(map[hash.Digest]struct{})
	for i, op := range ops {
		var req *segment.Request
		if op.Delete {
			if err := e.checkKey(op.Key); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			req = segment.NewDelete(bytes.Clone(op.Key))
			delete(fresh, req.Digest)
		} else {
			if err := e.checkPut(op.Key, op.Value); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			req = segment.NewPut(bytes.Clone(op.Key), bytes.Clone(op.Value))
			if _, ok := e.index.Lookup(req.Digest); !ok {
				fresh[req.Digest] = struct{}{}
			}
		}
		if !rs.TryMerge(req) {
			return ErrBatchTooLarge
		}
	}
	if e.index.Len()+int64(len(fresh)) > e.index.Capacity() {
		return fmt.Errorf("%w: batch adds %d keys to a full index", ErrResourceExhausted, len(fresh))
	}

	e.gate.RLock()
	defer e.gate.RUnlock()
	if e.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	rs.Complete(e.nextEpoch())
	err := e.Persist(e.pipe.ShardOf(rs.Requests()[0].Digest), rs)
	rs.Notify(err)

	var written int64
	var errs []error
	for _, req := range rs.Requests() {
		if req.Err() != nil {
			errs = append(errs, req.Err())
			continue
		}
		written += req.Entry().Size()
	}
	e.metrics.OnSegmentWrite(rs.Len(), written, time.Since(start), err)
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (e *Engine) checkKey(key []byte) error {
	switch {
	case len(key) == 0:
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	case len(key) > e.maxKeySize:
		return fmt.Errorf("%w: key of %d bytes exceeds %d", ErrInvalidArgument, len(key), e.maxKeySize)
	}
	return nil
}

func (e *Engine) checkPut(key, value []byte) error {
	if err := e.checkKey(key); err != nil {
		return err
	}
	if limit := segment.MaxValueSize(e.segmentSize, len(key)); int64(len(value)) > limit {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", ErrInvalidArgument, len(value), limit)
	}
	return nil
}

// checkCapacity rejects a new key early when the index is full. The index
// enforces the limit again at commit time.
func (e *Engine) checkCapacity(d hash.Digest, n int64) error {
	if e.index.Len()+n <= e.index.Capacity() {
		return nil
	}
	if _, ok := e.index.Lookup(d); ok {
		return nil
	}
	return fmt.Errorf("%w: index holds %d of %d keys", ErrResourceExhausted, e.index.Len(), e.index.Capacity())
}

func (e *Engine) submit(ctx context.Context, req *segment.Request) error {
	e.gate.RLock()
	defer e.gate.RUnlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.pipe.Submit(req); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrClosed):
			return ErrClosed
		case errors.Is(err, pipeline.ErrTooLarge):
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return err
	}
	return req.Wait(ctx)
}

// Persist writes a completed request segment, applies its records to the
// index in stamp order and commits the segment. Index slots for new keys
// are claimed before anything is written, so a full index fails the whole
// segment instead of leaving unindexed records on disk.
func (e *Engine) Persist(shard int, rs *segment.RequestSegment) error {
	slots := e.newKeys(rs)
	if !e.index.Reserve(slots) {
		return fmt.Errorf("%w: segment adds %d keys to a full index", ErrResourceExhausted, slots)
	}
	defer func() { e.index.Unreserve(slots) }()

	v, id, err := e.allocate(shard)
	if err != nil {
		return err
	}
	a := v.Allocator()

	sealed, err := rs.Seal(v, id)
	if err == nil {
		err = v.Sync()
	}
	if err != nil {
		_ = v.InvalidateSegment(id) // Intentionally ignore: best-effort, the device already failed
		if rerr := a.ReleaseFailed(id); rerr != nil && e.logger != nil {
			e.logger.Error("failed to release segment", "volume", v.ID(), "segment", id, "error", rerr)
		}
		return ioError(err)
	}

	for i := range rs.Requests() {
		ent := sealed.Entries[i]
		outcome := e.index.UpsertReserved(ent, &slots)
		if ent.IsTombstone() && outcome == index.Replaced {
			e.pipe.Reap(ent)
		}
	}

	if err := a.Commit(id, sealed.FreeSize); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}

// newKeys counts the distinct keys rs would add to the index.
func (e *Engine) newKeys(rs *segment.RequestSegment) int64 {
	var seen map[hash.Digest]struct{}
	for _, req := range rs.Requests() {
		if req.Tombstone {
			continue
		}
		if _, ok := seen[req.Digest]; ok {
			continue
		}
		if _, ok := e.index.Lookup(req.Digest); ok {
			continue
		}
		if seen == nil {
			seen = make(map[hash.Digest]struct{})
		}
		seen[req.Digest] = struct{}{}
	}
	return int64(len(seen))
}

// allocate reserves a segment on the first volume of the shard's placement
// order that has one, forcing compaction when all are exhausted.
func (e *Engine) allocate(shard int) (*volume.Volume, uint32, error) {
	order := e.place.order(shard)
	for range allocRounds {
		for _, i := range order {
			if id, ok := e.vols[i].Allocator().Allocate(); ok {
				return e.vols[i], id, nil
			}
		}

		progress := false
		for _, i := range order {
			if e.collectors[i].ForceCompact(e.ctx) {
				progress = true
				break
			}
		}
		if !progress {
			break
		}
	}
	if e.logger != nil {
		e.logger.Warn("no segment available after forced compaction", "shard", shard)
	}
	return nil, 0, fmt.Errorf("%w: no free segment", ErrResourceExhausted)
}

package segment

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

// Request is a single write waiting for its segment to become durable. It
// is a one-shot future: Finish may be called many times but only the first
// call has an effect.
type Request struct {
	Record

	enqueued time.Time
	entry    record.Entry
	err      error
	once     sync.Once
	done     chan struct{}
}

// NewPut creates a request storing value under key.
func NewPut(key, value []byte) *Request {
	return newRequest(Record{Digest: hash.Sum(key), Key: key, Value: value})
}

// NewDelete creates a tombstone request for key.
func NewDelete(key []byte) *Request {
	return newRequest(Record{Digest: hash.Sum(key), Key: key, Tombstone: true})
}

func newRequest(r Record) *Request {
	return &Request{Record: r, enqueued: time.Now(), done: make(chan struct{})}
}

// Enqueued returns when the request was created.
func (r *Request) Enqueued() time.Time { return r.enqueued }

// Done is closed once the request has finished.
func (r *Request) Done() <-chan struct{} { return r.done }

// Finish completes the request.
func (r *Request) Finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Err returns the outcome. Only meaningful after Done is closed.
func (r *Request) Err() error { return r.err }

// Entry returns the index entry of the durable record. Only meaningful
// after a successful seal.
func (r *Request) Entry() record.Entry { return r.entry }

// Wait blocks until the request finishes or ctx is done. A cancelled wait
// does not cancel the write.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSegment aggregates requests into one segment. It is owned by one
// shard at a time and is not safe for concurrent use.
type RequestSegment struct {
	b      *Builder
	reqs   []*Request
	oldest time.Time
	closed bool
	epoch  uint64
}

// NewRequestSegment creates an empty, open request segment.
func NewRequestSegment(segmentSize int64, align int) *RequestSegment {
	return &RequestSegment{b: NewBuilder(segmentSize, align)}
}

// Reset empties rs for reuse.
func (rs *RequestSegment) Reset() {
	rs.b.Reset()
	clear(rs.reqs)
	rs.reqs = rs.reqs[:0]
	rs.oldest = time.Time{}
	rs.closed = false
	rs.epoch = 0
}

// Len returns the number of requests.
func (rs *RequestSegment) Len() int { return len(rs.reqs) }

// Requests returns the requests in merge order.
func (rs *RequestSegment) Requests() []*Request { return rs.reqs }

// Epoch returns the epoch assigned by Complete.
func (rs *RequestSegment) Epoch() uint64 { return rs.epoch }

// Closed reports whether Complete was called.
func (rs *RequestSegment) Closed() bool { return rs.closed }

// TryMerge adds req if rs is open and has room.
func (rs *RequestSegment) TryMerge(req *Request) bool {
	if rs.closed || !rs.b.TryAdd(len(req.Key), len(req.Value)) {
		return false
	}
	if err := rs.b.Add(req.Record); err != nil {
		return false
	}
	if len(rs.reqs) == 0 || req.enqueued.Before(rs.oldest) {
		rs.oldest = req.enqueued
	}
	rs.reqs = append(rs.reqs, req)
	return true
}

// IsExpired reports whether the oldest request has waited at least timeout.
func (rs *RequestSegment) IsExpired(now time.Time, timeout time.Duration) bool {
	return len(rs.reqs) > 0 && now.Sub(rs.oldest) >= timeout
}

// Complete closes rs to new requests and stamps every request with epoch
// and its merge ordinal. This is the single commit point of the batch.
func (rs *RequestSegment) Complete(epoch uint64) {
	rs.closed = true
	rs.epoch = epoch
	for i, req := range rs.reqs {
		st := record.Stamp{Epoch: epoch, Seq: uint32(i)}
		req.Stamp = st
		rs.b.Stamp(i, st)
	}
}

// Seal writes the image to segment id of w. On success every request
// carries its index entry.
func (rs *RequestSegment) Seal(w SegmentWriter, id uint32) (Sealed, error) {
	sealed, err := rs.b.Seal(w, id, rs.epoch)
	if err != nil {
		return Sealed{}, err
	}
	for i, req := range rs.reqs {
		req.entry = sealed.Entries[i]
	}
	return sealed, nil
}

// Notify finishes every request with err.
func (rs *RequestSegment) Notify(err error) {
	for _, req := range rs.reqs {
		req.Finish(err)
	}
}

// NotifyEach finishes every request with the error fn returns for it.
func (rs *RequestSegment) NotifyEach(fn func(i int, req *Request) error) {
	for i, req := range rs.reqs {
		req.Finish(fn(i, req))
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/segment"
)

const segSize = 64 << 10

type fakeWriter struct{}

func (fakeWriter) ID() uint32                        { return 0 }
func (fakeWriter) NewImage() []byte                  { return make([]byte, segSize) }
func (fakeWriter) WriteSegment(uint32, []byte) error { return nil }

type fakeCommitter struct {
	mu      sync.Mutex
	nextID  uint32
	err     error
	batches int
	entries []record.Entry
}

func (c *fakeCommitter) Persist(_ int, rs *segment.RequestSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	sealed, err := rs.Seal(fakeWriter{}, c.nextID)
	if err != nil {
		return err
	}
	c.nextID++
	c.batches++
	c.entries = append(c.entries, sealed.Entries...)
	return nil
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []record.Entry
}

func (r *fakeRemover) Remove(e record.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, e)
	return true
}

func newTestPipeline(t *testing.T, c Committer, timeout time.Duration) *Pipeline {
	t.Helper()
	p := New(Config{
		Shards:      4,
		Writers:     2,
		Timeout:     timeout,
		SegmentSize: segSize,
		Alignment:   4096,
	}, c, &fakeRemover{})
	return p
}

func wait(t *testing.T, req *segment.Request) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return req.Wait(ctx)
}

func TestPipeline_AggregatesAndCompletes(t *testing.T) {
	c := &fakeCommitter{}
	p := newTestPipeline(t, c, 2*time.Millisecond)
	defer p.Close()

	var reqs []*segment.Request
	for i := range 200 {
		req := segment.NewPut([]byte(fmt.Sprintf("key-%d", i)), []byte("value"))
		require.NoError(t, p.Submit(req))
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		require.NoError(t, wait(t, req))
		assert.False(t, req.Entry().Stamp.IsZero())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.entries, 200)
	assert.Less(t, c.batches, 200)
}

func TestPipeline_SameKeyStampsFollowSubmissionOrder(t *testing.T) {
	c := &fakeCommitter{}
	p := newTestPipeline(t, c, time.Millisecond)
	defer p.Close()

	var reqs []*segment.Request
	for i := range 50 {
		req := segment.NewPut([]byte("hot"), make([]byte, 1000*(i%5)))
		require.NoError(t, p.Submit(req))
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		require.NoError(t, wait(t, req))
	}
	for i := 1; i < len(reqs); i++ {
		assert.True(t, reqs[i-1].Entry().Stamp.Less(reqs[i].Entry().Stamp))
	}
}

func TestPipeline_TimeoutSealsPartialBuilder(t *testing.T) {
	p := newTestPipeline(t, &fakeCommitter{}, 5*time.Millisecond)
	defer p.Close()

	req := segment.NewPut([]byte("lonely"), []byte("v"))
	require.NoError(t, p.Submit(req))
	require.NoError(t, wait(t, req))
}

func TestPipeline_Flush(t *testing.T) {
	p := newTestPipeline(t, &fakeCommitter{}, time.Hour)
	defer p.Close()

	req := segment.NewPut([]byte("k"), []byte("v"))
	require.NoError(t, p.Submit(req))

	// The shard worker merges asynchronously; Flush after it did.
	require.Eventually(t, func() bool {
		p.Flush()
		select {
		case <-req.Done():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, req.Err())
}

func TestPipeline_PersistFailureFailsEveryRequest(t *testing.T) {
	boom := errors.New("device gone")
	p := newTestPipeline(t, &fakeCommitter{err: boom}, time.Millisecond)
	defer p.Close()

	var reqs []*segment.Request
	for i := range 10 {
		req := segment.NewPut([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, p.Submit(req))
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		assert.ErrorIs(t, wait(t, req), boom)
	}
}

func TestPipeline_CloseDrains(t *testing.T) {
	c := &fakeCommitter{}
	p := newTestPipeline(t, c, time.Hour)

	var reqs []*segment.Request
	for i := range 20 {
		req := segment.NewPut([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, p.Submit(req))
		reqs = append(reqs, req)
	}
	require.NoError(t, p.Close())

	for _, req := range reqs {
		select {
		case <-req.Done():
			assert.NoError(t, req.Err())
		default:
			t.Fatal("request not finished after Close")
		}
	}

	assert.ErrorIs(t, p.Submit(segment.NewPut([]byte("late"), nil)), ErrClosed)
	assert.ErrorIs(t, p.Close(), ErrClosed)
}

func TestPipeline_RejectsOversized(t *testing.T) {
	p := newTestPipeline(t, &fakeCommitter{}, time.Millisecond)
	defer p.Close()

	assert.ErrorIs(t, p.Submit(segment.NewPut([]byte("k"), make([]byte, segSize))), ErrTooLarge)
}

func TestReaper_CoalescesPerDigest(t *testing.T) {
	rm := &fakeRemover{}
	p := New(Config{SegmentSize: segSize, Alignment: 4096, Timeout: time.Hour}, &fakeCommitter{}, rm)

	d := hash.Sum([]byte("k"))
	for i := range 5 {
		p.Reap(record.Entry{Header: record.Header{Digest: d, Flags: record.FlagTombstone, Stamp: record.Stamp{Epoch: uint64(i + 1)}}})
	}
	require.NoError(t, p.Close())

	rm.mu.Lock()
	defer rm.mu.Unlock()
	require.NotEmpty(t, rm.removed)
	assert.Equal(t, uint64(5), rm.removed[len(rm.removed)-1].Stamp.Epoch)
	assert.LessOrEqual(t, len(rm.removed), 5)
}

package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/segment"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pipeline: closed")

	// ErrTooLarge is returned for a request that cannot fit an empty segment.
	ErrTooLarge = errors.New("pipeline: request does not fit in a segment")
)

// Committer makes a completed request segment durable and visible.
type Committer interface {
	// Persist allocates a segment for rs, seals it and applies every
	// request's entry to the index. A returned error fails every request
	// that has not already been finished individually.
	Persist(shard int, rs *segment.RequestSegment) error
}

// Remover takes durable tombstones off the reaper queue. Remove reports
// whether the tombstone left the index right away.
type Remover interface {
	Remove(e record.Entry) bool
}

// Observer receives pipeline measurements.
type Observer interface {
	OnQueueDepth(stage string, depth int)
	OnSegmentWrite(records int, bytes int64, d time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) OnQueueDepth(string, int)                        {}
func (noopObserver) OnSegmentWrite(int, int64, time.Duration, error) {}

// Config configures a Pipeline.
type Config struct {
	Shards      int
	Writers     int
	Timeout     time.Duration
	SegmentSize int64
	Alignment   int

	// QueueSize bounds each shard queue and the sealed-segment queue.
	QueueSize int

	// NextEpoch hands out commit epochs. It must be strictly increasing.
	NextEpoch func() uint64

	Logger   *slog.Logger
	Observer Observer
}

func (c *Config) withDefaults() {
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.Writers <= 0 {
		c.Writers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	if c.NextEpoch == nil {
		var n atomic.Uint64
		c.NextEpoch = func() uint64 { return n.Add(1) }
	}
}

type shard struct {
	id int
	in chan *segment.Request

	mu     sync.Mutex
	active *segment.RequestSegment
}

type job struct {
	shard int
	rs    *segment.RequestSegment
}

// Pipeline is the write-aggregation pipeline.
type Pipeline struct {
	cfg       Config
	committer Committer
	shards    []*shard
	writeCh   chan job
	reaper    *reaper
	pool      sync.Pool

	// intake guards Submit against Close.
	intake sync.RWMutex
	closed bool

	inflightMu   sync.Mutex
	inflightCond *sync.Cond
	inflight     int

	closeCh  chan struct{}
	workerWg sync.WaitGroup
	writerWg sync.WaitGroup
	scanWg   sync.WaitGroup
}

// New starts a pipeline.
func New(cfg Config, committer Committer, remover Remover) *Pipeline {
	cfg.withDefaults()

	p := &Pipeline{
		cfg:       cfg,
		committer: committer,
		shards:    make([]*shard, cfg.Shards),
		writeCh:   make(chan job, cfg.QueueSize),
		reaper:    newReaper(remover, cfg.Logger),
		closeCh:   make(chan struct{}),
	}
	p.inflightCond = sync.NewCond(&p.inflightMu)
	p.pool.New = func() any {
		return segment.NewRequestSegment(cfg.SegmentSize, cfg.Alignment)
	}

	for i := range p.shards {
		s := &shard{id: i, in: make(chan *segment.Request, cfg.QueueSize)}
		p.shards[i] = s
		p.workerWg.Add(1)
		go p.shardLoop(s)
	}
	for range cfg.Writers {
		p.writerWg.Add(1)
		go p.writerLoop()
	}
	p.scanWg.Add(1)
	go p.scanLoop()

	return p
}

// ShardOf returns the shard a digest routes to.
func (p *Pipeline) ShardOf(d hash.Digest) int {
	return int((d.Uint64() >> 32) % uint64(len(p.shards)))
}

// Shards returns the shard count.
func (p *Pipeline) Shards() int { return len(p.shards) }

// Submit routes req to its shard. The caller waits on req.
func (p *Pipeline) Submit(req *segment.Request) error {
	if len(req.Key) > record.MaxKeySize || int64(len(req.Value)) > segment.MaxValueSize(p.cfg.SegmentSize, len(req.Key)) {
		return ErrTooLarge
	}

	p.intake.RLock()
	defer p.intake.RUnlock()

	if p.closed {
		return ErrClosed
	}
	p.shards[p.ShardOf(req.Digest)].in <- req
	return nil
}

// Reap queues a durable tombstone for the Remover.
func (p *Pipeline) Reap(e record.Entry) { p.reaper.enqueue(e) }

// Flush seals every active builder and waits until all sealed segments
// have been persisted.
func (p *Pipeline) Flush() {
	for _, s := range p.shards {
		s.mu.Lock()
		p.sealLocked(s)
		s.mu.Unlock()
	}

	p.inflightMu.Lock()
	for p.inflight > 0 {
		p.inflightCond.Wait()
	}
	p.inflightMu.Unlock()
}

// DrainReaper blocks until every queued tombstone has been processed.
func (p *Pipeline) DrainReaper() { p.reaper.drain() }

func (p *Pipeline) shardLoop(s *shard) {
	defer p.workerWg.Done()

	for req := range s.in {
		p.merge(s, req)
	}

	s.mu.Lock()
	p.sealLocked(s)
	s.mu.Unlock()
}

func (p *Pipeline) merge(s *shard, req *segment.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		s.active = p.getRS()
	}
	if s.active.TryMerge(req) {
		return
	}

	p.sealLocked(s)
	s.active = p.getRS()
	if !s.active.TryMerge(req) {
		req.Finish(ErrTooLarge)
	}
}

// sealLocked completes the active builder and hands it to the writers.
// The shard lock must be held, which keeps epochs in shard FIFO order.
func (p *Pipeline) sealLocked(s *shard) {
	rs := s.active
	s.active = nil
	if rs == nil {
		return
	}
	if rs.Len() == 0 {
		p.putRS(rs)
		return
	}

	rs.Complete(p.cfg.NextEpoch())

	p.inflightMu.Lock()
	p.inflight++
	p.inflightMu.Unlock()

	p.writeCh <- job{shard: s.id, rs: rs}
}

func (p *Pipeline) writerLoop() {
	defer p.writerWg.Done()

	for j := range p.writeCh {
		p.write(j)
	}
}

func (p *Pipeline) write(j job) {
	start := time.Now()
	n := j.rs.Len()

	err := p.committer.Persist(j.shard, j.rs)
	j.rs.Notify(err)

	var bytes int64
	if err == nil {
		for _, req := range j.rs.Requests() {
			bytes += req.Entry().Size()
		}
	} else if p.cfg.Logger != nil {
		p.cfg.Logger.Error("segment write failed", "shard", j.shard, "epoch", j.rs.Epoch(), "requests", n, "error", err)
	}
	p.cfg.Observer.OnSegmentWrite(n, bytes, time.Since(start), err)
	p.putRS(j.rs)

	p.inflightMu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.inflightCond.Broadcast()
	}
	p.inflightMu.Unlock()
}

func (p *Pipeline) scanLoop() {
	defer p.scanWg.Done()

	ticker := time.NewTicker(p.cfg.Timeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case now := <-ticker.C:
			p.scan(now)
		}
	}
}

func (p *Pipeline) scan(now time.Time) {
	queued := 0
	for _, s := range p.shards {
		queued += len(s.in)
		s.mu.Lock()
		if s.active != nil && s.active.IsExpired(now, p.cfg.Timeout) {
			p.sealLocked(s)
		}
		s.mu.Unlock()
	}
	p.cfg.Observer.OnQueueDepth("merge", queued)
	p.cfg.Observer.OnQueueDepth("write", len(p.writeCh))
	p.cfg.Observer.OnQueueDepth("reap", p.reaper.pending())
}

func (p *Pipeline) getRS() *segment.RequestSegment {
	rs := p.pool.Get().(*segment.RequestSegment)
	rs.Reset()
	return rs
}

func (p *Pipeline) putRS(rs *segment.RequestSegment) { p.pool.Put(rs) }

// Close stops intake, seals and persists every pending request and drains
// the reaper.
func (p *Pipeline) Close() error {
	p.intake.Lock()
	if p.closed {
		p.intake.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.intake.Unlock()

	for _, s := range p.shards {
		close(s.in)
	}
	p.workerWg.Wait()

	close(p.closeCh)
	p.scanWg.Wait()

	close(p.writeCh)
	p.writerWg.Wait()

	p.reaper.close()
	return nil
}

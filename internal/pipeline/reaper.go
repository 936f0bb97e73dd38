package pipeline

import (
	"log/slog"
	"sync"

	"github.com/dolthub/swiss"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

const reaperInitialSize = 1024

// reaper removes durable tombstones from the index off the write path.
// Pending tombstones are coalesced per digest, keeping the newest stamp.
type reaper struct {
	remover Remover
	logger  *slog.Logger

	mu      sync.Mutex
	queue   *swiss.Map[hash.Digest, record.Entry]
	signal  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	// procMu is held while a batch is applied.
	procMu sync.Mutex
}

func newReaper(remover Remover, logger *slog.Logger) *reaper {
	r := &reaper{
		remover: remover,
		logger:  logger,
		queue:   swiss.NewMap[hash.Digest, record.Entry](reaperInitialSize),
		signal:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *reaper) enqueue(e record.Entry) {
	r.mu.Lock()
	if cur, ok := r.queue.Get(e.Digest); !ok || cur.Stamp.Less(e.Stamp) {
		r.queue.Put(e.Digest, e)
	}
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *reaper) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Count()
}

func (r *reaper) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.closeCh:
			r.drain()
			return
		case <-r.signal:
			r.drain()
		}
	}
}

// drain applies everything queued so far.
func (r *reaper) drain() {
	r.procMu.Lock()
	defer r.procMu.Unlock()

	r.mu.Lock()
	batch := r.queue
	if batch.Count() == 0 {
		r.mu.Unlock()
		return
	}
	r.queue = swiss.NewMap[hash.Digest, record.Entry](reaperInitialSize)
	r.mu.Unlock()

	removed := 0
	batch.Iter(func(_ hash.Digest, e record.Entry) bool {
		if r.remover.Remove(e) {
			removed++
		}
		return false
	})
	if r.logger != nil {
		r.logger.Debug("reaped tombstones", "queued", batch.Count(), "removed", removed)
	}
}

func (r *reaper) close() {
	close(r.closeCh)
	r.wg.Wait()
}

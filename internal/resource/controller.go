package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrCacheBudgetExceeded is returned when a cache reservation does not fit
// the remaining budget.
var ErrCacheBudgetExceeded = errors.New("resource: cache budget exceeded")

// Config holds the engine budgets. Zero values mean unlimited, except
// Compactions which defaults to 1.
type Config struct {
	CacheBytes            int64
	Compactions           int64
	CompactionBytesPerSec int64
}

// Usage is a point-in-time view of the budgets.
type Usage struct {
	CacheBytes        int64
	CacheLimit        int64
	ActiveCompactions int64
}

// Controller hands out the cache budget, compaction slots and compaction
// I/O tokens.
type Controller struct {
	cacheLimit int64
	cache      *semaphore.Weighted // nil if unlimited
	cacheUsed  atomic.Int64

	slots  *semaphore.Weighted
	active atomic.Int64

	throttle atomic.Pointer[rate.Limiter] // nil if unlimited
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	c := &Controller{
		cacheLimit: cfg.CacheBytes,
		slots:      semaphore.NewWeighted(max(cfg.Compactions, 1)),
	}
	if cfg.CacheBytes > 0 {
		c.cache = semaphore.NewWeighted(cfg.CacheBytes)
	}
	c.SetCompactionRate(cfg.CompactionBytesPerSec)
	return c
}

// ReserveCache claims n bytes of cache budget, failing instead of waiting.
func (c *Controller) ReserveCache(n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.cache != nil && !c.cache.TryAcquire(n) {
		return ErrCacheBudgetExceeded
	}
	c.cacheUsed.Add(n)
	return nil
}

// ReleaseCache returns n bytes claimed with ReserveCache.
func (c *Controller) ReleaseCache(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.cache != nil {
		c.cache.Release(n)
	}
	c.cacheUsed.Add(-n)
}

// Usage reports current consumption.
func (c *Controller) Usage() Usage {
	if c == nil {
		return Usage{}
	}
	return Usage{
		CacheBytes:        c.cacheUsed.Load(),
		CacheLimit:        c.cacheLimit,
		ActiveCompactions: c.active.Load(),
	}
}

// AcquireCompaction waits for a compaction slot.
func (c *Controller) AcquireCompaction(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	c.active.Add(1)
	return nil
}

// TryAcquireCompaction claims a slot if one is free.
func (c *Controller) TryAcquireCompaction() bool {
	if c == nil {
		return true
	}
	if !c.slots.TryAcquire(1) {
		return false
	}
	c.active.Add(1)
	return true
}

// ReleaseCompaction frees a slot.
func (c *Controller) ReleaseCompaction() {
	if c == nil {
		return
	}
	c.active.Add(-1)
	c.slots.Release(1)
}

// SetCompactionRate replaces the compaction I/O limit. 0 removes it.
func (c *Controller) SetCompactionRate(bytesPerSec int64) {
	if c == nil {
		return
	}
	if bytesPerSec <= 0 {
		c.throttle.Store(nil)
		return
	}
	c.throttle.Store(rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)))
}

// ThrottleCompaction blocks until n bytes of compaction I/O are admitted.
// A request larger than one second's worth is admitted in steps.
func (c *Controller) ThrottleCompaction(ctx context.Context, n int) error {
	if c == nil {
		return nil
	}
	lim := c.throttle.Load()
	if lim == nil {
		return nil
	}
	for step := lim.Burst(); n > 0; n -= step {
		if err := lim.WaitN(ctx, min(n, step)); err != nil {
			return err
		}
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/segkv/internal/collector"
)

func (e *Engine) runCompactionLoop(c *collector.Collector) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			if _, err := c.BackgroundCompact(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				if e.logger != nil {
					e.logger.Error("background compaction failed", "error", err)
				}
			}
			e.sweepTombstones()
		}
	}
}

// ForceCompact runs one merge cycle on every volume over all segments
// below the candidate threshold and returns the number of segments freed.
func (e *Engine) ForceCompact(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	total := 0
	for _, c := range e.collectors {
		cands := c.Volume().Allocator().SelectCandidates(c.Thresholds().Full)
		if len(cands) == 0 {
			continue
		}
		freed, err := c.Merge(ctx, cands)
		total += max(freed, 0)
		if err != nil {
			return total, e.compactionError(err)
		}
	}
	e.sweepTombstones()
	return total, nil
}

// FullCompact merges every volume until no segment can be freed and no
// tombstone can be removed.
func (e *Engine) FullCompact(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	total := 0
	for {
		for _, c := range e.collectors {
			freed, err := c.FullCompact(ctx)
			total += freed
			if err != nil {
				return total, e.compactionError(err)
			}
		}
		// Removed tombstones leave dead copies behind for another pass.
		if e.sweepTombstones() == 0 {
			break
		}
	}
	if e.logger != nil {
		e.logger.Info("full compaction", "freed", total)
	}
	return total, nil
}

// SetCompactionThresholds replaces the compaction thresholds of every volume.
func (e *Engine) SetCompactionThresholds(t collector.Thresholds) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	for _, c := range e.collectors {
		if err := c.SetThresholds(t); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	return nil
}

// CompactionThresholds returns the active thresholds.
func (e *Engine) CompactionThresholds() collector.Thresholds {
	return e.collectors[0].Thresholds()
}

func (e *Engine) compactionError(err error) error {
	switch {
	case errors.Is(err, collector.ErrNoSpace):
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return ioError(err)
}

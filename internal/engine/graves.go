package engine

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/hupe1980/segkv/internal/collector"
	"github.com/hupe1980/segkv/internal/index"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/volume"
)

// graveyard keeps reaped tombstones indexed until no segment can still
// hold an older version of their key. Until then compaction carries the
// tombstone along like any live record, so a recovery scan always finds
// it next to whatever it shadows.
type graveyard struct {
	index       *index.Table
	vols        []*volume.Volume
	collectors  []*collector.Collector
	segmentSize int64
	logger      *slog.Logger

	mu      sync.Mutex
	fresh   []record.Entry
	cohorts []cohort
}

// grave is one occupancy of a segment on a volume.
type grave struct {
	vol uint32
	volume.Occupant
}

// cohort is a set of tombstones waiting on the segments that were
// occupied when they were handed over.
type cohort struct {
	waits      []grave
	tombstones []record.Entry
}

func newGraveyard(idx *index.Table, vols []*volume.Volume, cols []*collector.Collector, segmentSize int64, logger *slog.Logger) *graveyard {
	return &graveyard{
		index:       idx,
		vols:        vols,
		collectors:  cols,
		segmentSize: segmentSize,
		logger:      logger,
	}
}

// Remove takes over a durable tombstone from the reaper. It never drops
// the tombstone right away; sweep does once it is safe.
func (g *graveyard) Remove(t record.Entry) bool {
	g.mu.Lock()
	g.fresh = append(g.fresh, t)
	g.mu.Unlock()
	return false
}

// sweep snapshots the occupied segments for newly handed over tombstones
// and removes every tombstone whose segments have all been released since.
// It must not be called with a compaction lock held.
func (g *graveyard) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.fresh) > 0 {
		g.cohorts = append(g.cohorts, g.admit(g.fresh))
		g.fresh = nil
	}

	removed := 0
	kept := g.cohorts[:0]
	for _, c := range g.cohorts {
		c.waits = slices.DeleteFunc(c.waits, func(w grave) bool {
			return g.vols[w.vol].Allocator().Released(w.Occupant)
		})
		left := c.tombstones[:0]
		for _, t := range c.tombstones {
			if c.blocked(t, g.segmentSize) {
				left = append(left, t)
				continue
			}
			if g.index.Remove(t) {
				removed++
			}
		}
		if len(left) > 0 {
			c.tombstones = left
			kept = append(kept, c)
		}
	}
	clear(g.cohorts[len(kept):])
	g.cohorts = kept

	if removed > 0 && g.logger != nil {
		g.logger.Debug("removed tombstones", "removed", removed, "waiting", g.countLocked())
	}
	return removed
}

func (g *graveyard) countLocked() int {
	n := 0
	for _, c := range g.cohorts {
		n += len(c.tombstones)
	}
	return n
}

// admit builds a cohort for ts. The occupied segments are read with every
// compaction lock held, so no merge can be halfway through copying a
// record the tombstones already shadow.
func (g *graveyard) admit(ts []record.Entry) cohort {
	for _, c := range g.collectors {
		c.Lock()
	}
	defer func() {
		for _, c := range g.collectors {
			c.Unlock()
		}
	}()

	var waits []grave
	for _, v := range g.vols {
		for _, o := range v.Allocator().Occupants() {
			waits = append(waits, grave{vol: v.ID(), Occupant: o})
		}
	}

	// Compaction may have moved a tombstone since it was reaped.
	for i, t := range ts {
		if cur, ok := g.index.Lookup(t.Digest); ok && cur.Stamp == t.Stamp {
			ts[i] = cur
		}
	}
	return cohort{waits: waits, tombstones: ts}
}

// blocked reports whether t still waits on a segment other than its own.
// Anything older in the tombstone's own segment disappears with it.
func (c cohort) blocked(t record.Entry, segmentSize int64) bool {
	switch len(c.waits) {
	case 0:
		return false
	case 1:
		w := c.waits[0]
		return w.vol != t.Loc.Volume || w.ID != t.Loc.Segment(segmentSize)
	}
	return true
}

package index

import (
	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/record"
)

// Cursor walks the table in bucket order. Within a bucket, entries appear in
// slot order. A cursor sees each bucket as of the moment it entered it; it
// never blocks writers for longer than one bucket copy.
type Cursor struct {
	t      *Table
	bucket int
	slot   int
	cur    []record.Entry
}

// NewCursor returns an unpositioned cursor.
func (t *Table) NewCursor() *Cursor {
	return &Cursor{t: t, bucket: -1}
}

// Valid reports whether the cursor points at an entry.
func (c *Cursor) Valid() bool {
	return c.bucket >= 0 && c.bucket < len(c.t.buckets) && c.slot >= 0 && c.slot < len(c.cur)
}

// Entry returns the current entry. Only meaningful when Valid.
func (c *Cursor) Entry() record.Entry { return c.cur[c.slot] }

func (c *Cursor) load(b int) {
	c.bucket = b
	c.cur = c.t.copyBucket(uint64(b), c.cur[:0])
}

// forward moves to the first entry at or after bucket b.
func (c *Cursor) forward(b int) bool {
	for ; b < len(c.t.buckets); b++ {
		c.load(b)
		if len(c.cur) > 0 {
			c.slot = 0
			return true
		}
	}
	c.bucket = len(c.t.buckets)
	c.cur = c.cur[:0]
	return false
}

// backward moves to the last entry at or before bucket b.
func (c *Cursor) backward(b int) bool {
	for ; b >= 0; b-- {
		c.load(b)
		if len(c.cur) > 0 {
			c.slot = len(c.cur) - 1
			return true
		}
	}
	c.bucket = -1
	c.cur = c.cur[:0]
	return false
}

// First positions at the first entry.
func (c *Cursor) First() bool { return c.forward(0) }

// Last positions at the last entry.
func (c *Cursor) Last() bool { return c.backward(len(c.t.buckets) - 1) }

// Next advances one entry.
func (c *Cursor) Next() bool {
	if !c.Valid() {
		return false
	}
	if c.slot+1 < len(c.cur) {
		c.slot++
		return true
	}
	return c.forward(c.bucket + 1)
}

// Prev steps back one entry.
func (c *Cursor) Prev() bool {
	if !c.Valid() {
		return false
	}
	if c.slot > 0 {
		c.slot--
		return true
	}
	return c.backward(c.bucket - 1)
}

// Seek positions at d if it is indexed, otherwise at the first entry of the
// next non-empty bucket after d's bucket.
func (c *Cursor) Seek(d hash.Digest) bool {
	b := int(c.t.bucketIndex(d))
	c.load(b)
	for i := range c.cur {
		if c.cur[i].Digest == d {
			c.slot = i
			return true
		}
	}
	return c.forward(b + 1)
}

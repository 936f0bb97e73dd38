package engine

import (
	"errors"

	"github.com/hupe1980/segkv/internal/hash"
	"github.com/hupe1980/segkv/internal/index"
)

// Iterator walks live keys in index order, which is hash order and not
// key order. It observes each index bucket as of the moment it reaches it;
// writes made during iteration may or may not be seen.
type Iterator struct {
	e     *Engine
	cur   *index.Cursor
	key   []byte
	value []byte
	err   error
}

// NewIterator returns an unpositioned iterator.
func (e *Engine) NewIterator() *Iterator {
	return &Iterator{e: e, cur: e.index.NewCursor()}
}

// SeekFirst moves to the first live key.
func (it *Iterator) SeekFirst() bool { return it.settle(it.cur.First(), true) }

// SeekLast moves to the last live key.
func (it *Iterator) SeekLast() bool { return it.settle(it.cur.Last(), false) }

// Seek moves to key, or to the next live key in index order if key is absent.
func (it *Iterator) Seek(key []byte) bool {
	return it.settle(it.cur.Seek(hash.Sum(key)), true)
}

// Next moves forward.
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	return it.settle(it.cur.Next(), true)
}

// Prev moves backward.
func (it *Iterator) Prev() bool {
	if !it.Valid() {
		return false
	}
	return it.settle(it.cur.Prev(), false)
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool { return it.key != nil && it.err == nil }

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.key, it.value, it.cur = nil, nil, nil
	return nil
}

// settle skips tombstones and records deleted since the cursor copied
// their bucket.
func (it *Iterator) settle(ok bool, forward bool) bool {
	it.key, it.value = nil, nil
	if it.err != nil {
		return false
	}
	if it.e.closed.Load() {
		it.err = ErrClosed
		return false
	}

	for ok {
		ent := it.cur.Entry()
		if !ent.IsTombstone() {
			_, k, v, err := it.e.fetch(ent.Digest)
			switch {
			case err == nil:
				it.key, it.value = k, v
				return true
			case !errors.Is(err, ErrNotFound):
				it.err = err
				return false
			}
		}
		if forward {
			ok = it.cur.Next()
		} else {
			ok = it.cur.Prev()
		}
	}
	return false
}

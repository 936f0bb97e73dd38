package cache

import (
	"github.com/hupe1980/segkv/internal/record"
)

// Key identifies one immutable record value.
type Key struct {
	Loc   record.Location
	Stamp record.Stamp
}

// KeyOf returns the cache key of an index entry.
func KeyOf(e record.Entry) Key {
	return Key{Loc: e.Loc, Stamp: e.Stamp}
}

// Cache is a byte-oriented value cache. Returned slices are read-only.
type Cache interface {
	Get(key Key) (value []byte, ok bool)
	Set(key Key, value []byte)
	Stats() (hits, misses int64)
	Size() int64
}

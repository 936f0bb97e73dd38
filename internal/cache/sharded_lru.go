package cache

import (
	"encoding/binary"
	"hash/maphash"

	"github.com/hupe1980/segkv/internal/resource"
)

const numShards = 64

// Sharded is an LRU cache split into 64 shards to reduce lock contention.
type Sharded struct {
	shards [numShards]*LRU
	seed   maphash.Seed
}

// NewSharded creates a sharded cache; capacity is split evenly.
func NewSharded(capacity int64, rc *resource.Controller) *Sharded {
	per := capacity / numShards
	if per < 1 {
		per = 1
	}
	s := &Sharded{seed: maphash.MakeSeed()}
	for i := range numShards {
		s.shards[i] = NewLRU(per, rc)
	}
	return s
}

func (s *Sharded) shard(key Key) *LRU {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:], key.Loc.Volume)
	binary.LittleEndian.PutUint64(buf[4:], key.Loc.Offset)
	return s.shards[maphash.Bytes(s.seed, buf[:])%numShards]
}

// Get returns a cached value.
func (s *Sharded) Get(key Key) ([]byte, bool) { return s.shard(key).Get(key) }

// Set caches a value.
func (s *Sharded) Set(key Key, value []byte) { s.shard(key).Set(key, value) }

// Stats returns hit and miss counts across shards.
func (s *Sharded) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the cached bytes across shards.
func (s *Sharded) Size() int64 {
	var n int64
	for _, sh := range s.shards {
		n += sh.Size()
	}
	return n
}

package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/resource"
)

func key(off uint64, epoch uint64) Key {
	return Key{Loc: record.Location{Offset: off}, Stamp: record.Stamp{Epoch: epoch}}
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU(10, nil)

	c.Set(key(1, 1), []byte("aaaa"))
	c.Set(key(2, 1), []byte("bbbb"))
	_, ok := c.Get(key(1, 1)) // 1 is now most recent
	assert.True(t, ok)

	c.Set(key(3, 1), []byte("cccc"))
	_, ok = c.Get(key(2, 1))
	assert.False(t, ok)
	_, ok = c.Get(key(1, 1))
	assert.True(t, ok)
	assert.Equal(t, int64(8), c.Size())

	c.Set(key(4, 1), make([]byte, 11)) // larger than capacity
	_, ok = c.Get(key(4, 1))
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(2), misses)
}

func TestLRU_StampSeparatesReusedLocations(t *testing.T) {
	c := NewLRU(100, nil)

	c.Set(key(1, 1), []byte("old"))
	_, ok := c.Get(key(1, 2))
	assert.False(t, ok)
}

func TestLRU_ResourceController(t *testing.T) {
	rc := resource.NewController(resource.Config{CacheBytes: 6})
	c := NewLRU(100, rc)

	c.Set(key(1, 1), []byte("12345"))
	c.Set(key(2, 1), []byte("12345")) // refused by the global budget
	_, ok := c.Get(key(2, 1))
	assert.False(t, ok)
	assert.Equal(t, int64(5), rc.Usage().CacheBytes)
}

func TestSharded_Concurrent(t *testing.T) {
	c := NewSharded(1<<20, nil)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				k := key(uint64(w*1000+i), 1)
				c.Set(k, []byte(fmt.Sprint(i)))
				v, ok := c.Get(k)
				if assert.True(t, ok) {
					assert.Equal(t, fmt.Sprint(i), string(v))
				}
			}
		}()
	}
	wg.Wait()

	hits, _ := c.Stats()
	assert.Equal(t, int64(4000), hits)
	assert.Positive(t, c.Size())
}

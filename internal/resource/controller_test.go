package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_CacheBudget(t *testing.T) {
	c := NewController(Config{CacheBytes: 100})

	require.NoError(t, c.ReserveCache(50))
	require.NoError(t, c.ReserveCache(40))
	assert.ErrorIs(t, c.ReserveCache(20), ErrCacheBudgetExceeded)
	assert.Equal(t, Usage{CacheBytes: 90, CacheLimit: 100}, c.Usage())

	c.ReleaseCache(50)
	require.NoError(t, c.ReserveCache(20))
	assert.Equal(t, int64(60), c.Usage().CacheBytes)
}

func TestController_UnlimitedCache(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.ReserveCache(1000))
	c.ReleaseCache(500)
	assert.Equal(t, Usage{CacheBytes: 500}, c.Usage())
}

func TestController_CompactionSlots(t *testing.T) {
	c := NewController(Config{Compactions: 2})

	require.NoError(t, c.AcquireCompaction(t.Context()))
	assert.True(t, c.TryAcquireCompaction())
	assert.False(t, c.TryAcquireCompaction())
	assert.Equal(t, int64(2), c.Usage().ActiveCompactions)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireCompaction(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(2), c.Usage().ActiveCompactions)

	c.ReleaseCompaction()
	assert.True(t, c.TryAcquireCompaction())
}

func TestController_DefaultsToOneCompaction(t *testing.T) {
	c := NewController(Config{})
	assert.True(t, c.TryAcquireCompaction())
	assert.False(t, c.TryAcquireCompaction())
}

func TestController_Throttle(t *testing.T) {
	c := NewController(Config{CompactionBytesPerSec: 1 << 20})

	// 1.5 buckets: admitted in two steps instead of rejected by WaitN.
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.ThrottleCompaction(ctx, 3<<19))

	c.SetCompactionRate(0)
	require.NoError(t, c.ThrottleCompaction(t.Context(), 1<<30))
}

func TestController_Nil(t *testing.T) {
	var c *Controller

	assert.NoError(t, c.ReserveCache(10))
	c.ReleaseCache(10)
	assert.Equal(t, Usage{}, c.Usage())
	assert.NoError(t, c.AcquireCompaction(t.Context()))
	assert.True(t, c.TryAcquireCompaction())
	c.ReleaseCompaction()
	c.SetCompactionRate(10)
	assert.NoError(t, c.ThrottleCompaction(t.Context(), 1<<20))
}

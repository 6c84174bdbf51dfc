package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFallbackStore(t *testing.T) (*FallbackStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fs, ok := New(client).(*FallbackStore)
	require.True(t, ok)
	return fs, mr
}

func TestFallbackStore_UsesRedisWhileHealthy(t *testing.T) {
	ctx := context.Background()
	fs, mr := newFallbackStore(t)
	defer mr.Close()

	require.NoError(t, fs.AddToQueue(ctx, "sid-1", time.Now()))
	inQueue, err := fs.IsInQueue(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, inQueue)
	assert.False(t, fs.degraded.Load())
}

func TestFallbackStore_DegradesOnRedisError(t *testing.T) {
	ctx := context.Background()
	fs, mr := newFallbackStore(t)
	mr.Close() // simulate Redis going away

	err := fs.AddToQueue(ctx, "sid-1", time.Now())
	assert.NoError(t, err, "fallback store should swallow the Redis error after degrading")
	assert.True(t, fs.degraded.Load())

	// Subsequent operations must go to the in-process secondary, not retry Redis.
	inQueue, err := fs.IsInQueue(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, inQueue)
}

func TestFallbackStore_StaysDegradedAfterSwitch(t *testing.T) {
	ctx := context.Background()
	fs, mr := newFallbackStore(t)

	mr.Close()
	_ = fs.AddToQueue(ctx, "sid-1", time.Now())
	require.True(t, fs.degraded.Load())

	// Even though Redis is gone, operations keep succeeding against memory.
	require.NoError(t, fs.SetPair(ctx, "sid-1", "sid-2"))
	partner, ok, err := fs.GetPartner(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sid-2", string(partner))
}

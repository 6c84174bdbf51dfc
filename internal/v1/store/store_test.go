package store

import (
	"context"
	"testing"
	"time"

	"github.com/meshcall/core/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_QueueLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddToQueue(ctx, "sid-1", time.Now()))
	inQueue, err := s.IsInQueue(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, inQueue)

	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	require.NoError(t, s.RemoveFromQueue(ctx, "sid-1"))
	inQueue, err = s.IsInQueue(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, inQueue)
}

func TestMemoryStore_WaitingQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Now()
	require.NoError(t, s.AddToQueue(ctx, "second", base.Add(time.Second)))
	require.NoError(t, s.AddToQueue(ctx, "first", base))

	queue, err := s.WaitingQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, types.Sid("first"), queue[0])
	assert.Equal(t, types.Sid("second"), queue[1])
}

func TestMemoryStore_Pairing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetPair(ctx, "a", "b"))

	partner, ok, err := s.GetPartner(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Sid("b"), partner)

	partner, ok, err = s.GetPartner(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Sid("a"), partner)

	require.NoError(t, s.RemovePair(ctx, "a"))
	_, ok, err = s.GetPartner(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetPartner(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_LockSocket(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	acquired, err := s.LockSocket(ctx, "sid-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.LockSocket(ctx, "sid-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "second lock attempt should fail while still held")

	require.NoError(t, s.UnlockSocket(ctx, "sid-1"))
	acquired, err = s.LockSocket(ctx, "sid-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryStore_LockExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LockSocket(ctx, "sid-1", -time.Second) // already expired
	require.NoError(t, err)

	locked, err := s.IsLocked(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestMemoryStore_BanPairSymmetric(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.BanPair(ctx, "a", "b", time.Minute))

	banned, err := s.IsBannedTogether(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = s.IsBannedTogether(ctx, "b", "a")
	require.NoError(t, err)
	assert.True(t, banned, "ban must be order-independent")
}

func TestMemoryStore_BusyFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	busy, err := s.IsBusy(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, s.SetBusy(ctx, "sid-1", true))
	busy, err = s.IsBusy(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, s.SetBusy(ctx, "sid-1", false))
	busy, err = s.IsBusy(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestMemoryStore_Timestamps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.LastSearch(ctx, "sid-1")
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now()
	require.NoError(t, s.SetLastSearch(ctx, "sid-1", now))
	got, ok, err := s.LastSearch(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, now, got, time.Millisecond)
}

func TestMemoryStore_CleanupStaleQueueEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddToQueue(ctx, "stale", time.Now().Add(-time.Hour)))
	require.NoError(t, s.AddToQueue(ctx, "fresh", time.Now()))

	removed, err := s.CleanupStaleQueueEntries(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	inQueue, err := s.IsInQueue(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, inQueue)
}

func TestMemoryStore_CleanupStaleStates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LockSocket(ctx, "sid-1", -time.Second)
	require.NoError(t, err)
	require.NoError(t, s.BanPair(ctx, "a", "b", -time.Second))

	removed, err := s.CleanupStaleStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

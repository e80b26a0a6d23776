package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorLowestFreeFirst(t *testing.T) {
	a := NewAllocator(true)

	first, err := a.AllocateProxy()
	require.NoError(t, err)
	second, err := a.AllocateProxy()
	require.NoError(t, err)
	assert.Equal(t, 0, first.Instance)
	assert.Equal(t, 1, second.Instance)

	// Kinds allocate independently.
	backend, err := a.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 0, backend.Instance)

	// Releasing the lowest slot makes it the next pick again.
	a.Release(first)
	third, err := a.AllocateProxy()
	require.NoError(t, err)
	assert.Equal(t, 0, third.Instance)
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(true)
	for i := 0; i <= MaxInstance; i++ {
		_, err := a.AllocateBackend()
		require.NoError(t, err)
	}
	_, err := a.AllocateBackend()
	require.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestAllocatorCooldownReserve(t *testing.T) {
	a := NewAllocator(true)
	now := time.Now()
	a.now = func() time.Time { return now }

	id, err := a.AllocateProxy()
	require.NoError(t, err)
	require.Equal(t, 0, id.Instance)

	a.Reserve(id, time.Minute)

	// The slot is held back while the cool-down runs.
	next, err := a.AllocateProxy()
	require.NoError(t, err)
	assert.Equal(t, 1, next.Instance)

	used, reserved := a.Occupancy(KindProxy)
	assert.Equal(t, 1, used)
	assert.Equal(t, 1, reserved)

	// After expiry the slot returns to the pool.
	now = now.Add(2 * time.Minute)
	again, err := a.AllocateProxy()
	require.NoError(t, err)
	assert.Equal(t, 0, again.Instance)
}

func TestAllocatorRecyclingDisabled(t *testing.T) {
	a := NewAllocator(false)

	id, err := a.AllocateBackend()
	require.NoError(t, err)
	require.Equal(t, 0, id.Instance)

	// Released slots stay parked until restart.
	a.Release(id)
	next, err := a.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 1, next.Instance)

	// Reserved slots park the same way instead of returning to the pool.
	a.Reserve(next, time.Minute)
	third, err := a.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 2, third.Instance)
}

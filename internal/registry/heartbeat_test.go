package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/registry/internal/sched"
)

func TestSweepFiresOncePerNode(t *testing.T) {
	exec := sched.NewExecutor(1)
	defer exec.Stop(time.Second)

	m := NewHeartbeatMonitor(exec, 15*time.Second, 5*time.Second)
	now := time.Now()
	m.now = func() time.Time { return now }

	var mu sync.Mutex
	var fired []string
	m.SetOnTimeout(func(nodeID string) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, nodeID)
	})

	m.Record("proxy-a", 5, 0)
	m.Record("proxy-b", 3, 0)

	// Only proxy-a falls silent past the timeout.
	now = now.Add(10 * time.Second)
	m.Record("proxy-b", 3, 0)
	now = now.Add(10 * time.Second)

	m.Sweep()
	m.Sweep()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"proxy-a"}, fired)

	_, tracked := m.LastSeen("proxy-a")
	assert.False(t, tracked)
	_, tracked = m.LastSeen("proxy-b")
	assert.True(t, tracked)
}

func TestForgetPreventsTimeout(t *testing.T) {
	exec := sched.NewExecutor(1)
	defer exec.Stop(time.Second)

	m := NewHeartbeatMonitor(exec, time.Second, time.Second)
	now := time.Now()
	m.now = func() time.Time { return now }

	fired := false
	m.SetOnTimeout(func(string) { fired = true })

	m.Record("backend-x", 0, 0)
	m.Forget("backend-x")

	now = now.Add(time.Minute)
	m.Sweep()
	assert.False(t, fired)
}

func TestRecordRefreshesLastSeen(t *testing.T) {
	exec := sched.NewExecutor(1)
	defer exec.Stop(time.Second)

	m := NewHeartbeatMonitor(exec, 15*time.Second, 5*time.Second)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Record("proxy-a", 1, 0)
	first, ok := m.LastSeen("proxy-a")
	require.True(t, ok)

	now = now.Add(3 * time.Second)
	m.Record("proxy-a", 2, 0)
	second, ok := m.LastSeen("proxy-a")
	require.True(t, ok)
	assert.True(t, second.After(first))
}

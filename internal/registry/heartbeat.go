package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shardline/registry/internal/sched"
)

// HeartbeatMonitor maintains last-seen timestamps per node and declares
// nodes DEAD when they fall silent past the timeout. The sweep runs on
// its own serial queue so a slow timeout handler cannot delay other
// components on the shared executor.
type HeartbeatMonitor struct {
	mu        sync.Mutex
	entries   map[string]*heartbeatEntry
	timeout   time.Duration
	interval  time.Duration
	onTimeout func(nodeID string)
	queue     *sched.Queue
	ticker    *time.Ticker
	stop      chan struct{}
	started   bool
	now       func() time.Time
}

type heartbeatEntry struct {
	lastSeen    time.Time
	playerCount int
	tps         float64
}

// NewHeartbeatMonitor creates a monitor with the configured timeout and
// check interval.
func NewHeartbeatMonitor(exec *sched.Executor, timeout, interval time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		entries:  make(map[string]*heartbeatEntry),
		timeout:  timeout,
		interval: interval,
		queue:    sched.NewQueue(exec, "heartbeat-sweep"),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// SetOnTimeout installs the listener invoked exactly once per timed-out
// node. Must be set before Start.
func (m *HeartbeatMonitor) SetOnTimeout(listener func(nodeID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = listener
}

// Record refreshes a node's last-seen stamp. Unknown nodes start being
// tracked immediately: their registration response may still be in
// flight, and a later timeout is harmless because the eviction path
// requires the membership registries to agree.
func (m *HeartbeatMonitor) Record(nodeID string, playerCount int, tps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nodeID]
	if !ok {
		e = &heartbeatEntry{}
		m.entries[nodeID] = e
	}
	e.lastSeen = m.now()
	e.playerCount = playerCount
	e.tps = tps
}

// Forget stops tracking a node, e.g. after graceful removal.
func (m *HeartbeatMonitor) Forget(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, nodeID)
}

// LastSeen returns the node's last heartbeat stamp.
func (m *HeartbeatMonitor) LastSeen(nodeID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[nodeID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Start launches the periodic sweep.
func (m *HeartbeatMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ticker = time.NewTicker(m.interval)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.queue.Submit(func(context.Context) { m.Sweep() })
			case <-m.stop:
				return
			}
		}
	}()
	slog.Info("[HeartbeatMonitor] Started",
		"timeout", m.timeout, "interval", m.interval)
}

// Stop halts the sweep loop.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	m.ticker.Stop()
	close(m.stop)
}

// Sweep scans all entries and fires the timeout listener for every node
// whose last heartbeat is older than the timeout. The entry is removed
// before the listener runs, so each node times out at most once.
func (m *HeartbeatMonitor) Sweep() {
	m.mu.Lock()
	cutoff := m.now().Add(-m.timeout)
	var expired []string
	for nodeID, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, nodeID)
		}
	}
	for _, nodeID := range expired {
		delete(m.entries, nodeID)
	}
	listener := m.onTimeout
	m.mu.Unlock()

	for _, nodeID := range expired {
		slog.Warn("[HeartbeatMonitor] Node timed out", "id", nodeID)
		if listener != nil {
			listener(nodeID)
		}
	}
}

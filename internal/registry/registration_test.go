package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/sched"
	"github.com/shardline/registry/internal/wire"
)

// regHarness runs the registration handler over an in-memory transport
// with a second bus posing as a fleet node.
type regHarness struct {
	t        *testing.T
	alloc    *Allocator
	proxies  *ProxyRegistry
	backends *BackendRegistry
	monitor  *HeartbeatMonitor
	handler  *RegistrationHandler
	nodeBus  *bus.Bus

	mu        sync.Mutex
	responses []*wire.RegistrationResponse
	added     []*wire.ServerAdded
	removed   []*wire.ServerRemoved
}

func newRegHarness(t *testing.T) *regHarness {
	t.Helper()

	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { transport.Close() })

	types := bus.NewTypeRegistry()
	wire.RegisterTypes(types)
	exec := sched.NewExecutor(4)
	t.Cleanup(func() { exec.Stop(time.Second) })

	registryBus := bus.New(transport, types, exec, "registry-test")
	nodeBus := bus.New(transport, types, exec, "node-test")
	t.Cleanup(func() { registryBus.Close() })
	t.Cleanup(func() { nodeBus.Close() })

	h := &regHarness{
		t:        t,
		alloc:    NewAllocator(true),
		proxies:  NewProxyRegistry(),
		backends: NewBackendRegistry(),
		monitor:  NewHeartbeatMonitor(exec, 15*time.Second, 5*time.Second),
		nodeBus:  nodeBus,
	}

	settings := HandlerSettings{
		DedupWindow:     30 * time.Second,
		RetryInterval:   50 * time.Millisecond,
		RetryWindow:     2 * time.Second,
		CooldownTTL:     time.Minute,
		ReregisterGrace: time.Hour,
	}
	h.handler = NewRegistrationHandler(registryBus, h.alloc, h.proxies, h.backends, h.monitor, exec, settings, nil)
	require.NoError(t, h.handler.Bind())
	t.Cleanup(h.handler.Stop)

	_, err := bus.SubscribeTyped(nodeBus, wire.ChanServerAdded, func(_ context.Context, _ *bus.Envelope, msg *wire.ServerAdded) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.added = append(h.added, msg)
	})
	require.NoError(t, err)
	_, err = bus.SubscribeTyped(nodeBus, wire.ChanServerRemoved, func(_ context.Context, _ *bus.Envelope, msg *wire.ServerRemoved) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removed = append(h.removed, msg)
	})
	require.NoError(t, err)

	return h
}

func (h *regHarness) listen(tempID string) {
	_, err := bus.SubscribeTyped(h.nodeBus, wire.TempResponseChannel(tempID), func(_ context.Context, _ *bus.Envelope, msg *wire.RegistrationResponse) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.responses = append(h.responses, msg)
	})
	require.NoError(h.t, err)
}

func (h *regHarness) request(req *wire.RegistrationRequest) {
	require.NoError(h.t, h.nodeBus.Publish(context.Background(), wire.ChanRegistrationRequest, wire.TypeRegistrationRequest, req))
}

func (h *regHarness) waitResponses(n int) []*wire.RegistrationResponse {
	require.Eventually(h.t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.responses) >= n
	}, 3*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*wire.RegistrationResponse(nil), h.responses...)
}

func backendRequest(tempID, addr string, port int) *wire.RegistrationRequest {
	return &wire.RegistrationRequest{
		TempID:      tempID,
		ServerType:  "backend",
		Role:        "lobby",
		Address:     addr,
		Port:        port,
		MaxCapacity: 100,
		Version:     "1.0",
	}
}

func TestRegistrationAssignsIdentifierAndAnnounces(t *testing.T) {
	h := newRegHarness(t)
	h.listen("tmp-1")

	h.request(backendRequest("tmp-1", "10.0.0.2", 30000))

	resp := h.waitResponses(1)[0]
	require.True(t, resp.Success)
	assert.Equal(t, "tmp-1", resp.TempID)

	id, err := ParseNodeIdentifier(resp.AssignedID)
	require.NoError(t, err)
	assert.Equal(t, KindBackend, id.Kind)
	assert.Equal(t, 0, id.Instance)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.added) == 1
	}, 3*time.Second, 10*time.Millisecond)

	rec, ok := h.backends.Get(resp.AssignedID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, rec.Status)

	// Liveness tracking starts before the first real heartbeat.
	_, tracked := h.monitor.LastSeen(resp.AssignedID)
	assert.True(t, tracked)
}

func TestRegistrationDedupByTempID(t *testing.T) {
	h := newRegHarness(t)
	h.listen("tmp-dup")

	// The node repeats its request because the response was lost; the
	// retry loop re-sends the same assignment instead of allocating anew.
	h.request(backendRequest("tmp-dup", "10.0.0.2", 30000))
	first := h.waitResponses(1)[0]

	h.request(backendRequest("tmp-dup", "10.0.0.2", 30000))
	resent := h.waitResponses(2)

	assert.Equal(t, first.AssignedID, resent[1].AssignedID)
	assert.Equal(t, 1, h.backends.Count())
}

func TestRegistrationDedupByAddress(t *testing.T) {
	h := newRegHarness(t)
	h.listen("tmp-a")
	h.listen("tmp-b")

	// Two distinct tempIds from the same (address, port) inside the
	// window resolve to one identity and one announcement.
	h.request(backendRequest("tmp-a", "10.0.0.2", 30000))
	h.waitResponses(1)
	h.request(backendRequest("tmp-b", "10.0.0.2", 30000))
	responses := h.waitResponses(2)

	assert.Equal(t, responses[0].AssignedID, responses[1].AssignedID)
	assert.Equal(t, 1, h.backends.Count())

	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.added, 1)
}

func TestRegistrationAfterDedupWindowReusesIdentity(t *testing.T) {
	h := newRegHarness(t)
	h.listen("tmp-old")
	h.listen("tmp-new")

	h.request(backendRequest("tmp-old", "10.0.0.2", 30000))
	first := h.waitResponses(1)[0]

	// Push the registry clock past the dedup window. The node still
	// occupies the address, so a fresh request from it must get the
	// existing identifier back, not a zero or duplicate one.
	h.backends.mu.Lock()
	base := time.Now()
	h.backends.now = func() time.Time { return base.Add(time.Minute) }
	h.backends.mu.Unlock()

	h.request(backendRequest("tmp-new", "10.0.0.2", 30000))
	responses := h.waitResponses(2)

	var second *wire.RegistrationResponse
	for _, resp := range responses {
		if resp.TempID == "tmp-new" {
			second = resp
		}
	}
	require.NotNil(t, second)
	require.True(t, second.Success)
	assert.Equal(t, first.AssignedID, second.AssignedID)
	_, err := ParseNodeIdentifier(second.AssignedID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.backends.Count())
}

func TestShutdownHeartbeatRemovesGracefully(t *testing.T) {
	h := newRegHarness(t)
	h.listen("tmp-1")

	h.request(backendRequest("tmp-1", "10.0.0.2", 30000))
	resp := h.waitResponses(1)[0]
	assignedID := resp.AssignedID

	hb := &wire.Heartbeat{NodeID: assignedID, Status: wire.HeartbeatShutdown}
	require.NoError(t, h.nodeBus.Publish(context.Background(), wire.ChanHeartbeat, wire.TypeHeartbeat, hb))

	require.Eventually(t, func() bool {
		return h.backends.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.removed) == 1
	}, 3*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	removedReason := h.removed[0].Reason
	h.mu.Unlock()
	assert.Equal(t, "shutdown", removedReason)

	_, tracked := h.monitor.LastSeen(assignedID)
	assert.False(t, tracked)

	// Graceful departure bypasses the cool-down: the instance is free
	// for the next registration.
	next, err := h.alloc.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 0, next.Instance)
}

func TestHeartbeatTimeoutEvictsWithCooldown(t *testing.T) {
	h := newRegHarness(t)
	h.listen("tmp-1")

	h.request(backendRequest("tmp-1", "10.0.0.2", 30000))
	resp := h.waitResponses(1)[0]

	// Advance the monitor's clock past the timeout and sweep.
	h.monitor.mu.Lock()
	base := time.Now()
	h.monitor.now = func() time.Time { return base.Add(time.Minute) }
	h.monitor.mu.Unlock()
	h.monitor.Sweep()

	require.Eventually(t, func() bool {
		return h.backends.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.removed) == 1
	}, 3*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	removedReason := h.removed[0].Reason
	h.mu.Unlock()
	assert.Equal(t, "timeout", removedReason)

	// The evicted identifier's instance sits in cool-down, so the next
	// allocation skips it.
	id, err := ParseNodeIdentifier(resp.AssignedID)
	require.NoError(t, err)
	require.Equal(t, 0, id.Instance)
	next, err := h.alloc.AllocateBackend()
	require.NoError(t, err)
	assert.Equal(t, 1, next.Instance)
}

func TestProxyRegistrationUsesProxyChannel(t *testing.T) {
	h := newRegHarness(t)

	var mu sync.Mutex
	var proxyResponses []*wire.RegistrationResponse
	_, err := bus.SubscribeTyped(h.nodeBus, wire.ChanProxyRegistration, func(_ context.Context, _ *bus.Envelope, msg *wire.RegistrationResponse) {
		mu.Lock()
		defer mu.Unlock()
		proxyResponses = append(proxyResponses, msg)
	})
	require.NoError(t, err)

	h.request(&wire.RegistrationRequest{
		TempID:     "tmp-proxy",
		ServerType: "proxy",
		Address:    "10.0.0.1",
		Port:       25565,
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(proxyResponses) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	resp := proxyResponses[0]
	mu.Unlock()
	require.True(t, resp.Success)

	id, err := ParseNodeIdentifier(resp.AssignedID)
	require.NoError(t, err)
	assert.Equal(t, KindProxy, id.Kind)
	assert.Equal(t, 1, h.proxies.Count())

	// Proxies never trigger a ServerAdded announcement.
	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.added)
}

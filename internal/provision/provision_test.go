package provision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/catalog"
	"github.com/shardline/registry/internal/sched"
	"github.com/shardline/registry/internal/wire"
)

type provHarness struct {
	catalog *catalog.Catalog
	prov    *Provisioner
	nodeBus *bus.Bus
	loads   map[string]int
}

func newProvHarness(t *testing.T, window time.Duration) *provHarness {
	t.Helper()

	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { transport.Close() })

	types := bus.NewTypeRegistry()
	wire.RegisterTypes(types)
	exec := sched.NewExecutor(2)
	t.Cleanup(func() { exec.Stop(time.Second) })

	registryBus := bus.New(transport, types, exec, "registry-test")
	nodeBus := bus.New(transport, types, exec, "node-test")
	t.Cleanup(func() { registryBus.Close() })
	t.Cleanup(func() { nodeBus.Close() })

	h := &provHarness{
		catalog: catalog.New(),
		nodeBus: nodeBus,
		loads:   make(map[string]int),
	}
	load := func(serverID string) (int, bool) {
		n, ok := h.loads[serverID]
		return n, ok
	}
	h.prov = New(h.catalog, registryBus, load, exec, window, nil)
	t.Cleanup(h.prov.Stop)
	return h
}

func (h *provHarness) addSlot(t *testing.T, serverID, slotID, variant string, online, max int) {
	t.Helper()
	require.NoError(t, h.catalog.UpdateSlot(serverID, catalog.Slot{
		SlotID:        slotID,
		FamilyID:      "bedwars",
		VariantID:     variant,
		Status:        catalog.SlotAvailable,
		OnlinePlayers: online,
		MaxPlayers:    max,
	}))
}

func TestProvisionPrefersFreeCapacity(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.addSlot(t, "backend-1", "bw-crowded", "", 14, 16)
	h.addSlot(t, "backend-2", "bw-empty", "", 0, 16)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r1"})
	require.Equal(t, OutcomeFull, result.Outcome)
	require.Len(t, result.Slots, 1)
	assert.Equal(t, "bw-empty", result.Slots[0].SlotID)
	assert.Equal(t, catalog.SlotProvisioning, result.Slots[0].Status)
	assert.NotEmpty(t, result.Token)
}

func TestProvisionSpreadsAcrossBackends(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.addSlot(t, "backend-1", "bw-a1", "", 0, 16)
	h.addSlot(t, "backend-1", "bw-a2", "", 0, 16)
	h.addSlot(t, "backend-2", "bw-b1", "", 0, 16)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 2, RequesterID: "r1"})
	require.Equal(t, OutcomeFull, result.Outcome)
	require.Len(t, result.Slots, 2)
	assert.NotEqual(t, result.Slots[0].ServerID, result.Slots[1].ServerID)
}

func TestProvisionLoadBreaksTies(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.catalog.UpdateFamilyCapacities("backend-busy", map[string]int{"bedwars": 5})
	h.catalog.UpdateFamilyCapacities("backend-idle", map[string]int{"bedwars": 5})
	h.addSlot(t, "backend-busy", "bw-busy", "", 0, 16)
	h.addSlot(t, "backend-idle", "bw-idle", "", 0, 16)
	h.loads["backend-busy"] = 200
	h.loads["backend-idle"] = 3

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r1"})
	require.Len(t, result.Slots, 1)
	assert.Equal(t, "backend-idle", result.Slots[0].ServerID)
}

func TestProvisionVariantFilterAndExhaustion(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.addSlot(t, "backend-1", "bw-4", "4x4", 0, 16)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", VariantID: "8x8", DesiredCount: 1, RequesterID: "r1"})
	assert.Equal(t, OutcomeExhausted, result.Outcome)
	assert.Empty(t, result.Slots)
	assert.NotEmpty(t, result.Reason)

	result = h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", VariantID: "4x4", DesiredCount: 1, RequesterID: "r1"})
	assert.Equal(t, OutcomeFull, result.Outcome)
}

func TestProvisionPartialWhenShort(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.addSlot(t, "backend-1", "bw-only", "", 0, 16)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 3, RequesterID: "r1"})
	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.Len(t, result.Slots, 1)
}

func TestProvisionIdempotentWithinWindow(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.addSlot(t, "backend-1", "bw-1", "", 0, 16)
	h.addSlot(t, "backend-2", "bw-2", "", 0, 16)

	req := Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r1"}
	first := h.prov.Provision(context.Background(), req)
	second := h.prov.Provision(context.Background(), req)

	assert.Equal(t, first.Token, second.Token)
	require.Len(t, second.Slots, 1)
	assert.Equal(t, first.Slots[0].SlotID, second.Slots[0].SlotID)

	// A different requester gets its own reservation.
	other := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r2"})
	assert.NotEqual(t, first.Token, other.Token)
	assert.NotEqual(t, first.Slots[0].SlotID, other.Slots[0].SlotID)
}

func TestProvisionPublishesClaimToOwningBackend(t *testing.T) {
	h := newProvHarness(t, time.Minute)
	h.addSlot(t, "backend-1", "bw-1", "", 0, 16)

	var mu sync.Mutex
	var claims []*wire.SlotClaim
	_, err := bus.SubscribeTyped(h.nodeBus, wire.BackendChannel("backend-1"), func(_ context.Context, _ *bus.Envelope, msg *wire.SlotClaim) {
		mu.Lock()
		defer mu.Unlock()
		claims = append(claims, msg)
	})
	require.NoError(t, err)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r1"})
	require.Len(t, result.Slots, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(claims) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, result.Token, claims[0].Token)
	assert.Equal(t, "bw-1", claims[0].SlotID)
}

func TestUnconfirmedClaimReverts(t *testing.T) {
	h := newProvHarness(t, 50*time.Millisecond)
	h.addSlot(t, "backend-1", "bw-1", "", 0, 16)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r1"})
	require.Len(t, result.Slots, 1)

	require.Eventually(t, func() bool {
		slot, ok := h.catalog.Slot("backend-1", "bw-1")
		return ok && slot.Status == catalog.SlotAvailable
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConfirmedClaimSurvivesWindow(t *testing.T) {
	h := newProvHarness(t, 50*time.Millisecond)
	h.addSlot(t, "backend-1", "bw-1", "", 0, 16)

	result := h.prov.Provision(context.Background(), Request{FamilyID: "bedwars", DesiredCount: 1, RequesterID: "r1"})
	require.Len(t, result.Slots, 1)

	// The backend confirms by advertising the slot out of PROVISIONING.
	_, err := h.catalog.TransitionSlot("backend-1", "bw-1", catalog.SlotProvisioning, catalog.SlotAllocated)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	slot, ok := h.catalog.Slot("backend-1", "bw-1")
	require.True(t, ok)
	assert.Equal(t, catalog.SlotAllocated, slot.Status)
}

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/sched"
	"github.com/shardline/registry/internal/wire"
)

func newHandlerHarness(t *testing.T) (*Catalog, *bus.Bus) {
	t.Helper()

	transport := bus.NewMemoryTransport()
	t.Cleanup(func() { transport.Close() })

	types := bus.NewTypeRegistry()
	wire.RegisterTypes(types)
	exec := sched.NewExecutor(2)
	t.Cleanup(func() { exec.Stop(time.Second) })

	registryBus := bus.New(transport, types, exec, "registry-test")
	nodeBus := bus.New(transport, types, exec, "backend-sender")
	t.Cleanup(func() { registryBus.Close() })
	t.Cleanup(func() { nodeBus.Close() })

	c := New()
	h := NewHandler(c)
	require.NoError(t, h.Bind(registryBus))
	t.Cleanup(h.Stop)

	return c, nodeBus
}

func TestHandlerAppliesSlotStatus(t *testing.T) {
	c, nodeBus := newHandlerHarness(t)

	update := &wire.SlotStatusUpdate{
		ServerID:      "backend-1",
		SlotID:        "BedWars 4x4 1",
		FamilyID:      "bedwars",
		VariantID:     "4x4",
		Status:        "AVAILABLE",
		OnlinePlayers: 0,
		MaxPlayers:    16,
	}
	require.NoError(t, nodeBus.Publish(context.Background(), wire.ChanSlotStatus, wire.TypeSlotStatusUpdate, update))

	require.Eventually(t, func() bool {
		_, ok := c.Slot("backend-1", "bedwars-4x4-1")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	slot, _ := c.Slot("backend-1", "bedwars-4x4-1")
	assert.Equal(t, SlotAvailable, slot.Status)
	assert.Equal(t, "4x4", slot.VariantID)
}

func TestHandlerFallsBackToSender(t *testing.T) {
	c, nodeBus := newHandlerHarness(t)

	// An update without an explicit serverId is attributed to the
	// envelope sender.
	update := &wire.SlotStatusUpdate{
		SlotID:     "lobby-1",
		FamilyID:   "lobby",
		Status:     "AVAILABLE",
		MaxPlayers: 64,
	}
	require.NoError(t, nodeBus.Publish(context.Background(), wire.ChanSlotStatus, wire.TypeSlotStatusUpdate, update))

	require.Eventually(t, func() bool {
		_, ok := c.Slot("backend-sender", "lobby-1")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandlerAppliesFamilyAdvertisement(t *testing.T) {
	c, nodeBus := newHandlerHarness(t)

	ad := &wire.FamilyAdvertisement{
		ServerID:   "backend-1",
		Capacities: map[string]int{"bedwars": 4},
		Variants:   map[string][]string{"bedwars": {"4x4"}},
	}
	require.NoError(t, nodeBus.Publish(context.Background(), wire.ChanFamilyAdvertisement, wire.TypeFamilyAdvertisement, ad))

	require.Eventually(t, func() bool {
		return c.PerServerCapacities()["backend-1"]["bedwars"] == 4
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"4x4"}, c.VariantsOfFamily("bedwars"))
}

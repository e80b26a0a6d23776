package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSlotID(t *testing.T) {
	assert.Equal(t, "bedwars-4x4-1", SanitizeSlotID("  BedWars  4x4 1 "))
	assert.Equal(t, "lobby-1", SanitizeSlotID("lobby-1"))
	assert.Equal(t, "", SanitizeSlotID("   "))
}

func TestUpdateSlotValidatesStatus(t *testing.T) {
	c := New()
	err := c.UpdateSlot("backend-1", Slot{SlotID: "lobby-1", FamilyID: "lobby", Status: "SOMETHING"})
	require.Error(t, err)
	assert.Empty(t, c.AllSlots())

	// Status case is normalized.
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "lobby-1", FamilyID: "lobby", Status: "available"}))
	slot, ok := c.Slot("backend-1", "lobby-1")
	require.True(t, ok)
	assert.Equal(t, SlotAvailable, slot.Status)
}

func TestUpdateSlotEnforcesFamilyCapacity(t *testing.T) {
	c := New()
	c.UpdateFamilyCapacities("backend-1", map[string]int{"bedwars": 2})

	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotAvailable}))
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-2", FamilyID: "bedwars", Status: SlotAvailable}))

	// A third new slot exceeds the advertised capacity.
	err := c.UpdateSlot("backend-1", Slot{SlotID: "bw-3", FamilyID: "bedwars", Status: SlotAvailable})
	require.Error(t, err)

	// Updating a known slot is always allowed.
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotInGame}))
}

func TestTransitionSlot(t *testing.T) {
	c := New()
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotAvailable}))

	updated, err := c.TransitionSlot("backend-1", "bw-1", SlotAvailable, SlotProvisioning)
	require.NoError(t, err)
	assert.Equal(t, SlotProvisioning, updated.Status)

	// The expected-from guard rejects a second claim.
	_, err = c.TransitionSlot("backend-1", "bw-1", SlotAvailable, SlotProvisioning)
	require.Error(t, err)

	_, err = c.TransitionSlot("backend-1", "missing", SlotAvailable, SlotProvisioning)
	require.Error(t, err)
	_, err = c.TransitionSlot("backend-2", "bw-1", SlotAvailable, SlotProvisioning)
	require.Error(t, err)
}

func TestRemoveBackendDropsEverything(t *testing.T) {
	c := New()
	c.UpdateFamilyCapacities("backend-1", map[string]int{"bedwars": 5})
	c.UpdateFamilyVariants("backend-1", map[string][]string{"bedwars": {"4x4", "8x8"}})
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotAvailable}))
	require.NoError(t, c.UpdateSlot("backend-2", Slot{SlotID: "bw-9", FamilyID: "bedwars", Status: SlotAvailable}))

	c.RemoveBackend("backend-1")

	_, ok := c.Slot("backend-1", "bw-1")
	assert.False(t, ok)
	assert.Empty(t, c.PerServerCapacities()["backend-1"])
	assert.True(t, c.HasFamily("bedwars"))

	c.RemoveBackend("backend-2")
	assert.False(t, c.HasFamily("bedwars"))
}

func TestAggregateQueries(t *testing.T) {
	c := New()
	c.UpdateFamilyCapacities("backend-1", map[string]int{"bedwars": 5, "lobby": 2})
	c.UpdateFamilyVariants("backend-1", map[string][]string{"bedwars": {"4x4"}})
	c.UpdateFamilyVariants("backend-2", map[string][]string{"bedwars": {"4x4", "8x8"}})
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotAvailable, MaxPlayers: 16}))
	require.NoError(t, c.UpdateSlot("backend-2", Slot{SlotID: "bw-2", FamilyID: "bedwars", Status: SlotInGame, MaxPlayers: 16, OnlinePlayers: 16}))

	variants := c.VariantsOfFamily("bedwars")
	assert.ElementsMatch(t, []string{"4x4", "8x8"}, variants)

	available := c.SlotsOfFamily("bedwars", SlotAvailable)
	require.Len(t, available, 1)
	assert.Equal(t, "bw-1", available[0].SlotID)

	all := c.SlotsOfFamily("bedwars", "")
	assert.Len(t, all, 2)

	counts := c.CountByStatus()
	assert.Equal(t, 1, counts[SlotAvailable])
	assert.Equal(t, 1, counts[SlotInGame])

	caps := c.PerServerCapacities()
	assert.Equal(t, 5, caps["backend-1"]["bedwars"])
}

func TestSlotFree(t *testing.T) {
	s := Slot{MaxPlayers: 16, OnlinePlayers: 12}
	assert.Equal(t, 4, s.Free())
	s.OnlinePlayers = 20
	assert.Equal(t, 0, s.Free())
}

func TestSlotLastUpdatedAdvances(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotAvailable}))
	first, _ := c.Slot("backend-1", "bw-1")

	now = now.Add(time.Second)
	require.NoError(t, c.UpdateSlot("backend-1", Slot{SlotID: "bw-1", FamilyID: "bedwars", Status: SlotAvailable}))
	second, _ := c.Slot("backend-1", "bw-1")
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
}

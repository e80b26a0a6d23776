// Package catalog stores what backends advertise: family capacities,
// family variants, and rolling per-slot status. The provisioning and
// routing services read it; only the advertisement and status-update
// handlers (and backend removal) write it.
package catalog

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SlotStatus is the lifecycle state of a logical slot.
type SlotStatus string

const (
	SlotAvailable    SlotStatus = "AVAILABLE"
	SlotProvisioning SlotStatus = "PROVISIONING"
	SlotAllocated    SlotStatus = "ALLOCATED"
	SlotInGame       SlotStatus = "IN_GAME"
	SlotCooldown     SlotStatus = "COOLDOWN"
	SlotFaulted      SlotStatus = "FAULTED"
)

var validSlotStatus = map[SlotStatus]bool{
	SlotAvailable:    true,
	SlotProvisioning: true,
	SlotAllocated:    true,
	SlotInGame:       true,
	SlotCooldown:     true,
	SlotFaulted:      true,
}

// Slot is a named match/room advertised by a backend.
type Slot struct {
	SlotID        string
	SlotSuffix    string
	ServerID      string
	FamilyID      string
	VariantID     string
	Status        SlotStatus
	OnlinePlayers int
	MaxPlayers    int
	GameType      string
	Metadata      map[string]string
	LastUpdated   time.Time
}

// Free returns the slot's remaining player capacity.
func (s *Slot) Free() int {
	if free := s.MaxPlayers - s.OnlinePlayers; free > 0 {
		return free
	}
	return 0
}

type backendEntry struct {
	capacities map[string]int
	variants   map[string]map[string]bool
	slots      map[string]*Slot
}

// Catalog is the per-backend advertisement store.
type Catalog struct {
	mu       sync.RWMutex
	backends map[string]*backendEntry
	now      func() time.Time
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		backends: make(map[string]*backendEntry),
		now:      time.Now,
	}
}

func (c *Catalog) entry(serverID string) *backendEntry {
	e, ok := c.backends[serverID]
	if !ok {
		e = &backendEntry{
			capacities: make(map[string]int),
			variants:   make(map[string]map[string]bool),
			slots:      make(map[string]*Slot),
		}
		c.backends[serverID] = e
	}
	return e
}

// SanitizeSlotID reduces a raw slot name to its stable short form:
// lowercase, spaces collapsed to single hyphens.
func SanitizeSlotID(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	return strings.Join(fields, "-")
}

// UpdateFamilyCapacities replaces a backend's advertised capacities.
func (c *Catalog) UpdateFamilyCapacities(serverID string, capacities map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(serverID)
	e.capacities = make(map[string]int, len(capacities))
	for family, n := range capacities {
		e.capacities[family] = n
	}
}

// UpdateFamilyVariants replaces a backend's advertised variant sets.
func (c *Catalog) UpdateFamilyVariants(serverID string, variants map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(serverID)
	e.variants = make(map[string]map[string]bool, len(variants))
	for family, vs := range variants {
		set := make(map[string]bool, len(vs))
		for _, v := range vs {
			set[v] = true
		}
		e.variants[family] = set
	}
}

// UpdateSlot applies a rolling slot status update. The slot identifier
// is sanitized; an unknown status is rejected without touching state.
func (c *Catalog) UpdateSlot(serverID string, slot Slot) error {
	status := SlotStatus(strings.ToUpper(string(slot.Status)))
	if !validSlotStatus[status] {
		return fmt.Errorf("unknown slot status %q for %s", slot.Status, slot.SlotID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(serverID)
	id := SanitizeSlotID(slot.SlotID)
	stored, ok := e.slots[id]
	if !ok {
		// A new slot must fit inside the advertised family capacity.
		if capacity, advertised := e.capacities[slot.FamilyID]; advertised {
			count := 0
			for _, s := range e.slots {
				if s.FamilyID == slot.FamilyID {
					count++
				}
			}
			if count >= capacity {
				return fmt.Errorf("backend %s family %s is at capacity %d, rejecting slot %s",
					serverID, slot.FamilyID, capacity, id)
			}
		}
		stored = &Slot{SlotID: id, ServerID: serverID}
		e.slots[id] = stored
	}
	stored.SlotSuffix = slot.SlotSuffix
	stored.FamilyID = slot.FamilyID
	stored.VariantID = slot.VariantID
	stored.Status = status
	stored.OnlinePlayers = slot.OnlinePlayers
	stored.MaxPlayers = slot.MaxPlayers
	stored.GameType = slot.GameType
	stored.Metadata = slot.Metadata
	stored.LastUpdated = c.now()
	return nil
}

// TransitionSlot moves a known slot to a new status, returning the
// updated snapshot. Used by the provisioner for claim/revert cycles.
func (c *Catalog) TransitionSlot(serverID, slotID string, from, to SlotStatus) (Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.backends[serverID]
	if !ok {
		return Slot{}, fmt.Errorf("no catalog entry for backend %s", serverID)
	}
	slot, ok := e.slots[SanitizeSlotID(slotID)]
	if !ok {
		return Slot{}, fmt.Errorf("backend %s has no slot %s", serverID, slotID)
	}
	if from != "" && slot.Status != from {
		return Slot{}, fmt.Errorf("slot %s is %s, expected %s", slotID, slot.Status, from)
	}
	slot.Status = to
	slot.LastUpdated = c.now()
	return *slot, nil
}

// RemoveBackend drops every catalog entry of a backend atomically.
func (c *Catalog) RemoveBackend(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.backends[serverID]; ok {
		delete(c.backends, serverID)
		slog.Info("[Catalog] Removed backend", "id", serverID)
	}
}

// =============================================================================
// AGGREGATE QUERIES
// =============================================================================

// HasFamily reports whether any backend advertises the family.
func (c *Catalog) HasFamily(family string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.backends {
		if _, ok := e.capacities[family]; ok {
			return true
		}
		for _, slot := range e.slots {
			if slot.FamilyID == family {
				return true
			}
		}
	}
	return false
}

// PerServerCapacities returns family capacities grouped by backend.
func (c *Catalog) PerServerCapacities() map[string]map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]int, len(c.backends))
	for serverID, e := range c.backends {
		caps := make(map[string]int, len(e.capacities))
		for family, n := range e.capacities {
			caps[family] = n
		}
		out[serverID] = caps
	}
	return out
}

// VariantsOfFamily returns the union of variants advertised for a
// family across all backends.
func (c *Catalog) VariantsOfFamily(family string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.backends {
		for v := range e.variants[family] {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// SlotsOfFamily returns snapshot copies of the family's slots,
// optionally filtered by status (empty means all).
func (c *Catalog) SlotsOfFamily(family string, status SlotStatus) []Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Slot
	for _, e := range c.backends {
		for _, slot := range e.slots {
			if slot.FamilyID != family {
				continue
			}
			if status != "" && slot.Status != status {
				continue
			}
			out = append(out, *slot)
		}
	}
	return out
}

// AllSlots returns snapshot copies of every slot across all backends.
func (c *Catalog) AllSlots() []Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Slot
	for _, e := range c.backends {
		for _, slot := range e.slots {
			out = append(out, *slot)
		}
	}
	return out
}

// Slot returns a snapshot copy of a single slot.
func (c *Catalog) Slot(serverID, slotID string) (Slot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.backends[serverID]
	if !ok {
		return Slot{}, false
	}
	slot, ok := e.slots[SanitizeSlotID(slotID)]
	if !ok {
		return Slot{}, false
	}
	return *slot, true
}

// CountByStatus returns slot counts grouped by status, for the operator
// status display.
func (c *Catalog) CountByStatus() map[SlotStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[SlotStatus]int)
	for _, e := range c.backends {
		for _, slot := range e.slots {
			out[slot.Status]++
		}
	}
	return out
}

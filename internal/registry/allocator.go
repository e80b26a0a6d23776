package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Allocator hands out the instance component of node identifiers:
// lowest free slot first per kind, within [0, MaxInstance]. Released
// slots return to the free pool immediately; reserved slots sit in a
// cool-down list so a crashing node's duplicate re-registration attempts
// cannot grab a recycled identity. With recycling disabled, released
// slots stay parked until process restart.
type Allocator struct {
	mu       sync.Mutex
	used     map[NodeKind]map[int]bool
	reserved map[NodeKind]map[int]time.Time
	recycle  bool
	now      func() time.Time
}

// NewAllocator creates an allocator. recycle mirrors the
// registry.recycle-ids config knob.
func NewAllocator(recycle bool) *Allocator {
	return &Allocator{
		used: map[NodeKind]map[int]bool{
			KindProxy:   make(map[int]bool),
			KindBackend: make(map[int]bool),
		},
		reserved: map[NodeKind]map[int]time.Time{
			KindProxy:   make(map[int]time.Time),
			KindBackend: make(map[int]time.Time),
		},
		recycle: recycle,
		now:     time.Now,
	}
}

// AllocateProxy stamps a fresh proxy identifier.
func (a *Allocator) AllocateProxy() (NodeIdentifier, error) {
	return a.allocate(KindProxy)
}

// AllocateBackend stamps a fresh backend identifier.
func (a *Allocator) AllocateBackend() (NodeIdentifier, error) {
	return a.allocate(KindBackend)
}

func (a *Allocator) allocate(kind NodeKind) (NodeIdentifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked(kind)

	used := a.used[kind]
	reserved := a.reserved[kind]
	for instance := 0; instance <= MaxInstance; instance++ {
		if used[instance] {
			continue
		}
		if _, held := reserved[instance]; held {
			continue
		}
		used[instance] = true
		id := NewNodeIdentifier(kind, instance)
		slog.Debug("[Allocator] Allocated", "id", id.String())
		return id, nil
	}
	return NodeIdentifier{}, fmt.Errorf("%w: all %s instances in use", ErrAllocationExhausted, kind)
}

// Release returns the identifier's instance slot to the free pool. With
// recycling disabled the slot stays marked used.
func (a *Allocator) Release(id NodeIdentifier) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.recycle {
		slog.Debug("[Allocator] Recycling disabled, parking instance",
			"kind", id.Kind, "instance", id.Instance)
		return
	}
	delete(a.used[id.Kind], id.Instance)
	delete(a.reserved[id.Kind], id.Instance)
}

// Reserve moves the identifier's instance slot into cool-down for ttl.
// The slot is not allocatable until the hold expires. With recycling
// disabled the slot stays marked used instead.
func (a *Allocator) Reserve(id NodeIdentifier, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.recycle {
		// The slot stays marked used, parked like a released one.
		slog.Debug("[Allocator] Recycling disabled, parking instance",
			"kind", id.Kind, "instance", id.Instance)
		return
	}
	delete(a.used[id.Kind], id.Instance)
	a.reserved[id.Kind][id.Instance] = a.now().Add(ttl)
	slog.Debug("[Allocator] Reserved in cool-down",
		"kind", id.Kind, "instance", id.Instance, "ttl", ttl)
}

// Occupancy reports used and reserved counts for operator display.
func (a *Allocator) Occupancy(kind NodeKind) (used, reserved int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(kind)
	return len(a.used[kind]), len(a.reserved[kind])
}

// expireLocked drops cool-down holds whose ttl has elapsed.
func (a *Allocator) expireLocked(kind NodeKind) {
	now := a.now()
	for instance, until := range a.reserved[kind] {
		if now.After(until) {
			delete(a.reserved[kind], instance)
		}
	}
}

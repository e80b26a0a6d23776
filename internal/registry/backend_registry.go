package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BackendRegistry tracks every registered backend. Mirror image of the
// proxy registry with role queries on top; slot and family state
// advertised by a backend lives in the catalog.
type BackendRegistry struct {
	mu       sync.RWMutex
	records  map[string]*BackendRecord
	byAddr   map[string]string
	removed  map[string]time.Time
	listener StatusListener
	now      func() time.Time
}

// NewBackendRegistry creates an empty backend registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{
		records: make(map[string]*BackendRecord),
		byAddr:  make(map[string]string),
		removed: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetStatusListener wires status transition broadcasts.
func (r *BackendRegistry) SetStatusListener(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Register inserts a new record in RUNNING state, enforcing the one
// active record per (address, port) invariant.
func (r *BackendRegistry) Register(id NodeIdentifier, serverType, role, address string, port, maxCapacity int, version string) (*BackendRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey(address, port)
	if existing, ok := r.byAddr[key]; ok {
		return r.records[existing], fmt.Errorf("%w: backend already at %s as %s", ErrDuplicateRegistration, key, existing)
	}

	now := r.now()
	rec := &BackendRecord{
		ID:            id,
		ServerType:    serverType,
		Role:          role,
		Address:       address,
		Port:          port,
		MaxCapacity:   maxCapacity,
		Version:       version,
		Status:        StatusRunning,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.records[id.String()] = rec
	r.byAddr[key] = id.String()
	slog.Info("[BackendRegistry] Registered",
		"id", id.String(), "role", role, "addr", key, "capacity", maxCapacity)
	return rec, nil
}

// Get returns a snapshot copy of the record.
func (r *BackendRegistry) Get(id string) (BackendRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return BackendRecord{}, false
	}
	return *rec, true
}

// GetByAddress resolves an active (address, port) pair to its record.
func (r *BackendRegistry) GetByAddress(address string, port int) (BackendRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(address, port)]
	if !ok {
		return BackendRecord{}, false
	}
	return *r.records[id], true
}

// List returns snapshot copies of every record.
func (r *BackendRegistry) List() []BackendRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackendRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// ListByRole returns snapshot copies of records with the given role.
func (r *BackendRegistry) ListByRole(role string) []BackendRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BackendRecord
	for _, rec := range r.records {
		if rec.Role == role {
			out = append(out, *rec)
		}
	}
	return out
}

// UpdateStatus moves a record along the status DAG, emitting a status
// change. Illegal transitions are rejected with state untouched.
func (r *BackendRegistry) UpdateStatus(id string, to NodeStatus) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: backend %s", ErrNotFound, id)
	}
	from := rec.Status
	if !canTransition(from, to) {
		r.mu.Unlock()
		return invalidTransition(rec.ID, from, to)
	}
	rec.Status = to
	listener := r.listener
	nodeID := rec.ID
	r.mu.Unlock()

	if listener != nil {
		listener(nodeID, from, to)
	}
	return nil
}

// Heartbeat refreshes liveness and load bookkeeping for the record.
func (r *BackendRegistry) Heartbeat(id string, playerCount int, tps float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.LastHeartbeat = r.now()
	rec.PlayerCount = playerCount
	rec.TPS = tps
	return true
}

// Remove deletes the record. Idempotent.
func (r *BackendRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	delete(r.records, id)
	delete(r.byAddr, addrKey(rec.Address, rec.Port))
	r.removed[id] = r.now()
	slog.Info("[BackendRegistry] Removed", "id", id)
}

// WasRecentlyRegistered reports whether the (address, port) pair has an
// active record registered inside the window.
func (r *BackendRegistry) WasRecentlyRegistered(address string, port int, window time.Duration) (BackendRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(address, port)]
	if !ok {
		return BackendRecord{}, false
	}
	rec := r.records[id]
	if r.now().Sub(rec.RegisteredAt) > window {
		return BackendRecord{}, false
	}
	return *rec, true
}

// Count returns the number of active records.
func (r *BackendRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProxyRegistry tracks every registered proxy. Only the registration
// handler and the heartbeat monitor mutate it.
type ProxyRegistry struct {
	mu       sync.RWMutex
	records  map[string]*ProxyRecord // keyed by canonical identifier
	byAddr   map[string]string       // "addr:port" -> identifier
	removed  map[string]time.Time    // recent removals, for dedup windows
	listener StatusListener
	now      func() time.Time
}

// NewProxyRegistry creates an empty proxy registry.
func NewProxyRegistry() *ProxyRegistry {
	return &ProxyRegistry{
		records: make(map[string]*ProxyRecord),
		byAddr:  make(map[string]string),
		removed: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetStatusListener wires status transition broadcasts.
func (r *ProxyRegistry) SetStatusListener(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func addrKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// Register inserts a new record in RUNNING state. At most one active
// record may exist per (address, port); a conflict returns the existing
// identifier with ErrDuplicateRegistration.
func (r *ProxyRegistry) Register(id NodeIdentifier, address string, port int) (*ProxyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey(address, port)
	if existing, ok := r.byAddr[key]; ok {
		return r.records[existing], fmt.Errorf("%w: proxy already at %s as %s", ErrDuplicateRegistration, key, existing)
	}

	now := r.now()
	rec := &ProxyRecord{
		ID:            id,
		Address:       address,
		Port:          port,
		Status:        StatusRunning,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.records[id.String()] = rec
	r.byAddr[key] = id.String()
	slog.Info("[ProxyRegistry] Registered", "id", id.String(), "addr", key)
	return rec, nil
}

// Get returns a snapshot copy of the record.
func (r *ProxyRegistry) Get(id string) (ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return ProxyRecord{}, false
	}
	return *rec, true
}

// GetByAddress resolves an active (address, port) pair to its record.
func (r *ProxyRegistry) GetByAddress(address string, port int) (ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(address, port)]
	if !ok {
		return ProxyRecord{}, false
	}
	return *r.records[id], true
}

// List returns snapshot copies of every record.
func (r *ProxyRegistry) List() []ProxyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProxyRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// UpdateStatus moves a record along the status DAG, emitting a status
// change. Illegal transitions are rejected with state untouched.
func (r *ProxyRegistry) UpdateStatus(id string, to NodeStatus) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: proxy %s", ErrNotFound, id)
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

// Heartbeat refreshes liveness bookkeeping for the record.
func (r *ProxyRegistry) Heartbeat(id string, playerCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.LastHeartbeat = r.now()
	rec.PlayerCount = playerCount
	return true
}

// Remove deletes the record. Idempotent: removing an unknown identifier
// is a no-op.
func (r *ProxyRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	delete(r.records, id)
	delete(r.byAddr, addrKey(rec.Address, rec.Port))
	r.removed[id] = r.now()
	slog.Info("[ProxyRegistry] Removed", "id", id)
}

// WasRecentlyRegistered reports whether the (address, port) pair has an
// active record registered inside the window. Used by the registration
// handler's dedup step.
func (r *ProxyRegistry) WasRecentlyRegistered(address string, port int, window time.Duration) (ProxyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(address, port)]
	if !ok {
		return ProxyRecord{}, false
	}
	rec := r.records[id]
	if r.now().Sub(rec.RegisteredAt) > window {
		return ProxyRecord{}, false
	}
	return *rec, true
}

// Count returns the number of active records.
func (r *ProxyRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

package routing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClaimProgress summarizes how far a party reservation has come.
// Complete means every member has either claimed or failed; Success
// requires zero failures; Missing lists members with no result yet.
type ClaimProgress struct {
	Complete bool
	Success  bool
	Failures map[string]string
	Missing  []string
}

// PartyAllocation is a grouped commitment of slot capacity for multiple
// players. It is mutated as members are dispatched, connect, or fail,
// and is released when every member has been dispatched or an operator
// releases it explicitly.
type PartyAllocation struct {
	ReservationID string
	FamilyID      string
	VariantID     string
	SlotID        string
	SlotSuffix    string
	ServerID      string
	PartySize     int
	TeamIndex     int
	AllocatedAt   time.Time

	mu         sync.Mutex
	tokens     map[string]string // playerId -> per-member token
	members    []string
	dispatched map[string]bool
	claimed    map[string]bool
	failures   map[string]string
	released   bool
}

// newPartyAllocation mints per-member tokens for the snapshot.
func newPartyAllocation(reservationID, familyID, variantID, slotID, slotSuffix, serverID string, members []string, teamIndex int) *PartyAllocation {
	tokens := make(map[string]string, len(members))
	for _, m := range members {
		tokens[m] = uuid.New().String()
	}
	return &PartyAllocation{
		ReservationID: reservationID,
		FamilyID:      familyID,
		VariantID:     variantID,
		SlotID:        slotID,
		SlotSuffix:    slotSuffix,
		ServerID:      serverID,
		PartySize:     len(members),
		TeamIndex:     teamIndex,
		AllocatedAt:   time.Now(),
		tokens:        tokens,
		members:       append([]string(nil), members...),
		dispatched:    make(map[string]bool),
		claimed:       make(map[string]bool),
		failures:      make(map[string]string),
	}
}

// Token returns the member's dispatch token.
func (a *PartyAllocation) Token(playerID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tokens[playerID]
	return t, ok
}

// MarkDispatched records that a member's route intent went out. Returns
// true when this dispatch released the allocation (every member has
// been dispatched).
func (a *PartyAllocation) MarkDispatched(playerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tokens[playerID]; !ok {
		return false
	}
	a.dispatched[playerID] = true
	if !a.released && len(a.dispatched) >= a.PartySize {
		a.released = true
		return true
	}
	return false
}

// RecordClaim records a member's connect result.
func (a *PartyAllocation) RecordClaim(playerID string, success bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tokens[playerID]; !ok {
		return
	}
	if success {
		a.claimed[playerID] = true
		delete(a.failures, playerID)
		return
	}
	a.failures[playerID] = reason
}

// Release marks the allocation released by explicit request. Returns
// false if it was already released.
func (a *PartyAllocation) Release() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.released = true
	return true
}

// Released reports whether the allocation has been released.
func (a *PartyAllocation) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// FailureCount returns the number of members with a failed claim.
func (a *PartyAllocation) FailureCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

// Members returns the party roster.
func (a *PartyAllocation) Members() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.members...)
}

// Progress snapshots the claim state.
func (a *PartyAllocation) Progress() ClaimProgress {
	a.mu.Lock()
	defer a.mu.Unlock()

	failures := make(map[string]string, len(a.failures))
	for player, r := range a.failures {
		failures[player] = r
	}
	var missing []string
	for _, m := range a.members {
		if !a.claimed[m] {
			if _, failed := a.failures[m]; !failed {
				missing = append(missing, m)
			}
		}
	}
	return ClaimProgress{
		Complete: len(missing) == 0,
		Success:  len(missing) == 0 && len(a.failures) == 0,
		Failures: failures,
		Missing:  missing,
	}
}

// Package provision matches slot requests against the catalog: it
// filters advertised AVAILABLE slots, scores candidates, spreads picks
// across backends, and drives the claim/confirm/revert cycle.
package provision

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/catalog"
	"github.com/shardline/registry/internal/metrics"
	"github.com/shardline/registry/internal/sched"
	"github.com/shardline/registry/internal/wire"
)

// Outcome classifies a provisioning result.
type Outcome string

const (
	OutcomeFull      Outcome = "FULL"
	OutcomePartial   Outcome = "PARTIAL"
	OutcomeExhausted Outcome = "EXHAUSTED"
)

// Request asks for desiredCount slots of a family (optionally narrowed
// to a variant). AffinityHint is a backend identifier preferred on
// ties; RequesterID keys idempotent retries.
type Request struct {
	FamilyID     string
	VariantID    string
	DesiredCount int
	AffinityHint string
	RequesterID  string
}

// Result reports the picked slots and the reservation token. A token is
// stable across repeated requests from the same requester within the
// confirmation window.
type Result struct {
	Outcome Outcome
	Token   string
	Slots   []catalog.Slot
	Reason  string
}

// LoadFunc resolves a backend's current player load for scoring.
type LoadFunc func(serverID string) (players int, ok bool)

type reservation struct {
	token   string
	result  Result
	expires time.Time
}

// Provisioner implements the slot provisioning service.
type Provisioner struct {
	catalog *catalog.Catalog
	bus     *bus.Bus
	load    LoadFunc
	window  time.Duration
	queue   *sched.Queue
	met     *metrics.Metrics

	mu       sync.Mutex
	recent   map[string]*reservation // requester|family|variant -> reservation
	stopped  bool
	timers   []*time.Timer
	now      func() time.Time
}

// New creates a provisioner. window is the claim confirmation window
// after which unconfirmed PROVISIONING slots revert to AVAILABLE.
func New(cat *catalog.Catalog, b *bus.Bus, load LoadFunc, exec *sched.Executor, window time.Duration, met *metrics.Metrics) *Provisioner {
	return &Provisioner{
		catalog: cat,
		bus:     b,
		load:    load,
		window:  window,
		queue:   sched.NewQueue(exec, "provision-confirm"),
		met:     met,
		recent:  make(map[string]*reservation),
		now:     time.Now,
	}
}

// Stop cancels pending confirmation timers.
func (p *Provisioner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
}

func idemKey(req Request) string {
	return req.RequesterID + "|" + req.FamilyID + "|" + req.VariantID
}

// Provision matches a request to candidate slots. Repeated calls with
// the same (requester, family, variant) inside the confirmation window
// return the prior reservation.
func (p *Provisioner) Provision(ctx context.Context, req Request) Result {
	if req.DesiredCount <= 0 {
		req.DesiredCount = 1
	}

	key := idemKey(req)
	p.mu.Lock()
	if prior, ok := p.recent[key]; ok && p.now().Before(prior.expires) {
		p.mu.Unlock()
		return prior.result
	}
	p.mu.Unlock()

	candidates := p.candidates(req)
	if len(candidates) == 0 {
		if p.met != nil {
			p.met.ProvisionRequests.WithLabelValues("exhausted").Inc()
		}
		return Result{Outcome: OutcomeExhausted, Reason: "no available slots for family " + req.FamilyID}
	}

	picked := spread(candidates, req.DesiredCount)
	token := uuid.New().String()

	var claimed []catalog.Slot
	for _, slot := range picked {
		updated, err := p.catalog.TransitionSlot(slot.ServerID, slot.SlotID, catalog.SlotAvailable, catalog.SlotProvisioning)
		if err != nil {
			// Lost a race with another writer; skip this candidate.
			slog.Debug("[Provision] Claim transition failed", "slot", slot.SlotID, "error", err)
			continue
		}
		claimed = append(claimed, updated)

		claim := &wire.SlotClaim{
			Token:       token,
			SlotID:      updated.SlotID,
			FamilyID:    updated.FamilyID,
			VariantID:   updated.VariantID,
			RequesterID: req.RequesterID,
		}
		channel := wire.BackendChannel(updated.ServerID)
		if err := p.bus.Publish(ctx, channel, wire.TypeSlotClaim, claim); err != nil {
			slog.Warn("[Provision] Claim publish failed",
				"slot", updated.SlotID, "server", updated.ServerID, "error", err)
		}
		p.scheduleRevert(updated.ServerID, updated.SlotID)
	}

	result := Result{Token: token, Slots: claimed}
	switch {
	case len(claimed) == 0:
		result.Outcome = OutcomeExhausted
		result.Reason = "all candidates were claimed concurrently"
	case len(claimed) < req.DesiredCount:
		result.Outcome = OutcomePartial
		result.Reason = "insufficient available slots"
	default:
		result.Outcome = OutcomeFull
	}

	if p.met != nil {
		switch result.Outcome {
		case OutcomeFull:
			p.met.ProvisionRequests.WithLabelValues("full").Inc()
		case OutcomePartial:
			p.met.ProvisionRequests.WithLabelValues("partial").Inc()
		default:
			p.met.ProvisionRequests.WithLabelValues("exhausted").Inc()
		}
		p.met.SlotsProvisioned.Add(float64(len(claimed)))
	}

	if len(claimed) > 0 {
		p.mu.Lock()
		p.recent[key] = &reservation{token: token, result: result, expires: p.now().Add(p.window)}
		p.mu.Unlock()
	}
	return result
}

// candidate pairs a slot with the owning backend's load for scoring.
type candidate struct {
	slot catalog.Slot
	load int
}

// candidates filters and scores the catalog for a request: free
// capacity descending, last update recency descending, backend load
// ascending, affinity hint breaking remaining ties.
func (p *Provisioner) candidates(req Request) []candidate {
	slots := p.catalog.SlotsOfFamily(req.FamilyID, catalog.SlotAvailable)

	var out []candidate
	for _, slot := range slots {
		if req.VariantID != "" && slot.VariantID != req.VariantID {
			continue
		}
		load := 0
		if p.load != nil {
			if players, ok := p.load(slot.ServerID); ok {
				load = players
			}
		}
		out = append(out, candidate{slot: slot, load: load})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if af, bf := a.slot.Free(), b.slot.Free(); af != bf {
			return af > bf
		}
		if !a.slot.LastUpdated.Equal(b.slot.LastUpdated) {
			return a.slot.LastUpdated.After(b.slot.LastUpdated)
		}
		if a.load != b.load {
			return a.load < b.load
		}
		if req.AffinityHint != "" && (a.slot.ServerID == req.AffinityHint) != (b.slot.ServerID == req.AffinityHint) {
			return a.slot.ServerID == req.AffinityHint
		}
		return a.slot.SlotID < b.slot.SlotID
	})
	return out
}

// spread picks up to n candidates, preferring distinct backends: a
// first pass takes the best slot per backend in score order, a second
// pass fills the remainder.
func spread(candidates []candidate, n int) []catalog.Slot {
	var picked []catalog.Slot
	usedBackend := make(map[string]bool)
	taken := make(map[int]bool)

	for i, c := range candidates {
		if len(picked) == n {
			return picked
		}
		if usedBackend[c.slot.ServerID] {
			continue
		}
		usedBackend[c.slot.ServerID] = true
		taken[i] = true
		picked = append(picked, c.slot)
	}
	for i, c := range candidates {
		if len(picked) == n {
			break
		}
		if taken[i] {
			continue
		}
		picked = append(picked, c.slot)
	}
	return picked
}

// scheduleRevert arms the confirmation window: a slot still in
// PROVISIONING when it fires goes back to AVAILABLE. A slot the backend
// confirmed (any other status) is left alone.
func (p *Provisioner) scheduleRevert(serverID, slotID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	timer := time.AfterFunc(p.window, func() {
		p.queue.Submit(func(context.Context) {
			if _, err := p.catalog.TransitionSlot(serverID, slotID, catalog.SlotProvisioning, catalog.SlotAvailable); err == nil {
				slog.Info("[Provision] Unconfirmed claim reverted", "server", serverID, "slot", slotID)
				if p.met != nil {
					p.met.SlotsReverted.Inc()
				}
			}
		})
	})
	p.timers = append(p.timers, timer)
	p.mu.Unlock()
}

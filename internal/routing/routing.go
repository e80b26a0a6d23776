// Package routing locates players across the proxy fleet and issues
// route intents, including grouped party reservations against a single
// slot.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/metrics"
	"github.com/shardline/registry/internal/provision"
	"github.com/shardline/registry/internal/wire"
)

// Routing error kinds.
var (
	// ErrPlayerNotFound: no proxy answered the locate broadcast in time.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrRouteInFlight: the player already has an unacknowledged route
	// intent; per-player intents are serialized.
	ErrRouteInFlight = errors.New("route already in flight")
	// ErrNoSlot: provisioning found no slot for the target family.
	ErrNoSlot = errors.New("no slot available")
)

// DefaultLocateTimeout bounds the wait for locate replies.
const DefaultLocateTimeout = 3 * time.Second

// DefaultAckTimeout bounds how long an unacknowledged route intent holds
// the per-player window before it expires.
const DefaultAckTimeout = 10 * time.Second

// LocateResult is the registry's view of where a player currently is.
type LocateResult struct {
	Found      bool
	PlayerID   string
	ServerID   string
	SlotSuffix string
	FamilyID   string
	ProxyID    string
}

// Service implements player locating and routing over the bus.
type Service struct {
	bus           *bus.Bus
	provisioner   *provision.Provisioner
	locateTimeout time.Duration
	ackTimeout    time.Duration
	met           *metrics.Metrics

	mu       sync.Mutex
	waiters  map[string]chan *wire.LocateResponse // correlationId -> waiter
	inflight map[string]string                    // playerId -> intentId
	parties  map[string]*PartyAllocation          // reservationId -> allocation
	unsubs   []func()
}

// NewService creates the routing service. Call Bind to attach it to the
// locate response and route ack channels.
func NewService(b *bus.Bus, p *provision.Provisioner, locateTimeout time.Duration, met *metrics.Metrics) *Service {
	if locateTimeout <= 0 {
		locateTimeout = DefaultLocateTimeout
	}
	return &Service{
		bus:           b,
		provisioner:   p,
		locateTimeout: locateTimeout,
		ackTimeout:    DefaultAckTimeout,
		met:           met,
		waiters:       make(map[string]chan *wire.LocateResponse),
		inflight:      make(map[string]string),
		parties:       make(map[string]*PartyAllocation),
	}
}

// Bind subscribes to locate responses and route acknowledgements.
func (s *Service) Bind() error {
	unsub, err := bus.SubscribeTyped(s.bus, wire.ChanPlayerLocateResponse, s.onLocateResponse)
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)

	unsub, err = bus.SubscribeTyped(s.bus, wire.ChanRouteAck, s.onRouteAck)
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

// Stop detaches from the bus.
func (s *Service) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// =============================================================================
// LOCATE
// =============================================================================

// Locate broadcasts a locate request and returns the first proxy reply.
// The timeout yields a not-found result, not an error about transport.
func (s *Service) Locate(ctx context.Context, query string) (LocateResult, error) {
	correlationID := uuid.New().String()
	waiter := make(chan *wire.LocateResponse, 1)

	s.mu.Lock()
	s.waiters[correlationID] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, correlationID)
		s.mu.Unlock()
	}()

	req := &wire.LocateRequest{Query: query}
	if err := s.bus.PublishCorrelated(ctx, wire.ChanPlayerLocateRequest, wire.TypeLocateRequest, correlationID, req); err != nil {
		return LocateResult{}, fmt.Errorf("locate broadcast: %w", err)
	}

	select {
	case resp := <-waiter:
		if s.met != nil {
			s.met.LocateRequests.WithLabelValues("found").Inc()
		}
		return LocateResult{
			Found:      true,
			PlayerID:   resp.PlayerID,
			ServerID:   resp.ServerID,
			SlotSuffix: resp.SlotSuffix,
			FamilyID:   resp.FamilyID,
			ProxyID:    resp.ProxyID,
		}, nil
	case <-time.After(s.locateTimeout):
		if s.met != nil {
			s.met.LocateRequests.WithLabelValues("not_found").Inc()
		}
		return LocateResult{Found: false}, nil
	case <-ctx.Done():
		return LocateResult{}, ctx.Err()
	}
}

// onLocateResponse resolves the matching waiter; replies after the
// first are ignored (first reply wins).
func (s *Service) onLocateResponse(_ context.Context, env *bus.Envelope, resp *wire.LocateResponse) {
	if !resp.Found {
		return
	}
	s.mu.Lock()
	waiter, ok := s.waiters[env.CorrelationID]
	if ok {
		delete(s.waiters, env.CorrelationID)
	}
	s.mu.Unlock()
	if ok {
		waiter <- resp
	}
}

// =============================================================================
// ROUTE
// =============================================================================

// Route moves a player to the best slot of the target family: locate
// the player, provision one slot, then publish a directed route intent
// to the owning proxy. Intents are serialized per player.
func (s *Service) Route(ctx context.Context, playerID, targetFamily string) (*wire.RouteIntent, error) {
	s.mu.Lock()
	if intentID, busy := s.inflight[playerID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: player %s, intent %s", ErrRouteInFlight, playerID, intentID)
	}
	intentID := uuid.New().String()
	s.inflight[playerID] = intentID
	s.mu.Unlock()

	intent, err := s.route(ctx, intentID, playerID, targetFamily)
	if err != nil {
		s.clearInflight(playerID, intentID)
		return nil, err
	}

	// A lost ack must not leave the player unroutable; the window
	// reopens once the ack deadline passes.
	time.AfterFunc(s.ackTimeout, func() {
		if s.clearInflight(playerID, intentID) {
			slog.Warn("[Routing] Route intent expired without ack",
				"player", playerID, "intent", intentID, "timeout", s.ackTimeout)
		}
	})
	return intent, nil
}

func (s *Service) route(ctx context.Context, intentID, playerID, targetFamily string) (*wire.RouteIntent, error) {
	located, err := s.Locate(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if !located.Found {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}

	result := s.provisioner.Provision(ctx, provision.Request{
		FamilyID:     targetFamily,
		DesiredCount: 1,
		RequesterID:  "route:" + playerID,
	})
	if len(result.Slots) == 0 {
		return nil, fmt.Errorf("%w: family %s (%s)", ErrNoSlot, targetFamily, result.Reason)
	}
	slot := result.Slots[0]

	intent := &wire.RouteIntent{
		IntentID:   intentID,
		PlayerID:   playerID,
		ProxyID:    located.ProxyID,
		ServerID:   slot.ServerID,
		SlotID:     slot.SlotID,
		SlotSuffix: slot.SlotSuffix,
		FamilyID:   targetFamily,
		Token:      result.Token,
	}
	if err := s.bus.Publish(ctx, wire.ChanEnvironmentRoute, wire.TypeRouteIntent, intent); err != nil {
		return nil, fmt.Errorf("route intent publish: %w", err)
	}
	if s.met != nil {
		s.met.RoutesIssued.Inc()
	}
	slog.Info("[Routing] Route intent issued",
		"player", playerID, "family", targetFamily, "slot", slot.SlotID, "server", slot.ServerID)
	return intent, nil
}

// onRouteAck closes the per-player routing window.
func (s *Service) onRouteAck(_ context.Context, _ *bus.Envelope, ack *wire.RouteAck) {
	s.clearInflight(ack.PlayerID, ack.IntentID)
	if !ack.Success {
		slog.Warn("[Routing] Route intent failed",
			"player", ack.PlayerID, "intent", ack.IntentID, "reason", ack.Reason)
	}
}

// clearInflight closes the player's routing window if the given intent
// still owns it.
func (s *Service) clearInflight(playerID, intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.inflight[playerID]; ok && cur == intentID {
		delete(s.inflight, playerID)
		return true
	}
	return false
}

// =============================================================================
// PARTY RESERVATIONS
// =============================================================================

// RouteParty reserves one slot for a whole party and dispatches a route
// intent per member. The returned allocation tracks dispatch and claim
// progress; it is released once every member is dispatched.
func (s *Service) RouteParty(ctx context.Context, snapshot wire.PartyReservationSnapshot, targetFamily, variant string) (*PartyAllocation, error) {
	if len(snapshot.Members) == 0 {
		return nil, fmt.Errorf("party snapshot %s has no members", snapshot.ReservationID)
	}

	result := s.provisioner.Provision(ctx, provision.Request{
		FamilyID:     targetFamily,
		VariantID:    variant,
		DesiredCount: 1,
		RequesterID:  "party:" + snapshot.ReservationID,
	})
	if len(result.Slots) == 0 {
		return nil, fmt.Errorf("%w: family %s for party %s", ErrNoSlot, targetFamily, snapshot.ReservationID)
	}
	slot := result.Slots[0]

	reservationID := snapshot.ReservationID
	if reservationID == "" {
		reservationID = uuid.New().String()
	}
	alloc := newPartyAllocation(reservationID, targetFamily, variant,
		slot.SlotID, slot.SlotSuffix, slot.ServerID, snapshot.Members, snapshot.TeamIndex)

	s.mu.Lock()
	s.parties[reservationID] = alloc
	s.mu.Unlock()

	for _, member := range snapshot.Members {
		token, _ := alloc.Token(member)
		intent := &wire.RouteIntent{
			IntentID:      uuid.New().String(),
			PlayerID:      member,
			ServerID:      slot.ServerID,
			SlotID:        slot.SlotID,
			SlotSuffix:    slot.SlotSuffix,
			FamilyID:      targetFamily,
			ReservationID: reservationID,
			Token:         token,
		}
		if err := s.bus.Publish(ctx, wire.ChanEnvironmentRoute, wire.TypeRouteIntent, intent); err != nil {
			slog.Warn("[Routing] Party intent publish failed",
				"reservation", reservationID, "player", member, "error", err)
			continue
		}
		if s.met != nil {
			s.met.RoutesIssued.Inc()
		}
		s.MarkDispatched(reservationID, member)
	}
	return alloc, nil
}

// Party returns the allocation for a reservation.
func (s *Service) Party(reservationID string) (*PartyAllocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.parties[reservationID]
	return a, ok
}

// MarkDispatched records a member dispatch. Releasing dispatch counts
// the allocation out of the active set.
func (s *Service) MarkDispatched(reservationID, playerID string) {
	s.mu.Lock()
	alloc, ok := s.parties[reservationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if alloc.MarkDispatched(playerID) {
		if s.met != nil {
			s.met.PartiesReleased.Inc()
		}
		slog.Info("[Routing] Party allocation released", "reservation", reservationID)
	}
}

// RecordClaim records a member's connect result. Any claim failure
// marks the reservation unsuccessful and publishes a rollback once the
// roster is complete.
func (s *Service) RecordClaim(ctx context.Context, reservationID, playerID string, success bool, reasonText string) ClaimProgress {
	s.mu.Lock()
	alloc, ok := s.parties[reservationID]
	s.mu.Unlock()
	if !ok {
		return ClaimProgress{}
	}

	alloc.RecordClaim(playerID, success, reasonText)
	progress := alloc.Progress()

	if progress.Complete && !progress.Success {
		s.rollback(ctx, alloc, "claim failures")
	}
	return progress
}

// ReleaseParty releases an allocation by explicit operator request.
func (s *Service) ReleaseParty(reservationID string) bool {
	s.mu.Lock()
	alloc, ok := s.parties[reservationID]
	if ok {
		delete(s.parties, reservationID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if alloc.Release() && s.met != nil {
		s.met.PartiesReleased.Inc()
	}
	return true
}

func (s *Service) rollback(ctx context.Context, alloc *PartyAllocation, reasonText string) {
	msg := &wire.PartyRollback{
		ReservationID: alloc.ReservationID,
		SlotID:        alloc.SlotID,
		Players:       alloc.Members(),
		Reason:        reasonText,
	}
	if err := s.bus.Publish(ctx, wire.ChanPartyRollback, wire.TypePartyRollback, msg); err != nil {
		slog.Warn("[Routing] Rollback publish failed",
			"reservation", alloc.ReservationID, "error", err)
		return
	}
	if s.met != nil {
		s.met.PartyRollbacks.Inc()
	}
	slog.Warn("[Routing] Party reservation rolled back",
		"reservation", alloc.ReservationID, "slot", alloc.SlotID, "reason", reasonText)
}

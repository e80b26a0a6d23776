package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/metrics"
	"github.com/shardline/registry/internal/sched"
	"github.com/shardline/registry/internal/wire"
)

// HandlerSettings tunes the registration protocol windows.
type HandlerSettings struct {
	// DedupWindow: a node re-registering from the same (address, port)
	// inside this window gets its existing identifier back.
	DedupWindow time.Duration
	// RetryInterval: cadence at which a lost response is re-sent while
	// the node keeps repeating its request.
	RetryInterval time.Duration
	// RetryWindow: how long a resolved registration future is kept
	// alive for response retries before it is discarded.
	RetryWindow time.Duration
	// CooldownTTL: how long a timed-out node's identifier is held back
	// from reallocation.
	CooldownTTL time.Duration
	// ReregisterGrace: delay between registry start and the
	// re-registration broadcast that rebuilds state after a restart.
	ReregisterGrace time.Duration
}

// DefaultHandlerSettings returns the protocol defaults.
func DefaultHandlerSettings() HandlerSettings {
	return HandlerSettings{
		DedupWindow:     30 * time.Second,
		RetryInterval:   10 * time.Second,
		RetryWindow:     30 * time.Second,
		CooldownTTL:     90 * time.Second,
		ReregisterGrace: 10 * time.Second,
	}
}

// regFuture is the single in-flight (then lingering) unit of work per
// tempId. While pending, duplicate requests attach to it instead of
// starting new work; once resolved, it powers the lost-response retry
// loop until the retry window closes.
type regFuture struct {
	tempID   string
	resp     *wire.RegistrationResponse
	kind     NodeKind
	created  time.Time
	repeats  int // requests seen since the last response send
	resolved bool
}

// RegistrationHandler orchestrates the join/leave protocol: it consumes
// registration requests, heartbeats, and removal notifications, and is
// the only mutator of the membership registries besides the heartbeat
// monitor.
type RegistrationHandler struct {
	bus      *bus.Bus
	alloc    *Allocator
	proxies  *ProxyRegistry
	backends *BackendRegistry
	monitor  *HeartbeatMonitor
	settings HandlerSettings
	met      *metrics.Metrics
	queue    *sched.Queue

	mu      sync.Mutex
	futures map[string]*regFuture
	timers  []*time.Timer
	stopped bool

	// removeHooks run after a backend leaves, e.g. catalog cleanup.
	removeHooks []func(serverID string)

	unsubs []func()
}

// NewRegistrationHandler wires the handler to its collaborators. Call
// Bind to attach it to the bus and Start to launch the re-registration
// broadcast.
func NewRegistrationHandler(
	b *bus.Bus,
	alloc *Allocator,
	proxies *ProxyRegistry,
	backends *BackendRegistry,
	monitor *HeartbeatMonitor,
	exec *sched.Executor,
	settings HandlerSettings,
	met *metrics.Metrics,
) *RegistrationHandler {
	h := &RegistrationHandler{
		bus:      b,
		alloc:    alloc,
		proxies:  proxies,
		backends: backends,
		monitor:  monitor,
		settings: settings,
		met:      met,
		queue:    sched.NewQueue(exec, "registration"),
		futures:  make(map[string]*regFuture),
	}
	monitor.SetOnTimeout(h.onTimeout)
	return h
}

// AddRemovalHook registers a callback invoked after a backend record is
// removed for any reason.
func (h *RegistrationHandler) AddRemovalHook(hook func(serverID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeHooks = append(h.removeHooks, hook)
}

// Bind subscribes the handler to its inbound channels and marks the
// registry's side-effect channels emit-only so it never consumes its own
// removal announcements.
func (h *RegistrationHandler) Bind() error {
	h.bus.MarkEmitOnly(
		wire.ChanServerAdded,
		wire.ChanServerRemoved,
		wire.ChanProxyRemoved,
		wire.ChanProxyUnavailable,
		wire.ChanStatusChange,
		wire.ChanReregistration,
	)

	subs := []struct {
		channel string
		sub     func() (func(), error)
	}{
		{wire.ChanRegistrationRequest, func() (func(), error) {
			return bus.SubscribeTyped(h.bus, wire.ChanRegistrationRequest, h.onRequest)
		}},
		{wire.ChanHeartbeat, func() (func(), error) {
			return bus.SubscribeTyped(h.bus, wire.ChanHeartbeat, h.onHeartbeat)
		}},
		{wire.ChanProxyUnregister, func() (func(), error) {
			return bus.SubscribeTyped(h.bus, wire.ChanProxyUnregister, h.onRemovalNotification)
		}},
	}
	for _, s := range subs {
		unsub, err := s.sub()
		if err != nil {
			return err
		}
		h.unsubs = append(h.unsubs, unsub)
	}
	return nil
}

// Start schedules the re-registration broadcast: after a grace period,
// nodes that survived a registry restart are asked to register again.
func (h *RegistrationHandler) Start(ctx context.Context) {
	h.afterFunc(h.settings.ReregisterGrace, func() {
		slog.Info("[Registration] Broadcasting re-registration request")
		if err := h.bus.Publish(ctx, wire.ChanReregistration, wire.TypeReregistration,
			&wire.ReregistrationRequest{RegistryID: h.bus.SenderID()}); err != nil {
			slog.Warn("[Registration] Re-registration broadcast failed", "error", err)
		}
	})
}

// Stop cancels outstanding futures and timers and detaches from the bus.
func (h *RegistrationHandler) Stop() {
	h.mu.Lock()
	h.stopped = true
	for _, t := range h.timers {
		t.Stop()
	}
	h.timers = nil
	h.futures = make(map[string]*regFuture)
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// afterFunc tracks timers so Stop can cancel them.
func (h *RegistrationHandler) afterFunc(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.timers = append(h.timers, time.AfterFunc(d, fn))
}

// =============================================================================
// REGISTRATION
// =============================================================================

func (h *RegistrationHandler) onRequest(ctx context.Context, env *bus.Envelope, req *wire.RegistrationRequest) {
	if req.TempID == "" {
		slog.Warn("[Registration] Dropping request without tempId", "sender", env.SenderID)
		return
	}

	h.mu.Lock()
	if f, ok := h.futures[req.TempID]; ok {
		// Dedup by tempId: attach to the in-flight (or lingering) future.
		// The repeat counter drives the lost-response retry loop.
		f.repeats++
		h.mu.Unlock()
		return
	}
	f := &regFuture{tempID: req.TempID, created: time.Now()}
	h.futures[req.TempID] = f
	h.mu.Unlock()

	// Serialize registration work; responses go out from the same queue
	// so a node never sees its NodeAdded before its response.
	reqCopy := *req
	h.queue.Submit(func(ctx context.Context) {
		h.process(ctx, f, &reqCopy)
	})

	// Retry loop and expiry for this future.
	h.scheduleRetry(f, h.settings.RetryInterval)
	h.afterFunc(h.settings.RetryWindow, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.futures[f.tempID]; ok && cur == f {
			if !f.resolved {
				slog.Warn("[Registration] Future timed out unresolved", "tempId", f.tempID)
			}
			delete(h.futures, f.tempID)
		}
	})
}

func (h *RegistrationHandler) process(ctx context.Context, f *regFuture, req *wire.RegistrationRequest) {
	kind := KindBackend
	if req.ServerType == string(KindProxy) {
		kind = KindProxy
	}
	f.kind = kind

	resp := &wire.RegistrationResponse{TempID: req.TempID}

	assigned, reused, err := h.admit(kind, req)
	if err == nil {
		resp.Success = true
		resp.AssignedID = assigned.String()
	} else {
		resp.Success = false
		resp.Reason = reason(err)
		slog.Warn("[Registration] Rejected",
			"tempId", req.TempID, "addr", req.Address, "port", req.Port, "reason", resp.Reason)
	}

	h.mu.Lock()
	f.resp = resp
	f.resolved = true
	h.mu.Unlock()

	if resp.Success {
		// Seed liveness so the newcomer is not evicted before its first
		// real heartbeat.
		h.monitor.Record(resp.AssignedID, 0, 0)
	}

	h.sendResponse(ctx, resp, kind)

	if h.met != nil {
		outcome := "accepted"
		if !resp.Success {
			outcome = "rejected"
		} else if reused {
			outcome = "reused"
		}
		h.met.RegistrationsTotal.WithLabelValues(string(kind), outcome).Inc()
	}

	if resp.Success && !reused {
		h.announce(ctx, kind, assigned, req)
	}
}

// admit performs the dedup-or-allocate step. The bool result reports
// whether an existing identifier was reused.
func (h *RegistrationHandler) admit(kind NodeKind, req *wire.RegistrationRequest) (NodeIdentifier, bool, error) {
	// Dedup by (address, port): a node that registered within the window
	// gets the same identifier back and no second announcement.
	if kind == KindProxy {
		if rec, ok := h.proxies.WasRecentlyRegistered(req.Address, req.Port, h.settings.DedupWindow); ok {
			return rec.ID, true, nil
		}
	} else {
		if rec, ok := h.backends.WasRecentlyRegistered(req.Address, req.Port, h.settings.DedupWindow); ok {
			return rec.ID, true, nil
		}
	}

	// Lock order: allocator before registry.
	var id NodeIdentifier
	var err error
	if kind == KindProxy {
		id, err = h.alloc.AllocateProxy()
	} else {
		id, err = h.alloc.AllocateBackend()
	}
	if err != nil {
		return NodeIdentifier{}, false, err
	}

	if kind == KindProxy {
		_, err = h.proxies.Register(id, req.Address, req.Port)
	} else {
		_, err = h.backends.Register(id, req.ServerType, req.Role, req.Address, req.Port, req.MaxCapacity, req.Version)
	}
	if err != nil {
		// Lost the race to another registration at the same address, or
		// the node came back after the dedup window while its old record
		// is still active. Either way the existing identity wins.
		h.alloc.Release(id)
		if kind == KindProxy {
			if rec, ok := h.proxies.GetByAddress(req.Address, req.Port); ok {
				return rec.ID, true, nil
			}
		} else {
			if rec, ok := h.backends.GetByAddress(req.Address, req.Port); ok {
				return rec.ID, true, nil
			}
		}
		return NodeIdentifier{}, false, err
	}

	if h.met != nil {
		h.met.ActiveNodes.WithLabelValues(string(kind)).Inc()
	}
	return id, false, nil
}

// sendResponse publishes the response on the kind's broadcast channel
// and the tempId-scoped channel, redundantly for late subscribers.
func (h *RegistrationHandler) sendResponse(ctx context.Context, resp *wire.RegistrationResponse, kind NodeKind) {
	broadcast := wire.ChanRegistrationResponse
	if kind == KindProxy {
		broadcast = wire.ChanProxyRegistration
	}
	for _, channel := range []string{broadcast, wire.TempResponseChannel(resp.TempID)} {
		if err := h.bus.Publish(ctx, channel, wire.TypeRegistrationResponse, resp); err != nil {
			slog.Warn("[Registration] Response publish failed",
				"channel", channel, "tempId", resp.TempID, "error", err)
		}
	}
}

func (h *RegistrationHandler) announce(ctx context.Context, kind NodeKind, id NodeIdentifier, req *wire.RegistrationRequest) {
	if kind != KindBackend {
		return
	}
	added := &wire.ServerAdded{
		AssignedID: id.String(),
		Role:       req.Role,
		Address:    req.Address,
		Port:       req.Port,
	}
	if err := h.bus.Publish(ctx, wire.ChanServerAdded, wire.TypeServerAdded, added); err != nil {
		slog.Warn("[Registration] ServerAdded publish failed", "id", id.String(), "error", err)
	}
}

// scheduleRetry re-sends the response every interval while the node
// keeps repeating its request, until the future is discarded.
func (h *RegistrationHandler) scheduleRetry(f *regFuture, interval time.Duration) {
	h.afterFunc(interval, func() {
		h.mu.Lock()
		cur, ok := h.futures[f.tempID]
		if !ok || cur != f || !f.resolved {
			if ok && cur == f {
				// Not resolved yet; keep watching.
				h.mu.Unlock()
				h.scheduleRetry(f, interval)
				return
			}
			h.mu.Unlock()
			return
		}
		repeat := f.repeats > 0
		f.repeats = 0
		resp := f.resp
		kind := f.kind
		h.mu.Unlock()

		if repeat {
			slog.Info("[Registration] Re-sending response", "tempId", f.tempID)
			if h.met != nil {
				h.met.RegistrationRetries.Inc()
			}
			h.sendResponse(context.Background(), resp, kind)
		}
		h.scheduleRetry(f, interval)
	})
}

// =============================================================================
// HEARTBEATS AND REMOVAL
// =============================================================================

func (h *RegistrationHandler) onHeartbeat(ctx context.Context, _ *bus.Envelope, hb *wire.Heartbeat) {
	if hb.NodeID == "" {
		return
	}
	if h.met != nil {
		h.met.HeartbeatsTotal.Inc()
	}

	if hb.Status == wire.HeartbeatShutdown {
		h.gracefulRemoval(ctx, hb.NodeID)
		return
	}

	h.monitor.Record(hb.NodeID, hb.PlayerCount, hb.TPS)
	if !h.backends.Heartbeat(hb.NodeID, hb.PlayerCount, hb.TPS) {
		h.proxies.Heartbeat(hb.NodeID, hb.PlayerCount)
	}
}

func (h *RegistrationHandler) onRemovalNotification(ctx context.Context, _ *bus.Envelope, note *wire.RemovalNotification) {
	if note.NodeID == "" {
		return
	}
	h.gracefulRemoval(ctx, note.NodeID)
}

// gracefulRemoval handles a node announcing its own departure: STOPPING,
// remove, broadcast, immediate identifier release. Bypasses cool-down.
func (h *RegistrationHandler) gracefulRemoval(ctx context.Context, nodeID string) {
	id, err := ParseNodeIdentifier(nodeID)
	if err != nil {
		slog.Warn("[Registration] Removal for unparseable id", "id", nodeID, "error", err)
		return
	}

	h.monitor.Forget(nodeID)

	if id.Kind == KindProxy {
		if _, ok := h.proxies.Get(nodeID); !ok {
			return
		}
		if err := h.proxies.UpdateStatus(nodeID, StatusStopping); err != nil {
			slog.Debug("[Registration] Graceful status skip", "id", nodeID, "error", err)
		}
		h.proxies.Remove(nodeID)
		h.publishRemoval(ctx, id, true, "shutdown")
	} else {
		if _, ok := h.backends.Get(nodeID); !ok {
			return
		}
		if err := h.backends.UpdateStatus(nodeID, StatusStopping); err != nil {
			slog.Debug("[Registration] Graceful status skip", "id", nodeID, "error", err)
		}
		h.backends.Remove(nodeID)
		h.publishRemoval(ctx, id, true, "shutdown")
		h.runRemovalHooks(nodeID)
	}

	h.alloc.Release(id)
	if h.met != nil {
		h.met.ActiveNodes.WithLabelValues(string(id.Kind)).Dec()
	}
	slog.Info("[Registration] Graceful removal complete", "id", nodeID)
}

// onTimeout handles heartbeat-driven eviction: DEAD, remove, reserve the
// identifier in cool-down, broadcast unavailability.
func (h *RegistrationHandler) onTimeout(nodeID string) {
	id, err := ParseNodeIdentifier(nodeID)
	if err != nil {
		slog.Warn("[Registration] Timeout for unparseable id", "id", nodeID, "error", err)
		return
	}
	ctx := context.Background()

	// The monitor may track nodes the registries never admitted; the
	// eviction only proceeds when both agree the node existed.
	if id.Kind == KindProxy {
		if _, ok := h.proxies.Get(nodeID); !ok {
			return
		}
		if err := h.proxies.UpdateStatus(nodeID, StatusDead); err != nil {
			slog.Debug("[Registration] Timeout status skip", "id", nodeID, "error", err)
		}
		h.proxies.Remove(nodeID)
		h.publishUnavailable(ctx, id)
	} else {
		if _, ok := h.backends.Get(nodeID); !ok {
			return
		}
		if err := h.backends.UpdateStatus(nodeID, StatusDead); err != nil {
			slog.Debug("[Registration] Timeout status skip", "id", nodeID, "error", err)
		}
		h.backends.Remove(nodeID)
		h.publishRemoval(ctx, id, false, "timeout")
		h.runRemovalHooks(nodeID)
	}

	h.alloc.Reserve(id, h.settings.CooldownTTL)
	if h.met != nil {
		h.met.ActiveNodes.WithLabelValues(string(id.Kind)).Dec()
		h.met.TimeoutsTotal.WithLabelValues(string(id.Kind)).Inc()
	}
}

func (h *RegistrationHandler) publishRemoval(ctx context.Context, id NodeIdentifier, graceful bool, reason string) {
	if id.Kind == KindProxy {
		msg := &wire.ProxyRemoved{ProxyID: id.String(), GracefulShutdown: graceful}
		if err := h.bus.Publish(ctx, wire.ChanProxyRemoved, wire.TypeProxyRemoved, msg); err != nil {
			slog.Warn("[Registration] ProxyRemoved publish failed", "id", id.String(), "error", err)
		}
		return
	}
	msg := &wire.ServerRemoved{ServerID: id.String(), Reason: reason}
	if err := h.bus.Publish(ctx, wire.ChanServerRemoved, wire.TypeServerRemoved, msg); err != nil {
		slog.Warn("[Registration] ServerRemoved publish failed", "id", id.String(), "error", err)
	}
}

func (h *RegistrationHandler) publishUnavailable(ctx context.Context, id NodeIdentifier) {
	msg := &wire.ProxyUnavailable{ProxyID: id.String()}
	if err := h.bus.Publish(ctx, wire.ChanProxyUnavailable, wire.TypeProxyUnavailable, msg); err != nil {
		slog.Warn("[Registration] ProxyUnavailable publish failed", "id", id.String(), "error", err)
	}
}

func (h *RegistrationHandler) runRemovalHooks(serverID string) {
	h.mu.Lock()
	hooks := make([]func(string), len(h.removeHooks))
	copy(hooks, h.removeHooks)
	h.mu.Unlock()
	for _, hook := range hooks {
		hook(serverID)
	}
}

// reason maps an error to the concise machine-readable string carried in
// failed responses.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrAllocationExhausted):
		return "allocation-exhausted"
	case errors.Is(err, ErrDuplicateRegistration):
		return "duplicate-registration"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant-violation"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal-error"
	}
}

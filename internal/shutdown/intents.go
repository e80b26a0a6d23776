// Package shutdown coordinates operator-scheduled multi-target graceful
// shutdowns: countdown, evacuation gating, execution, cancellation.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/wire"
)

// TargetKind distinguishes shutdown target populations.
type TargetKind string

const (
	TargetBackend TargetKind = "BACKEND"
	TargetProxy   TargetKind = "PROXY"
)

// Target names one node to shut down.
type Target struct {
	ID   string
	Kind TargetKind
}

// IntentState is the lifecycle of a shutdown intent.
type IntentState string

const (
	IntentScheduled IntentState = "scheduled"
	IntentExecuting IntentState = "executing"
	IntentCancelled IntentState = "cancelled"
	IntentDone      IntentState = "done"
)

// Intent is one scheduled shutdown.
type Intent struct {
	ID        string
	Targets   []Target
	Countdown int
	Reason    string
	Force     bool
	State     IntentState
	CreatedAt time.Time

	remaining int
	evacuated map[string]bool
	ticker    *time.Ticker
	stop      chan struct{}
}

// PlayerCountFunc resolves a node's current player count. ok is false
// for nodes the registries no longer track (treated as drained).
type PlayerCountFunc func(nodeID string) (players int, ok bool)

// EvacuateFunc moves a node into EVACUATING ahead of a non-forced
// shutdown.
type EvacuateFunc func(nodeID string) error

// Manager owns all shutdown intents.
type Manager struct {
	bus       *bus.Bus
	players   PlayerCountFunc
	evacuate  EvacuateFunc
	mu        sync.Mutex
	intents   map[string]*Intent
	unsubs    []func()
}

// NewManager creates the intent manager.
func NewManager(b *bus.Bus, players PlayerCountFunc, evacuate EvacuateFunc) *Manager {
	return &Manager{
		bus:      b,
		players:  players,
		evacuate: evacuate,
		intents:  make(map[string]*Intent),
	}
}

// Bind subscribes to evacuation responses gating non-forced execution.
func (m *Manager) Bind() error {
	unsub, err := bus.SubscribeTyped(m.bus, wire.ChanEvacuationResponse, m.onEvacuationResponse)
	if err != nil {
		return err
	}
	m.unsubs = append(m.unsubs, unsub)
	return nil
}

// Stop cancels every pending intent and detaches from the bus.
func (m *Manager) Stop() {
	m.mu.Lock()
	var pending []*Intent
	for _, intent := range m.intents {
		if intent.State == IntentScheduled {
			pending = append(pending, intent)
		}
	}
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, intent := range pending {
		m.CancelIntent(intent.ID, "registry-stop")
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

// CreateIntent schedules a shutdown of the targets after a countdown.
// force skips evacuation checks; otherwise execution waits for every
// target to drain or report evacuation complete.
func (m *Manager) CreateIntent(ctx context.Context, targets []Target, countdownSeconds int, reasonText string, force bool) (*Intent, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("shutdown intent needs at least one target")
	}
	if countdownSeconds < 0 {
		countdownSeconds = 0
	}

	intent := &Intent{
		ID:        uuid.New().String(),
		Targets:   targets,
		Countdown: countdownSeconds,
		Reason:    reasonText,
		Force:     force,
		State:     IntentScheduled,
		CreatedAt: time.Now(),
		remaining: countdownSeconds,
		evacuated: make(map[string]bool),
		stop:      make(chan struct{}),
	}

	m.mu.Lock()
	m.intents[intent.ID] = intent
	m.mu.Unlock()

	ids := targetIDs(targets)
	starting := &wire.ShutdownStarting{
		IntentID:  intent.ID,
		Targets:   ids,
		Countdown: countdownSeconds,
		Reason:    reasonText,
		Force:     force,
	}
	if err := m.bus.Publish(ctx, wire.ChanShutdownStarting, wire.TypeShutdownStarting, starting); err != nil {
		slog.Warn("[Shutdown] Starting publish failed", "intent", intent.ID, "error", err)
	}

	if !force {
		for _, t := range targets {
			if m.evacuate != nil {
				if err := m.evacuate(t.ID); err != nil {
					slog.Debug("[Shutdown] Evacuation status skip", "target", t.ID, "error", err)
				}
			}
			req := &wire.EvacuationRequest{NodeID: t.ID, IntentID: intent.ID}
			if err := m.bus.Publish(ctx, wire.ChanEvacuationRequest, wire.TypeEvacuationRequest, req); err != nil {
				slog.Warn("[Shutdown] Evacuation request failed", "target", t.ID, "error", err)
			}
		}
	}

	intent.ticker = time.NewTicker(time.Second)
	go m.run(intent)

	slog.Info("[Shutdown] Intent scheduled",
		"intent", intent.ID, "targets", len(targets), "countdown", countdownSeconds, "force", force)
	return intent, nil
}

// CancelIntent aborts a scheduled intent and announces the cancellation.
func (m *Manager) CancelIntent(intentID, requester string) error {
	m.mu.Lock()
	intent, ok := m.intents[intentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no shutdown intent %s", intentID)
	}
	if intent.State != IntentScheduled {
		state := intent.State
		m.mu.Unlock()
		return fmt.Errorf("shutdown intent %s is %s, cannot cancel", intentID, state)
	}
	intent.State = IntentCancelled
	close(intent.stop)
	m.mu.Unlock()

	msg := &wire.ShutdownCancelled{IntentID: intentID, Requester: requester}
	if err := m.bus.Publish(context.Background(), wire.ChanShutdownCancelled, wire.TypeShutdownCancelled, msg); err != nil {
		slog.Warn("[Shutdown] Cancelled publish failed", "intent", intentID, "error", err)
	}
	slog.Info("[Shutdown] Intent cancelled", "intent", intentID, "requester", requester)
	return nil
}

// Intents returns snapshots of every known intent.
func (m *Manager) Intents() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Intent, 0, len(m.intents))
	for _, intent := range m.intents {
		out = append(out, Intent{
			ID:        intent.ID,
			Targets:   intent.Targets,
			Countdown: intent.Countdown,
			Reason:    intent.Reason,
			Force:     intent.Force,
			State:     intent.State,
			CreatedAt: intent.CreatedAt,
		})
	}
	return out
}

// run ticks the countdown and executes when it reaches zero and the
// evacuation gate opens.
func (m *Manager) run(intent *Intent) {
	defer intent.ticker.Stop()
	for {
		select {
		case <-intent.stop:
			return
		case <-intent.ticker.C:
			m.mu.Lock()
			if intent.State != IntentScheduled {
				m.mu.Unlock()
				return
			}
			if intent.remaining > 0 {
				intent.remaining--
				if intent.remaining > 0 && intent.remaining%10 == 0 {
					slog.Info("[Shutdown] Countdown",
						"intent", intent.ID, "remaining", intent.remaining)
				}
				m.mu.Unlock()
				continue
			}
			if !intent.Force && !m.drainedLocked(intent) {
				// Keep ticking until targets drain or evacuation completes.
				m.mu.Unlock()
				continue
			}
			intent.State = IntentExecuting
			m.mu.Unlock()

			m.execute(intent)
			return
		}
	}
}

// drainedLocked reports whether every target is safe to stop: player
// count reached zero, evacuation reported complete, or the registries
// no longer track it.
func (m *Manager) drainedLocked(intent *Intent) bool {
	for _, t := range intent.Targets {
		if intent.evacuated[t.ID] {
			continue
		}
		if m.players == nil {
			continue
		}
		players, ok := m.players(t.ID)
		if ok && players > 0 {
			return false
		}
	}
	return true
}

func (m *Manager) execute(intent *Intent) {
	msg := &wire.ShutdownExecute{
		IntentID: intent.ID,
		Targets:  targetIDs(intent.Targets),
		Force:    intent.Force,
	}
	if err := m.bus.Publish(context.Background(), wire.ChanShutdownExecute, wire.TypeShutdownExecute, msg); err != nil {
		slog.Warn("[Shutdown] Execute publish failed", "intent", intent.ID, "error", err)
	}

	m.mu.Lock()
	intent.State = IntentDone
	m.mu.Unlock()
	slog.Info("[Shutdown] Intent executed", "intent", intent.ID, "targets", len(intent.Targets))
}

func (m *Manager) onEvacuationResponse(_ context.Context, _ *bus.Envelope, resp *wire.EvacuationResponse) {
	if !resp.Completed {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.intents {
		if resp.IntentID != "" && intent.ID != resp.IntentID {
			continue
		}
		for _, t := range intent.Targets {
			if t.ID == resp.NodeID {
				intent.evacuated[resp.NodeID] = true
			}
		}
	}
}

func targetIDs(targets []Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	return ids
}

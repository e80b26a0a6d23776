package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// TransportState classifies transport status events.
type TransportState string

const (
	TransportConnected    TransportState = "CONNECTED"
	TransportDisconnected TransportState = "DISCONNECTED"
	TransportReconnected  TransportState = "RECONNECTED"
)

// TransportStatus is emitted on the status channel when connectivity
// changes. Detail carries the driver error, if any.
type TransportStatus struct {
	State  TransportState
	Detail string
}

// Transport is the uniform publish/subscribe surface. Publish is
// best-effort fire-and-forget; subscribe failures surface synchronously.
// Implementations guarantee per-channel FIFO from a single publisher and
// never replay messages to subscribers added after publication.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
	Status() <-chan TransportStatus
	Close() error
}

// =============================================================================
// IN-MEMORY TRANSPORT (single process, tests and Redis-less deployments)
// =============================================================================

// memorySub is a single subscriber with its own delivery queue. A
// dedicated drain goroutine preserves per-channel FIFO while keeping
// publishers decoupled from slow handlers.
type memorySub struct {
	id      int
	queue   chan []byte
	done    chan struct{}
	handler func([]byte)
}

// MemoryTransport is an in-process broadcast transport with
// per-subscriber queues.
type MemoryTransport struct {
	mu      sync.RWMutex
	subs    map[string][]*memorySub
	status  chan TransportStatus
	nextID  int
	closed  bool
	queueSz int
}

// NewMemoryTransport creates an in-process transport. Each subscriber
// gets a buffered queue of 256 messages; overflow drops with a warning.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:    make(map[string][]*memorySub),
		status:  make(chan TransportStatus, 4),
		queueSz: 256,
	}
}

// Publish enqueues the payload on every current subscriber of the
// channel. Subscribers added afterwards do not receive it.
func (t *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return fmt.Errorf("memory transport is closed")
	}

	for _, sub := range t.subs[channel] {
		select {
		case sub.queue <- payload:
		default:
			slog.Warn("[MemoryTransport] Subscriber queue full, dropping message",
				"channel", channel, "subscriber", sub.id)
		}
	}
	return nil
}

// Subscribe registers a listener on a channel and returns its
// unsubscribe function.
func (t *MemoryTransport) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("memory transport is closed")
	}

	t.nextID++
	sub := &memorySub{
		id:      t.nextID,
		queue:   make(chan []byte, t.queueSz),
		done:    make(chan struct{}),
		handler: handler,
	}
	t.subs[channel] = append(t.subs[channel], sub)
	t.mu.Unlock()

	go sub.drain()

	id := sub.id
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.subs[channel]
		for i, e := range entries {
			if e.id == id {
				t.subs[channel] = append(entries[:i], entries[i+1:]...)
				close(e.done)
				break
			}
		}
	}, nil
}

func (s *memorySub) drain() {
	for {
		select {
		case payload := <-s.queue:
			s.handler(payload)
		case <-s.done:
			return
		}
	}
}

// Status returns the status event channel. The memory transport never
// disconnects, so it only reports the initial connected state.
func (t *MemoryTransport) Status() <-chan TransportStatus {
	return t.status
}

// Close stops all subscriber queues.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, entries := range t.subs {
		for _, sub := range entries {
			close(sub.done)
		}
	}
	t.subs = nil
	return nil
}

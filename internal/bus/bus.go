package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shardline/registry/internal/sched"
)

// Handler consumes an envelope on a channel. Exactly one of typed and
// tree is non-nil when the payload decoded; both are nil only for
// envelopes whose payload could not be decoded at all (those are dropped
// before reaching handlers). Every handler on a channel receives the
// same decoded payload and runs concurrently with its siblings, so
// handlers must treat typed and tree as read-only.
type Handler func(ctx context.Context, env *Envelope, typed any, tree map[string]any)

type handlerEntry struct {
	id int
	fn Handler
}

type channelState struct {
	entries []handlerEntry
	unsub   func()
}

// Bus fans envelopes out to every handler registered on a channel.
// Handlers run on the shared executor. Channels marked emit-only never
// deliver the bus's own envelopes back to local handlers, which keeps
// the registry from consuming its own side-effect notifications.
type Bus struct {
	transport Transport
	types     *TypeRegistry
	exec      *sched.Executor
	senderID  string

	mu       sync.Mutex
	channels map[string]*channelState
	emitOnly map[string]bool
	nextID   int
	closed   bool

	onPublish func(channel string)
	onDrop    func()
}

// New creates a bus over the given transport. senderID stamps outgoing
// envelopes and filters self-delivery on emit-only channels.
func New(transport Transport, types *TypeRegistry, exec *sched.Executor, senderID string) *Bus {
	return &Bus{
		transport: transport,
		types:     types,
		exec:      exec,
		senderID:  senderID,
		channels:  make(map[string]*channelState),
		emitOnly:  make(map[string]bool),
	}
}

// SenderID returns the identity stamped on outgoing envelopes.
func (b *Bus) SenderID() string { return b.senderID }

// Types returns the shared type registry.
func (b *Bus) Types() *TypeRegistry { return b.types }

// SetInstrumentation installs counters for published envelopes and
// envelopes dropped after decode failure. Call before Subscribe.
func (b *Bus) SetInstrumentation(onPublish func(channel string), onDrop func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = onPublish
	b.onDrop = onDrop
}

// MarkEmitOnly records channels whose own publications must not loop
// back into local handlers.
func (b *Bus) MarkEmitOnly(channels ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range channels {
		b.emitOnly[ch] = true
	}
}

// Publish seals a payload into an envelope and broadcasts it.
func (b *Bus) Publish(ctx context.Context, channel, typeTag string, payload any) error {
	return b.PublishCorrelated(ctx, channel, typeTag, "", payload)
}

// PublishCorrelated is Publish with an explicit correlation ID binding
// request/response pairs.
func (b *Bus) PublishCorrelated(ctx context.Context, channel, typeTag, correlationID string, payload any) error {
	env, err := Seal(typeTag, b.senderID, correlationID, payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, channel, data); err != nil {
		return err
	}
	b.mu.Lock()
	onPublish := b.onPublish
	b.mu.Unlock()
	if onPublish != nil {
		onPublish(channel)
	}
	return nil
}

// Subscribe registers a handler on a channel. The first handler on a
// channel opens the transport subscription; the last removal closes it.
func (b *Bus) Subscribe(channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}, nil
	}

	state, ok := b.channels[channel]
	if !ok {
		state = &channelState{}
		unsub, err := b.transport.Subscribe(context.Background(), channel, func(data []byte) {
			b.dispatch(channel, data)
		})
		if err != nil {
			return nil, err
		}
		state.unsub = unsub
		b.channels[channel] = state
	}

	b.nextID++
	id := b.nextID
	state.entries = append(state.entries, handlerEntry{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		st, ok := b.channels[channel]
		if !ok {
			return
		}
		for i, e := range st.entries {
			if e.id == id {
				st.entries = append(st.entries[:i], st.entries[i+1:]...)
				break
			}
		}
		if len(st.entries) == 0 {
			if st.unsub != nil {
				st.unsub()
			}
			delete(b.channels, channel)
		}
	}, nil
}

// dispatch decodes an inbound frame and schedules every handler on the
// executor. Decode failures degrade per the envelope contract and at
// worst drop the message with a warning.
func (b *Bus) dispatch(channel string, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		slog.Warn("[Bus] Dropping malformed envelope", "channel", channel, "error", err)
		b.drop()
		return
	}

	b.mu.Lock()
	if b.emitOnly[channel] && env.SenderID == b.senderID {
		b.mu.Unlock()
		return
	}
	state := b.channels[channel]
	if state == nil {
		b.mu.Unlock()
		return
	}
	entries := make([]handlerEntry, len(state.entries))
	copy(entries, state.entries)
	b.mu.Unlock()

	typed, tree, err := b.types.Decode(env)
	if err != nil {
		slog.Warn("[Bus] Dropping undecodable payload",
			"channel", channel, "type", env.Type, "error", err)
		b.drop()
		return
	}

	for _, entry := range entries {
		fn := entry.fn
		b.exec.Submit(func(ctx context.Context) {
			fn(ctx, env, typed, tree)
		})
	}
}

func (b *Bus) drop() {
	b.mu.Lock()
	onDrop := b.onDrop
	b.mu.Unlock()
	if onDrop != nil {
		onDrop()
	}
}

// Close tears down all channel subscriptions. The transport itself is
// owned by the service and closed separately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, state := range b.channels {
		if state.unsub != nil {
			state.unsub()
		}
	}
	b.channels = nil
}

// SubscribeTyped adapts a strongly typed handler: envelopes whose
// payload decoded into T are forwarded, everything else is ignored.
func SubscribeTyped[T any](b *Bus, channel string, handler func(ctx context.Context, env *Envelope, msg *T)) (func(), error) {
	return b.Subscribe(channel, func(ctx context.Context, env *Envelope, typed any, _ map[string]any) {
		if msg, ok := typed.(*T); ok {
			handler(ctx, env, msg)
		}
	})
}

// Package bus implements the message fabric shared by the registry and
// its fleet: typed envelopes, a pluggable transport (in-memory or Redis
// pub/sub), and a channel-based bus that fans envelopes out to handlers.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Envelope is the self-describing frame carried on every channel.
// Payload stays raw until a handler asks for a typed decode.
type Envelope struct {
	Type          string          `json:"type"`
	SenderID      string          `json:"senderId"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Sent returns the envelope timestamp as a time.Time.
func (e *Envelope) Sent() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire frame. Unknown top-level fields are
// ignored; a frame without a type tag is rejected.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type tag")
	}
	return &env, nil
}

// TypeRegistry maps type tags to payload constructors so handlers can
// decode envelopes without reflection over unknown schemas.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewTypeRegistry creates an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: make(map[string]func() any)}
}

// Register binds a type tag to a payload constructor. Re-registering a
// tag replaces the previous constructor.
func (r *TypeRegistry) Register(typeTag string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeTag] = factory
}

// Known reports whether a constructor is registered for the tag.
func (r *TypeRegistry) Known(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// Decode converts an envelope payload to its registered type. Unknown
// fields in the payload are ignored. When the typed decode fails, or no
// constructor is registered, Decode degrades to a tolerant key/value
// tree. Only when both forms fail does it return an error; decoding
// failures are local and never fatal to the bus.
func (r *TypeRegistry) Decode(env *Envelope) (typed any, tree map[string]any, err error) {
	r.mu.RLock()
	factory := r.factories[env.Type]
	r.mu.RUnlock()

	if factory != nil {
		v := factory()
		if uerr := json.Unmarshal(env.Payload, v); uerr == nil {
			return v, nil, nil
		} else {
			slog.Debug("[Bus] Typed decode failed, trying tolerant tree",
				"type", env.Type, "error", uerr)
		}
	}

	var m map[string]any
	if uerr := json.Unmarshal(env.Payload, &m); uerr != nil {
		return nil, nil, fmt.Errorf("decode payload for %q: %w", env.Type, uerr)
	}
	return nil, m, nil
}

// Seal wraps a payload value into an envelope ready for publishing.
func Seal(typeTag, senderID, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", typeTag, err)
	}
	return &Envelope{
		Type:          typeTag,
		SenderID:      senderID,
		Payload:       raw,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
	}, nil
}

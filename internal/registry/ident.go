package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeKind distinguishes the two node populations.
type NodeKind string

const (
	KindProxy   NodeKind = "proxy"
	KindBackend NodeKind = "backend"
)

// MaxInstance is the largest instance slot per kind; instances occupy
// [0, MaxInstance].
const MaxInstance = 99

// identVersion is the current identifier layout version.
const identVersion = 1

// NodeIdentifier is the immutable, comparable identity of a fleet node.
// The canonical text form is "<kind>-<uuid>-<instance>-<epochMillis>".
type NodeIdentifier struct {
	UUID     uuid.UUID
	Kind     NodeKind
	Instance int
	Epoch    int64
	Version  int
}

// NewNodeIdentifier stamps a fresh identifier for the kind and instance.
func NewNodeIdentifier(kind NodeKind, instance int) NodeIdentifier {
	return NodeIdentifier{
		UUID:     uuid.New(),
		Kind:     kind,
		Instance: instance,
		Epoch:    time.Now().UnixMilli(),
		Version:  identVersion,
	}
}

// Validate checks the identifier invariants: non-nil UUID, instance in
// range, positive timestamp no more than one year in the future.
func (id NodeIdentifier) Validate() error {
	if id.UUID == uuid.Nil {
		return fmt.Errorf("%w: nil uuid", ErrInvariantViolation)
	}
	if id.Kind != KindProxy && id.Kind != KindBackend {
		return fmt.Errorf("%w: unknown kind %q", ErrInvariantViolation, id.Kind)
	}
	if id.Instance < 0 || id.Instance > MaxInstance {
		return fmt.Errorf("%w: instance %d outside [0,%d]", ErrInvariantViolation, id.Instance, MaxInstance)
	}
	if id.Epoch <= 0 {
		return fmt.Errorf("%w: non-positive epoch %d", ErrInvariantViolation, id.Epoch)
	}
	if time.UnixMilli(id.Epoch).After(time.Now().AddDate(1, 0, 0)) {
		return fmt.Errorf("%w: epoch %d more than a year in the future", ErrInvariantViolation, id.Epoch)
	}
	return nil
}

// String returns the canonical text form.
func (id NodeIdentifier) String() string {
	return fmt.Sprintf("%s-%s-%d-%d", id.Kind, id.UUID, id.Instance, id.Epoch)
}

// Equal compares the identity triple (epoch, uuid, instance).
func (id NodeIdentifier) Equal(other NodeIdentifier) bool {
	return id.Epoch == other.Epoch && id.UUID == other.UUID && id.Instance == other.Instance
}

// Less orders identifiers by (epoch, uuid, instance).
func (id NodeIdentifier) Less(other NodeIdentifier) bool {
	if id.Epoch != other.Epoch {
		return id.Epoch < other.Epoch
	}
	if c := strings.Compare(id.UUID.String(), other.UUID.String()); c != 0 {
		return c < 0
	}
	return id.Instance < other.Instance
}

// ParseNodeIdentifier parses the canonical text form. Parsing is total:
// the result is either a valid identifier or an error, never a partially
// filled value.
func ParseNodeIdentifier(s string) (NodeIdentifier, error) {
	var zero NodeIdentifier

	var kind NodeKind
	var rest string
	switch {
	case strings.HasPrefix(s, string(KindProxy)+"-"):
		kind = KindProxy
		rest = s[len(KindProxy)+1:]
	case strings.HasPrefix(s, string(KindBackend)+"-"):
		kind = KindBackend
		rest = s[len(KindBackend)+1:]
	default:
		return zero, fmt.Errorf("node identifier %q: unknown kind prefix", s)
	}

	// UUID text form is fixed-width (36 runes with hyphens), so split the
	// remainder positionally rather than on hyphens.
	if len(rest) < 37 {
		return zero, fmt.Errorf("node identifier %q: truncated", s)
	}
	u, err := uuid.Parse(rest[:36])
	if err != nil {
		return zero, fmt.Errorf("node identifier %q: %w", s, err)
	}
	if rest[36] != '-' {
		return zero, fmt.Errorf("node identifier %q: malformed separator after uuid", s)
	}
	tail := strings.SplitN(rest[37:], "-", 2)
	if len(tail) != 2 {
		return zero, fmt.Errorf("node identifier %q: missing instance or epoch", s)
	}
	instance, err := strconv.Atoi(tail[0])
	if err != nil {
		return zero, fmt.Errorf("node identifier %q: bad instance: %w", s, err)
	}
	epoch, err := strconv.ParseInt(tail[1], 10, 64)
	if err != nil {
		return zero, fmt.Errorf("node identifier %q: bad epoch: %w", s, err)
	}

	id := NodeIdentifier{UUID: u, Kind: kind, Instance: instance, Epoch: epoch, Version: identVersion}
	if err := id.Validate(); err != nil {
		return zero, err
	}
	return id, nil
}

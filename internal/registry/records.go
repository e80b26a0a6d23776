package registry

import (
	"fmt"
	"time"
)

// NodeStatus is the lifecycle state of a proxy or backend record.
// Transitions form the DAG RUNNING → EVACUATING → STOPPING → DEAD;
// stages may be skipped forward but never revisited.
type NodeStatus string

const (
	StatusRunning    NodeStatus = "RUNNING"
	StatusEvacuating NodeStatus = "EVACUATING"
	StatusStopping   NodeStatus = "STOPPING"
	StatusDead       NodeStatus = "DEAD"
)

var statusRank = map[NodeStatus]int{
	StatusRunning:    0,
	StatusEvacuating: 1,
	StatusStopping:   2,
	StatusDead:       3,
}

// canTransition reports whether from → to moves forward in the DAG.
func canTransition(from, to NodeStatus) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// ProxyRecord is the membership record of a player-facing gateway.
// Mutated only by the registration handler and the heartbeat monitor.
type ProxyRecord struct {
	ID            NodeIdentifier
	Address       string
	Port          int
	Status        NodeStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	PlayerCount   int
}

// BackendRecord is the membership record of a game server. Slot and
// family state advertised by the backend lives in the catalog, keyed by
// this record's identifier.
type BackendRecord struct {
	ID            NodeIdentifier
	ServerType    string
	Role          string
	Address       string
	Port          int
	MaxCapacity   int
	Version       string
	Status        NodeStatus
	PlayerCount   int
	TPS           float64
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// StatusListener observes record status transitions. The service wires
// it to the status channel broadcast.
type StatusListener func(id NodeIdentifier, from, to NodeStatus)

func invalidTransition(id NodeIdentifier, from, to NodeStatus) error {
	return fmt.Errorf("%w: %s cannot move %s → %s", ErrInvariantViolation, id, from, to)
}

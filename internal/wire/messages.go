package wire

// Type tags for the envelope type registry, one per payload struct.
const (
	TypeRegistrationRequest  = "registration.request"
	TypeRegistrationResponse = "registration.response"
	TypeHeartbeat            = "heartbeat"
	TypeStatusChange         = "status.change"
	TypeServerAdded          = "server.added"
	TypeServerRemoved        = "server.removed"
	TypeProxyRemoved         = "proxy.removed"
	TypeProxyUnavailable     = "proxy.unavailable"
	TypeSlotStatusUpdate     = "slot.status"
	TypeFamilyAdvertisement  = "slot.family.advertisement"
	TypeSlotClaim            = "slot.claim"
	TypeSlotClaimConfirm     = "slot.claim.confirm"
	TypeReregistration       = "reregistration.request"
	TypeRemovalNotification  = "server.removal.notification"
	TypeLocateRequest        = "player.locate.request"
	TypeLocateResponse       = "player.locate.response"
	TypeRouteIntent          = "environment.route"
	TypeRouteAck             = "environment.route.ack"
	TypePartyRollback        = "party.rollback"
	TypeShutdownStarting     = "shutdown.starting"
	TypeShutdownExecute      = "shutdown.execute"
	TypeShutdownCancelled    = "shutdown.cancelled"
	TypeEvacuationRequest    = "evacuation.request"
	TypeEvacuationResponse   = "evacuation.response"
)

// HeartbeatStatus values carried inside a heartbeat. SHUTDOWN signals
// graceful termination and bypasses the identifier cool-down.
const HeartbeatShutdown = "SHUTDOWN"

// RegistrationRequest is published by a node that wants to join the
// fleet. tempId is a node-chosen handle used only until an identifier
// is assigned.
type RegistrationRequest struct {
	TempID      string `json:"tempId"`
	ServerType  string `json:"serverType"` // "proxy" or "backend"
	Role        string `json:"role"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	MaxCapacity int    `json:"maxCapacity"`
	Version     string `json:"version"`
}

// RegistrationResponse answers a RegistrationRequest on both the
// broadcast and the tempId-scoped channel.
type RegistrationResponse struct {
	TempID     string `json:"tempId"`
	AssignedID string `json:"assignedId"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
}

// Heartbeat is the periodic liveness message from every node.
type Heartbeat struct {
	NodeID      string  `json:"nodeId"`
	PlayerCount int     `json:"playerCount"`
	TPS         float64 `json:"tps"`
	Status      string  `json:"status,omitempty"`
}

// StatusChange announces a node status transition.
type StatusChange struct {
	NodeID string `json:"nodeId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// ServerAdded announces an accepted backend registration.
type ServerAdded struct {
	AssignedID string `json:"assignedId"`
	Role       string `json:"role"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
}

// ServerRemoved announces a backend leaving the fleet. Reason is
// "timeout" for heartbeat-driven eviction, "shutdown" otherwise.
type ServerRemoved struct {
	ServerID string `json:"serverId"`
	Reason   string `json:"reason"`
}

// ProxyRemoved announces a proxy leaving the fleet.
type ProxyRemoved struct {
	ProxyID          string `json:"proxyId"`
	GracefulShutdown bool   `json:"gracefulShutdown"`
}

// ProxyUnavailable announces a proxy that timed out and may come back.
type ProxyUnavailable struct {
	ProxyID string `json:"proxyId"`
}

// SlotStatusUpdate is a rolling per-slot status advertisement from a
// backend.
type SlotStatusUpdate struct {
	ServerID      string            `json:"serverId"`
	SlotID        string            `json:"slotId"`
	SlotSuffix    string            `json:"slotSuffix,omitempty"`
	FamilyID      string            `json:"familyId"`
	VariantID     string            `json:"variantId,omitempty"`
	Status        string            `json:"status"`
	OnlinePlayers int               `json:"onlinePlayers"`
	MaxPlayers    int               `json:"maxPlayers"`
	GameType      string            `json:"gameType,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// FamilyAdvertisement declares a backend's family capacities and
// variants.
type FamilyAdvertisement struct {
	ServerID   string              `json:"serverId"`
	Capacities map[string]int      `json:"capacities"`
	Variants   map[string][]string `json:"variants,omitempty"`
}

// SlotClaim directs a backend to prepare a slot it advertised.
type SlotClaim struct {
	Token       string `json:"token"`
	SlotID      string `json:"slotId"`
	FamilyID    string `json:"familyId"`
	VariantID   string `json:"variantId,omitempty"`
	RequesterID string `json:"requesterId"`
}

// SlotClaimConfirm is the backend's acknowledgement of a SlotClaim.
type SlotClaimConfirm struct {
	Token    string `json:"token"`
	SlotID   string `json:"slotId"`
	ServerID string `json:"serverId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ReregistrationRequest asks surviving nodes to register again after a
// registry restart.
type ReregistrationRequest struct {
	RegistryID string `json:"registryId"`
}

// RemovalNotification is sent by a node announcing its own departure.
type RemovalNotification struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason,omitempty"`
}

// LocateRequest asks every proxy whether it currently holds a player.
type LocateRequest struct {
	Query string `json:"query"` // player UUID or name
}

// LocateResponse is a proxy's answer to a LocateRequest. Only proxies
// holding the player reply.
type LocateResponse struct {
	Query      string `json:"query"`
	Found      bool   `json:"found"`
	PlayerID   string `json:"playerId,omitempty"`
	ServerID   string `json:"serverId,omitempty"`
	SlotSuffix string `json:"slotSuffix,omitempty"`
	FamilyID   string `json:"familyId,omitempty"`
	ProxyID    string `json:"proxyId,omitempty"`
}

// RouteIntent directs a proxy to move a player (or party member) to a
// slot.
type RouteIntent struct {
	IntentID      string `json:"intentId"`
	PlayerID      string `json:"playerId"`
	ProxyID       string `json:"proxyId,omitempty"`
	ServerID      string `json:"serverId"`
	SlotID        string `json:"slotId"`
	SlotSuffix    string `json:"slotSuffix,omitempty"`
	FamilyID      string `json:"familyId"`
	ReservationID string `json:"reservationId,omitempty"`
	Token         string `json:"token,omitempty"`
}

// RouteAck closes the per-player routing window opened by a RouteIntent.
type RouteAck struct {
	IntentID string `json:"intentId"`
	PlayerID string `json:"playerId"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
}

// PartyRollback is published when a party reservation fails and its
// members must be returned to their origin.
type PartyRollback struct {
	ReservationID string   `json:"reservationId"`
	SlotID        string   `json:"slotId"`
	Players       []string `json:"players"`
	Reason        string   `json:"reason"`
}

// PartyReservationSnapshot rides on a route request when a whole party
// is to be moved together.
type PartyReservationSnapshot struct {
	ReservationID string   `json:"reservationId"`
	LeaderID      string   `json:"leaderId"`
	Members       []string `json:"members"`
	TeamIndex     int      `json:"teamIndex"`
}

// ShutdownStarting announces an operator-scheduled shutdown countdown.
type ShutdownStarting struct {
	IntentID  string   `json:"intentId"`
	Targets   []string `json:"targets"`
	Countdown int      `json:"countdownSeconds"`
	Reason    string   `json:"reason,omitempty"`
	Force     bool     `json:"force"`
}

// ShutdownExecute orders the targets to terminate now.
type ShutdownExecute struct {
	IntentID string   `json:"intentId"`
	Targets  []string `json:"targets"`
	Force    bool     `json:"force"`
}

// ShutdownCancelled aborts a scheduled shutdown.
type ShutdownCancelled struct {
	IntentID  string `json:"intentId"`
	Requester string `json:"requester,omitempty"`
}

// EvacuationRequest asks a node to move its players elsewhere ahead of a
// shutdown.
type EvacuationRequest struct {
	NodeID   string `json:"nodeId"`
	IntentID string `json:"intentId,omitempty"`
}

// EvacuationResponse reports evacuation progress for a node.
type EvacuationResponse struct {
	NodeID    string `json:"nodeId"`
	IntentID  string `json:"intentId,omitempty"`
	Completed bool   `json:"completed"`
	Remaining int    `json:"remaining"`
}

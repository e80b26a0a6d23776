// Package wire defines the channel names and typed payloads exchanged
// between the registry, proxies, and backends. Every payload is a plain
// JSON-encodable struct; decoding tolerates unknown fields so fleet
// versions can drift without breaking each other.
package wire

// Authoritative channel names. Backend- and tempId-scoped channels are
// derived with the helper functions below.
const (
	ChanRegistrationRequest   = "registry:registration:request"
	ChanRegistrationResponse  = "registry:registration:response"
	ChanProxyRegistration     = "proxy:registration:response"
	ChanHeartbeat             = "server:heartbeat"
	ChanSlotStatus            = "registry:slot:status"
	ChanFamilyAdvertisement   = "registry:slot:family:advertisement"
	ChanServerAdded           = "registry:server:added"
	ChanServerRemoved         = "registry:server:removed"
	ChanProxyRemoved          = "registry:proxy:removed"
	ChanProxyUnavailable      = "registry:proxy:unavailable"
	ChanStatusChange          = "registry:status:change"
	ChanReregistration        = "registry:reregistration:request"
	ChanPlayerLocateRequest   = "registry:player:locate:request"
	ChanPlayerLocateResponse  = "registry:player:locate:response"
	ChanEnvironmentRoute      = "registry:environment:route:request"
	ChanShutdownStarting      = "registry:shutdown:starting"
	ChanShutdownExecute       = "registry:shutdown:execute"
	ChanShutdownCancelled     = "registry:shutdown:cancelled"
	ChanEvacuationRequest     = "server:evacuation:request"
	ChanEvacuationResponse    = "server:evacuation:response"
	ChanProxyUnregister       = "proxy:unregister"
	ChanPartyRollback         = "registry:party:rollback"
	ChanRouteAck              = "registry:environment:route:ack"
	chanTempResponsePrefix    = "server:registration:response:"
	chanBackendCommandsPrefix = "server:commands:"
)

// TempResponseChannel is the tempId-scoped registration response channel,
// published redundantly with the broadcast channel for late subscribers.
func TempResponseChannel(tempID string) string {
	return chanTempResponsePrefix + tempID
}

// BackendChannel is the backend-specific channel carrying directed
// messages such as slot claims.
func BackendChannel(serverID string) string {
	return chanBackendCommandsPrefix + serverID
}

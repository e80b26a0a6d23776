package wire

import "github.com/shardline/registry/internal/bus"

// RegisterTypes binds every wire payload to its type tag so the bus can
// hand handlers decoded values instead of raw trees.
func RegisterTypes(types *bus.TypeRegistry) {
	types.Register(TypeRegistrationRequest, func() any { return &RegistrationRequest{} })
	types.Register(TypeRegistrationResponse, func() any { return &RegistrationResponse{} })
	types.Register(TypeHeartbeat, func() any { return &Heartbeat{} })
	types.Register(TypeStatusChange, func() any { return &StatusChange{} })
	types.Register(TypeServerAdded, func() any { return &ServerAdded{} })
	types.Register(TypeServerRemoved, func() any { return &ServerRemoved{} })
	types.Register(TypeProxyRemoved, func() any { return &ProxyRemoved{} })
	types.Register(TypeProxyUnavailable, func() any { return &ProxyUnavailable{} })
	types.Register(TypeSlotStatusUpdate, func() any { return &SlotStatusUpdate{} })
	types.Register(TypeFamilyAdvertisement, func() any { return &FamilyAdvertisement{} })
	types.Register(TypeSlotClaim, func() any { return &SlotClaim{} })
	types.Register(TypeSlotClaimConfirm, func() any { return &SlotClaimConfirm{} })
	types.Register(TypeReregistration, func() any { return &ReregistrationRequest{} })
	types.Register(TypeRemovalNotification, func() any { return &RemovalNotification{} })
	types.Register(TypeLocateRequest, func() any { return &LocateRequest{} })
	types.Register(TypeLocateResponse, func() any { return &LocateResponse{} })
	types.Register(TypeRouteIntent, func() any { return &RouteIntent{} })
	types.Register(TypeRouteAck, func() any { return &RouteAck{} })
	types.Register(TypePartyRollback, func() any { return &PartyRollback{} })
	types.Register(TypeShutdownStarting, func() any { return &ShutdownStarting{} })
	types.Register(TypeShutdownExecute, func() any { return &ShutdownExecute{} })
	types.Register(TypeShutdownCancelled, func() any { return &ShutdownCancelled{} })
	types.Register(TypeEvacuationRequest, func() any { return &EvacuationRequest{} })
	types.Register(TypeEvacuationResponse, func() any { return &EvacuationResponse{} })
}

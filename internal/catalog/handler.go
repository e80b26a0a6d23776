package catalog

import (
	"context"
	"log/slog"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/wire"
)

// Handler feeds the catalog from the advertisement channels. It is the
// catalog's only bus-facing writer.
type Handler struct {
	catalog *Catalog
	unsubs  []func()
}

// NewHandler creates the catalog's channel handler.
func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

// Bind subscribes to the slot status and family advertisement channels.
func (h *Handler) Bind(b *bus.Bus) error {
	unsub, err := bus.SubscribeTyped(b, wire.ChanSlotStatus, h.onSlotStatus)
	if err != nil {
		return err
	}
	h.unsubs = append(h.unsubs, unsub)

	unsub, err = bus.SubscribeTyped(b, wire.ChanFamilyAdvertisement, h.onFamilyAdvertisement)
	if err != nil {
		return err
	}
	h.unsubs = append(h.unsubs, unsub)
	return nil
}

// Stop detaches from the bus.
func (h *Handler) Stop() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

func (h *Handler) onSlotStatus(_ context.Context, env *bus.Envelope, msg *wire.SlotStatusUpdate) {
	serverID := msg.ServerID
	if serverID == "" {
		serverID = env.SenderID
	}
	err := h.catalog.UpdateSlot(serverID, Slot{
		SlotID:        msg.SlotID,
		SlotSuffix:    msg.SlotSuffix,
		FamilyID:      msg.FamilyID,
		VariantID:     msg.VariantID,
		Status:        SlotStatus(msg.Status),
		OnlinePlayers: msg.OnlinePlayers,
		MaxPlayers:    msg.MaxPlayers,
		GameType:      msg.GameType,
		Metadata:      msg.Metadata,
	})
	if err != nil {
		slog.Warn("[Catalog] Rejected slot update",
			"server", serverID, "slot", msg.SlotID, "error", err)
	}
}

func (h *Handler) onFamilyAdvertisement(_ context.Context, env *bus.Envelope, msg *wire.FamilyAdvertisement) {
	serverID := msg.ServerID
	if serverID == "" {
		serverID = env.SenderID
	}
	h.catalog.UpdateFamilyCapacities(serverID, msg.Capacities)
	if msg.Variants != nil {
		h.catalog.UpdateFamilyVariants(serverID, msg.Variants)
	}
}

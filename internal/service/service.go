// Package service constructs and owns every registry component. The
// components never reach for globals; everything is built here at
// startup and handed down by reference.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardline/registry/internal/bus"
	"github.com/shardline/registry/internal/catalog"
	"github.com/shardline/registry/internal/config"
	"github.com/shardline/registry/internal/metrics"
	"github.com/shardline/registry/internal/provision"
	"github.com/shardline/registry/internal/registry"
	"github.com/shardline/registry/internal/routing"
	"github.com/shardline/registry/internal/sched"
	"github.com/shardline/registry/internal/shutdown"
	"github.com/shardline/registry/internal/wire"
)

const (
	executorWorkers    = 4
	drainGrace         = 10 * time.Second
	confirmationWindow = 15 * time.Second
	defaultRedisDB     = 0
)

// Service is the assembled registry.
type Service struct {
	Cfg         *config.Config
	Transport   bus.Transport
	Bus         *bus.Bus
	Exec        *sched.Executor
	Alloc       *registry.Allocator
	Proxies     *registry.ProxyRegistry
	Backends    *registry.BackendRegistry
	Monitor     *registry.HeartbeatMonitor
	Handler     *registry.RegistrationHandler
	Catalog     *catalog.Catalog
	CatHandler  *catalog.Handler
	Provisioner *provision.Provisioner
	Routing     *routing.Service
	Shutdown    *shutdown.Manager
	Metrics     *metrics.Metrics
	PromReg     *prometheus.Registry

	TransportKind config.BusType
	StartedAt     time.Time

	stopWatch chan struct{}
}

// New builds the service from configuration. The Redis transport is
// probed first when configured; an unreachable server falls back to the
// in-memory transport with a loud warning.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{Cfg: cfg}

	transport, kind := connectTransport(ctx, cfg)
	s.Transport = transport
	s.TransportKind = kind

	types := bus.NewTypeRegistry()
	wire.RegisterTypes(types)

	s.Exec = sched.NewExecutor(executorWorkers)
	senderID := "registry-" + uuid.New().String()[:8]
	s.Bus = bus.New(transport, types, s.Exec, senderID)

	s.PromReg = prometheus.NewRegistry()
	s.Metrics = metrics.New(s.PromReg)
	s.Bus.SetInstrumentation(
		func(channel string) { s.Metrics.EnvelopesPublished.WithLabelValues(channel).Inc() },
		func() { s.Metrics.EnvelopesDropped.Inc() },
	)

	s.Alloc = registry.NewAllocator(cfg.Registry.RecycleIDs)
	s.Proxies = registry.NewProxyRegistry()
	s.Backends = registry.NewBackendRegistry()
	statusListener := func(id registry.NodeIdentifier, from, to registry.NodeStatus) {
		change := &wire.StatusChange{NodeID: id.String(), From: string(from), To: string(to)}
		if err := s.Bus.Publish(context.Background(), wire.ChanStatusChange, wire.TypeStatusChange, change); err != nil {
			slog.Warn("[Service] Status change publish failed", "id", id.String(), "error", err)
		}
	}
	s.Proxies.SetStatusListener(statusListener)
	s.Backends.SetStatusListener(statusListener)

	s.Monitor = registry.NewHeartbeatMonitor(s.Exec,
		time.Duration(cfg.Registry.HeartbeatTimeout)*time.Second,
		time.Duration(cfg.Registry.CheckInterval)*time.Second)

	s.Handler = registry.NewRegistrationHandler(
		s.Bus, s.Alloc, s.Proxies, s.Backends, s.Monitor, s.Exec,
		registry.DefaultHandlerSettings(), s.Metrics)

	s.Catalog = catalog.New()
	s.CatHandler = catalog.NewHandler(s.Catalog)
	s.Handler.AddRemovalHook(s.Catalog.RemoveBackend)

	load := func(serverID string) (int, bool) {
		rec, ok := s.Backends.Get(serverID)
		if !ok {
			return 0, false
		}
		return rec.PlayerCount, true
	}
	s.Provisioner = provision.New(s.Catalog, s.Bus, load, s.Exec, confirmationWindow, s.Metrics)

	s.Routing = routing.NewService(s.Bus, s.Provisioner, routing.DefaultLocateTimeout, s.Metrics)

	players := func(nodeID string) (int, bool) {
		if rec, ok := s.Backends.Get(nodeID); ok {
			return rec.PlayerCount, true
		}
		if rec, ok := s.Proxies.Get(nodeID); ok {
			return rec.PlayerCount, true
		}
		return 0, false
	}
	evacuate := func(nodeID string) error {
		if err := s.Backends.UpdateStatus(nodeID, registry.StatusEvacuating); err == nil {
			return nil
		}
		return s.Proxies.UpdateStatus(nodeID, registry.StatusEvacuating)
	}
	s.Shutdown = shutdown.NewManager(s.Bus, players, evacuate)

	return s, nil
}

// connectTransport probes Redis when configured and falls back to the
// in-memory transport otherwise.
func connectTransport(ctx context.Context, cfg *config.Config) (bus.Transport, config.BusType) {
	if cfg.MessageBus.Type == config.BusRedis {
		t, err := bus.DialRedis(ctx, cfg.Redis.Addr(), cfg.Redis.Password, defaultRedisDB)
		if err == nil {
			return t, config.BusRedis
		}
		slog.Warn("[Service] REDIS TRANSPORT UNAVAILABLE, FALLING BACK TO IN-MEMORY. "+
			"Cross-process registration will not work.",
			"addr", cfg.Redis.Addr(), "error", err)
	}
	return bus.NewMemoryTransport(), config.BusInMemory
}

// Start binds every component to the bus and launches the periodic
// machinery.
func (s *Service) Start(ctx context.Context) error {
	s.StartedAt = time.Now()

	if err := s.Handler.Bind(); err != nil {
		return fmt.Errorf("bind registration handler: %w", err)
	}
	if err := s.CatHandler.Bind(s.Bus); err != nil {
		return fmt.Errorf("bind catalog handler: %w", err)
	}
	if err := s.Routing.Bind(); err != nil {
		return fmt.Errorf("bind routing service: %w", err)
	}
	if err := s.Shutdown.Bind(); err != nil {
		return fmt.Errorf("bind shutdown manager: %w", err)
	}

	s.Monitor.Start()
	s.Handler.Start(ctx)

	s.stopWatch = make(chan struct{})
	go s.watchTransport(ctx)

	slog.Info("[Service] Registry started",
		"transport", s.TransportKind, "sender", s.Bus.SenderID())
	return nil
}

// watchTransport logs connectivity transitions and asks the fleet to
// re-register after a reconnect, since pub/sub messages during the
// outage are gone.
func (s *Service) watchTransport(ctx context.Context) {
	for {
		select {
		case <-s.stopWatch:
			return
		case status, ok := <-s.Transport.Status():
			if !ok {
				return
			}
			switch status.State {
			case bus.TransportDisconnected:
				slog.Warn("[Service] Transport disconnected; state held in memory", "detail", status.Detail)
			case bus.TransportReconnected:
				slog.Info("[Service] Transport reconnected; requesting fleet re-registration")
				req := &wire.ReregistrationRequest{RegistryID: s.Bus.SenderID()}
				if err := s.Bus.Publish(ctx, wire.ChanReregistration, wire.TypeReregistration, req); err != nil {
					slog.Warn("[Service] Re-registration broadcast failed", "error", err)
				}
			}
		}
	}
}

// Stop shuts everything down in reverse construction order, draining
// the executor with a hard cap.
func (s *Service) Stop() {
	if s.stopWatch != nil {
		close(s.stopWatch)
		s.stopWatch = nil
	}
	s.Shutdown.Stop()
	s.Routing.Stop()
	s.Provisioner.Stop()
	s.CatHandler.Stop()
	s.Handler.Stop()
	s.Monitor.Stop()
	s.Bus.Close()
	s.Exec.Stop(drainGrace)
	if err := s.Transport.Close(); err != nil {
		slog.Warn("[Service] Transport close failed", "error", err)
	}
	slog.Info("[Service] Registry stopped")
}

// Package metrics instruments the registry with Prometheus collectors.
// The bundle is registered on a caller-supplied registerer so tests can
// use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the registry service.
type Metrics struct {
	// Registration metrics
	RegistrationsTotal  *prometheus.CounterVec // kind, outcome
	ActiveNodes         *prometheus.GaugeVec   // kind
	RegistrationRetries prometheus.Counter

	// Liveness metrics
	HeartbeatsTotal prometheus.Counter
	TimeoutsTotal   *prometheus.CounterVec // kind

	// Provisioning metrics
	ProvisionRequests *prometheus.CounterVec // outcome
	SlotsProvisioned  prometheus.Counter
	SlotsReverted     prometheus.Counter

	// Routing metrics
	LocateRequests  *prometheus.CounterVec // outcome
	RoutesIssued    prometheus.Counter
	PartyRollbacks  prometheus.Counter
	PartiesReleased prometheus.Counter

	// Bus metrics
	EnvelopesPublished *prometheus.CounterVec // channel
	EnvelopesDropped   prometheus.Counter
}

// New creates and registers the metric bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RegistrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_registrations_total",
				Help: "Registration requests processed, by node kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: accepted, reused, rejected
		),
		ActiveNodes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "registry_active_nodes",
				Help: "Currently registered nodes by kind",
			},
			[]string{"kind"},
		),
		RegistrationRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_registration_retries_total",
				Help: "Registration responses re-sent because the node kept repeating its request",
			},
		),
		HeartbeatsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_heartbeats_total",
				Help: "Heartbeat messages consumed",
			},
		),
		TimeoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_timeouts_total",
				Help: "Nodes declared dead by the heartbeat monitor, by kind",
			},
			[]string{"kind"},
		),
		ProvisionRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_provision_requests_total",
				Help: "Slot provisioning requests, by outcome",
			},
			[]string{"outcome"}, // outcome: full, partial, exhausted
		),
		SlotsProvisioned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_slots_provisioned_total",
				Help: "Slots transitioned to PROVISIONING by the provisioner",
			},
		),
		SlotsReverted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_slots_reverted_total",
				Help: "PROVISIONING slots reverted to AVAILABLE after the confirmation window",
			},
		),
		LocateRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_locate_requests_total",
				Help: "Player locate requests, by outcome",
			},
			[]string{"outcome"}, // outcome: found, not_found
		),
		RoutesIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_routes_issued_total",
				Help: "Route intents published to proxies",
			},
		),
		PartyRollbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_party_rollbacks_total",
				Help: "Party reservations rolled back after claim failures",
			},
		),
		PartiesReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_parties_released_total",
				Help: "Party reservation allocations released",
			},
		),
		EnvelopesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_envelopes_published_total",
				Help: "Envelopes published on the bus, by channel",
			},
			[]string{"channel"},
		),
		EnvelopesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_envelopes_dropped_total",
				Help: "Inbound envelopes dropped after decode failure",
			},
		),
	}
}

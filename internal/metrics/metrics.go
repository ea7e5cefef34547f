// Package metrics exposes Prometheus counters for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AliasLookups counts recipient resolutions by result: found, not_found, error.
	AliasLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_relay_alias_lookups_total",
			Help: "Total number of alias lookups by result",
		},
		[]string{"result"},
	)

	// ThreadDirections counts reply-director outcomes by state.
	ThreadDirections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_relay_thread_directions_total",
			Help: "Total number of two-way relay decisions by state",
		},
		[]string{"state"},
	)

	// Dispatches counts forward-dispatcher outcomes: forwarded, email_not_found, self_send, error.
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_relay_dispatches_total",
			Help: "Total number of dispatch decisions by outcome",
		},
		[]string{"outcome"},
	)

	// Deliveries counts provider deliveries by provider and status.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_relay_deliveries_total",
			Help: "Total number of outbound deliveries by provider and status",
		},
		[]string{"provider", "status"},
	)

	// StoreErrors counts store operations that failed and were degraded.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_relay_store_errors_total",
			Help: "Total number of store errors by operation",
		},
		[]string{"operation"},
	)

	// SRSReloads counts srs.ini reload attempts by status.
	SRSReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mask_relay_srs_reloads_total",
			Help: "Total number of SRS configuration reloads by status",
		},
		[]string{"status"},
	)
)

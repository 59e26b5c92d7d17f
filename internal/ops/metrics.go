package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncPassesTotal counts reconciliation passes per mode and offering.
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_agent_sync_passes_total",
			Help: "Total reconciliation passes by mode, offering and status",
		},
		[]string{"mode", "offering", "status"},
	)

	// SyncPassDuration observes the wall-clock duration of one pass.
	SyncPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "site_agent_sync_pass_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// OrdersProcessedTotal counts processed orders by type and outcome.
	OrdersProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_agent_orders_processed_total",
			Help: "Total orders processed by offering, order type and status",
		},
		[]string{"offering", "type", "status"},
	)

	// ResourcesErredTotal counts resources marked erred on the control plane.
	ResourcesErredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_agent_resources_erred_total",
			Help: "Total resources marked erred by offering",
		},
		[]string{"offering"},
	)

	// UsageSubmissionsTotal counts usage submissions to the control plane.
	UsageSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_agent_usage_submissions_total",
			Help: "Total usage submissions by offering and kind (total/user)",
		},
		[]string{"offering", "kind"},
	)

	// BackendCommandsTotal counts accounting subprocess invocations.
	BackendCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_agent_backend_commands_total",
			Help: "Total accounting subsystem command invocations by binary and status",
		},
		[]string{"command", "status"},
	)

	// EventsReceivedTotal counts notifications consumed from the event channel.
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_agent_events_received_total",
			Help: "Total notifications received by channel",
		},
		[]string{"channel"},
	)
)

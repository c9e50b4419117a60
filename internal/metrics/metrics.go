// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the hub and the
// sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runfeed_live_connections",
		Help: "Number of SSE subscriptions currently held in this process",
	})

	BroadcastDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runfeed_broadcast_delivered_total",
		Help: "Broadcast deliveries by outcome (live, queued, dropped)",
	}, []string{"outcome"})

	BroadcastEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runfeed_broadcast_events_total",
		Help: "Broadcast calls by event type",
	}, []string{"event_type"})

	ProviderCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runfeed_provider_calls_total",
		Help: "External provider API calls made by the sync engine",
	})

	SyncCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runfeed_sync_cycles_total",
		Help: "Completed sync engine cycles",
	})

	SyncSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runfeed_sync_skipped_total",
		Help: "Tenant reconciliations skipped by reason (inactive, budget)",
	}, []string{"reason"})

	SyncRunnersUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runfeed_sync_runners_updated_total",
		Help: "Runner snapshot rows created or changed by reconciliation",
	})

	SyncInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runfeed_sync_interval_seconds",
		Help: "Current adaptive interval of the sync loop",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runfeed_webhook_events_total",
		Help: "Provider webhook events received by type",
	}, []string{"event_type"})
)

// IncDelivered records a broadcast delivery outcome.
func IncDelivered(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	BroadcastDeliveredTotal.WithLabelValues(outcome).Inc()
}

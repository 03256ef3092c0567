package internal

import (
	"fmt"

	"github.com/WelcomerTeam/Sandwich-Gateway/internal/rest"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_gateway_events_total",
			Help: "Gateway payloads received by op",
		},
		[]string{"op"},
	)

	dispatchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_dispatch_events_by_type_total",
			Help: "Dispatch events received by type",
		},
		[]string{"type"},
	)

	dispatchInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandwich_dispatch_inflight_count",
			Help: "Dispatch events currently being produced",
		},
	)

	dispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandwich_dispatch_failures_total",
			Help: "Dispatch events that failed to produce",
		},
	)

	gatewayLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_discord_gateway_latency",
			Help: "Heartbeat round trip in milliseconds",
		},
		[]string{"shard_count", "shard"},
	)

	shardStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandwich_shard_stage",
			Help: "Connection stage of each shard, 0 is connected",
		},
		[]string{"shard_count", "shard"},
	)

	shardReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_shard_reconnects_total",
			Help: "Reconnects per shard",
		},
		[]string{"shard_count", "shard"},
	)

	identifyWaits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandwich_identify_wait_seconds",
			Help:    "Time shards waited for the identify queue",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	reshards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandwich_reshards_total",
			Help: "Reshards by outcome",
		},
		[]string{"outcome"},
	)
)

// RegisterMetrics registers every collector of the gateway with registerer.
func RegisterMetrics(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		gatewayEvents,
		dispatchEvents,
		dispatchInflight,
		dispatchFailures,
		gatewayLatency,
		shardStage,
		shardReconnects,
		identifyWaits,
		reshards,
	}

	collectors = append(collectors, ratelimit.Collectors()...)
	collectors = append(collectors, rest.Collectors()...)

	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return nil
}

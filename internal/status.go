package internal

import (
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/accumulator"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/ratelimit"
)

type ShardStatus struct {
	ShardID           int32     `json:"shard_id"`
	Stage             Stage     `json:"stage"`
	Resumable         bool      `json:"resumable"`
	Sequence          int64     `json:"sequence"`
	GatewayLatency    int64     `json:"latency_ms"`
	HeartbeatInterval int64     `json:"heartbeat_interval_ms"`
	ConnectedAt       time.Time `json:"connected_at"`
	Reconnects        int32     `json:"reconnects"`
	Error             string    `json:"error,omitempty"`
}

type ShardGroupStatus struct {
	ID         int32         `json:"id"`
	ShardCount int32         `json:"shard_count"`
	Connected  float64       `json:"connected"`
	Live       bool          `json:"live"`
	CreatedAt  time.Time     `json:"created_at"`
	Shards     []ShardStatus `json:"shards"`
	Error      string        `json:"error,omitempty"`
}

type IdentifyStatus struct {
	Kind           string    `json:"kind"`
	Remaining      int32     `json:"remaining,omitempty"`
	ResetAt        time.Time `json:"reset_at,omitempty"`
	MaxConcurrency int32     `json:"max_concurrency,omitempty"`
}

type ManagerStatus struct {
	Identifier  string                  `json:"identifier"`
	Resharding  bool                    `json:"resharding"`
	Identify    IdentifyStatus          `json:"identify"`
	ShardGroups []ShardGroupStatus      `json:"shard_groups"`
	Events      accumulator.SampleGroup `json:"events"`
}

type RatelimitStatus struct {
	GlobalActive bool                                `json:"global_active"`
	GlobalUntil  time.Time                           `json:"global_until,omitempty"`
	Buckets      map[string]ratelimit.BucketSnapshot `json:"buckets"`
}

type SandwichStatus struct {
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Manager ManagerStatus `json:"manager"`
}

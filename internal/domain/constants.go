// Package domain contains the shared broker conventions, records, and
// metrics used across the consumer, rebalance, and HTTP layers.
package domain

import "time"

// Broker key and name conventions. These are fleet-wide deployment constants
// shared with every process that touches the same Redis instance; changing
// any of them is a breaking rollout.
const (
	// ConsumerHeartbeatKey is the hash holding all consumer heartbeats.
	// Field = consumer name, value = JSON-encoded ConsumerHeartbeat.
	ConsumerHeartbeatKey = "rust_backend_consumers:heartbeat"

	// ConsumerGroupName is the single consumer group every worker joins,
	// on every stream.
	ConsumerGroupName = "rust-backend"

	// RebalanceLockKey guards the rebalance pass so at most one process
	// runs it per tick.
	RebalanceLockKey = "rust_backend:rebalance_lock"

	// MessageField is the single hash field carrying the business payload
	// of a stream entry.
	MessageField = "message"
)

// Timing and batching constants for the consumer/rebalance protocol.
const (
	// HeartbeatInterval is how often each consumer writes its heartbeat.
	HeartbeatInterval = 5 * time.Second

	// HeartbeatTimeoutSeconds is the age past which a consumer with no
	// fresh heartbeat is declared dead.
	HeartbeatTimeoutSeconds int64 = 60

	// RebalanceInterval is the rebalancer tick period.
	RebalanceInterval = 10 * time.Second

	// RebalanceLockTTL bounds how long a crashed rebalancer can hold the
	// lock. The explicit release at the end of a tick is the primary
	// mechanism; the TTL is the safety net.
	RebalanceLockTTL = 30 * time.Second

	// ClaimBatchSize is the chunk size used when claiming a dead
	// consumer's pending entries.
	ClaimBatchSize = 10

	// PendingFetchLimit caps how many pending ids are fetched per dead
	// consumer per tick. Anything beyond is picked up next tick.
	PendingFetchLimit = 1000

	// ReadBatchCount and ReadBlock shape each XREADGROUP call.
	ReadBatchCount = 10
	ReadBlock      = time.Second

	// HandlerConcurrency caps concurrent handler invocations per batch.
	HandlerConcurrency = 5

	// ErrorRetryInterval is the fixed backoff applied after a broker
	// error in the worker loop and after a pool crash in the supervisor.
	ErrorRetryInterval = 5 * time.Second
)

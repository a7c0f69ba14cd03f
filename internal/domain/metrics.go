package domain

import (
	"sync/atomic"
	"time"
)

// Metrics holds atomic counters shared by the consumer pools, the
// rebalancer, and the HTTP layer.
type Metrics struct {
	// Consumer throughput
	MessagesReceived atomic.Uint64
	MessagesHandled  atomic.Uint64
	MessagesAcked    atomic.Uint64
	HandlerErrors    atomic.Uint64

	// Liveness and rebalance
	HeartbeatsWritten atomic.Uint64
	RebalanceTicks    atomic.Uint64
	ConsumersExpired  atomic.Uint64
	MessagesClaimed   atomic.Uint64

	// Errors
	RedisErrors atomic.Uint64

	// Start time for rate calculations
	StartTime time.Time
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// GetThroughputRate returns handled messages per second since start.
func (m *Metrics) GetThroughputRate() float64 {
	elapsed := time.Since(m.StartTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.MessagesHandled.Load()) / elapsed
}

// MetricsSnapshot represents a point-in-time metrics snapshot
type MetricsSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesHandled   uint64    `json:"messages_handled"`
	MessagesAcked     uint64    `json:"messages_acked"`
	HandlerErrors     uint64    `json:"handler_errors"`
	HeartbeatsWritten uint64    `json:"heartbeats_written"`
	RebalanceTicks    uint64    `json:"rebalance_ticks"`
	ConsumersExpired  uint64    `json:"consumers_expired"`
	MessagesClaimed   uint64    `json:"messages_claimed"`
	RedisErrors       uint64    `json:"redis_errors"`
	ThroughputRate    float64   `json:"throughput_rate"`
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Timestamp:         time.Now(),
		MessagesReceived:  m.MessagesReceived.Load(),
		MessagesHandled:   m.MessagesHandled.Load(),
		MessagesAcked:     m.MessagesAcked.Load(),
		HandlerErrors:     m.HandlerErrors.Load(),
		HeartbeatsWritten: m.HeartbeatsWritten.Load(),
		RebalanceTicks:    m.RebalanceTicks.Load(),
		ConsumersExpired:  m.ConsumersExpired.Load(),
		MessagesClaimed:   m.MessagesClaimed.Load(),
		RedisErrors:       m.RedisErrors.Load(),
		ThroughputRate:    m.GetThroughputRate(),
	}
}

package consumer

import (
	"context"
	"time"

	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/internal/shutdown"
)

// HeartbeatEmitter periodically advertises liveness for one consumer
// identity. It runs beside the worker rather than inside it: liveness means
// the scheduler can still reach the broker, not that user code is fast.
type HeartbeatEmitter struct {
	redis    ports.RedisClient
	stream   string
	consumer string
	interval time.Duration
	bus      *shutdown.Bus
	logger   ports.Logger
	metrics  *domain.Metrics
	now      func() time.Time
}

// NewHeartbeatEmitter creates an emitter for the given consumer identity.
func NewHeartbeatEmitter(
	redisClient ports.RedisClient,
	stream, consumer string,
	bus *shutdown.Bus,
	logger ports.Logger,
	metrics *domain.Metrics,
) *HeartbeatEmitter {
	return &HeartbeatEmitter{
		redis:    redisClient,
		stream:   stream,
		consumer: consumer,
		interval: domain.HeartbeatInterval,
		bus:      bus,
		logger: logger.WithFields(
			ports.Field{Key: "component", Value: "heartbeat"},
			ports.Field{Key: "stream", Value: stream},
			ports.Field{Key: "consumer", Value: consumer},
		),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run writes one heartbeat immediately, then every interval until shutdown.
// Write errors are logged and never fatal.
func (h *HeartbeatEmitter) Run(ctx context.Context) error {
	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.bus.Done():
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *HeartbeatEmitter) beat(ctx context.Context) {
	record := domain.ConsumerHeartbeat{
		StreamName:    h.stream,
		ConsumerName:  h.consumer,
		LastHeartbeat: h.now().UTC().Unix(),
	}

	raw, err := record.Encode()
	if err != nil {
		h.logger.Warn("failed to encode heartbeat", ports.Field{Key: "error", Value: err})
		return
	}

	h.logger.Trace("sending heartbeat", ports.Field{Key: "record", Value: raw})

	if err := h.redis.HashSet(ctx, domain.ConsumerHeartbeatKey, h.consumer, raw); err != nil {
		h.metrics.RedisErrors.Add(1)
		h.logger.Warn("heartbeat write failed", ports.Field{Key: "error", Value: err})
		return
	}
	h.metrics.HeartbeatsWritten.Add(1)
}

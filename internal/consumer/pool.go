package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/internal/shutdown"
	"golang.org/x/sync/errgroup"
)

// Pool supervises the (worker, heartbeat) pairs for one registered handler.
// The failure unit equals the observability unit: a crashed pool stops
// heart-beating, and its pending entries are rebalanced elsewhere.
type Pool struct {
	redis         ports.RedisClient
	handler       ports.TaskHandler
	size          int
	bus           *shutdown.Bus
	logger        ports.Logger
	metrics       *domain.Metrics
	retryInterval time.Duration
}

// NewPool creates a supervisor that will run size (worker, heartbeat) pairs
// for the handler's stream.
func NewPool(
	redisClient ports.RedisClient,
	handler ports.TaskHandler,
	size int,
	bus *shutdown.Bus,
	logger ports.Logger,
	metrics *domain.Metrics,
) *Pool {
	return &Pool{
		redis:   redisClient,
		handler: handler,
		size:    size,
		bus:     bus,
		logger: logger.WithFields(
			ports.Field{Key: "component", Value: "consumer-pool"},
			ports.Field{Key: "stream", Value: handler.StreamName()},
		),
		metrics:       metrics,
		retryInterval: domain.ErrorRetryInterval,
	}
}

// Run starts the pool and restarts it with a fixed backoff whenever any
// child returns an error. Child errors never escape it: it returns nil once
// shutdown has been signalled or ctx is cancelled and every running child
// has drained.
func (p *Pool) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || p.bus.Stopped() {
			return nil
		}

		err := p.runOnce(ctx)
		if err == nil {
			return nil
		}

		p.logger.Error("consumer pool failed, restarting",
			ports.Field{Key: "error", Value: err},
			ports.Field{Key: "backoff", Value: p.retryInterval})

		select {
		case <-ctx.Done():
			return nil
		case <-p.bus.Done():
			return nil
		case <-time.After(p.retryInterval):
		}
	}
}

// runOnce creates the consumer group, spawns all pairs, and joins them. Any
// child error cancels the siblings and propagates up for a restart.
func (p *Pool) runOnce(ctx context.Context) error {
	// "$" starts the group at the newest entry so pre-existing undelivered
	// history is not replayed into a fresh deployment.
	if err := p.redis.CreateConsumerGroup(ctx, p.handler.StreamName(), domain.ConsumerGroupName, "$"); err != nil {
		return fmt.Errorf("create consumer group for %s: %w", p.handler.StreamName(), err)
	}

	if p.size == 0 {
		p.logger.Warn("pool size is 0, no consumers started")
		select {
		case <-ctx.Done():
		case <-p.bus.Done():
		}
		return nil
	}

	p.logger.Info("starting consumer pool", ports.Field{Key: "consumers", Value: p.size})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		name := fmt.Sprintf("%s_%d", p.handler.ConsumerPrefix(), i)
		worker := NewWorker(p.redis, p.handler, name, p.bus, p.logger, p.metrics)
		emitter := NewHeartbeatEmitter(p.redis, p.handler.StreamName(), name, p.bus, p.logger, p.metrics)

		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error { return emitter.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	p.logger.Info("consumer pool drained")
	return nil
}

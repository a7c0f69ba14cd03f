// Package consumer implements the worker pools that drain task streams:
// one long-running worker per (stream, ordinal), each paired with a
// heartbeat emitter, supervised per registered handler.
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

// workerMaxConsecutiveErrors is how many read cycles may fail back to back
// before the worker gives up and lets the supervisor restart the pool. The
// broker client already retries transient failures internally, so reaching
// this count means Redis has been unreachable for minutes.
const workerMaxConsecutiveErrors = 12

// Worker continuously drains its share of one stream under a fixed consumer
// identity.
type Worker struct {
	redis         ports.RedisClient
	handler       ports.TaskHandler
	name          string
	bus           *shutdown.Bus
	logger        ports.Logger
	metrics       *domain.Metrics
	retryInterval time.Duration
}

// NewWorker creates a worker with the given consumer identity.
func NewWorker(
	redisClient ports.RedisClient,
	handler ports.TaskHandler,
	name string,
	bus *shutdown.Bus,
	logger ports.Logger,
	metrics *domain.Metrics,
) *Worker {
	return &Worker{
		redis:   redisClient,
		handler: handler,
		name:    name,
		bus:     bus,
		logger: logger.WithFields(
			ports.Field{Key: "component", Value: "consumer-worker"},
			ports.Field{Key: "stream", Value: handler.StreamName()},
			ports.Field{Key: "consumer", Value: name},
		),
		metrics:       metrics,
		retryInterval: domain.ErrorRetryInterval,
	}
}

// Name returns the consumer identity.
func (w *Worker) Name() string {
	return w.name
}

// Run loops until shutdown is signalled or the context is cancelled. The
// blocking reads are bounded by the read block time, so a signalled
// shutdown is observed within one block interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("consumer worker started")
	defer w.logger.Debug("consumer worker ended")

	var consecutiveErrors int

	for {
		if w.stopping(ctx) {
			return nil
		}

		if err := w.readCycle(ctx); err != nil {
			if w.stopping(ctx) {
				return nil
			}
			consecutiveErrors++
			w.metrics.RedisErrors.Add(1)
			if consecutiveErrors >= workerMaxConsecutiveErrors {
				return fmt.Errorf("consumer %s: %d consecutive read failures: %w", w.name, consecutiveErrors, err)
			}
			w.logger.Warn("read cycle failed, backing off",
				ports.Field{Key: "error", Value: err},
				ports.Field{Key: "consecutive", Value: consecutiveErrors})
			select {
			case <-ctx.Done():
				return nil
			case <-w.bus.Done():
				return nil
			case <-time.After(w.retryInterval):
			}
			continue
		}
		consecutiveErrors = 0
	}
}

// readCycle is two reads in order: first the entries previously delivered
// to this consumer but never acked (recovery after a restart or a claim),
// then fresh undelivered entries.
func (w *Worker) readCycle(ctx context.Context) error {
	stream := w.handler.StreamName()

	pending, err := w.redis.ReadPending(ctx, stream, domain.ConsumerGroupName, w.name, domain.ReadBatchCount, domain.ReadBlock)
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}
	w.consumeBatch(ctx, pending)

	fresh, err := w.redis.ReadNew(ctx, stream, domain.ConsumerGroupName, w.name, domain.ReadBatchCount, domain.ReadBlock)
	if err != nil {
		return fmt.Errorf("read new: %w", err)
	}
	w.consumeBatch(ctx, fresh)

	return nil
}

// consumeBatch fans the batch out to the handler with bounded concurrency,
// then acknowledges every id in one call. Handler failures are logged and
// still acked: redelivering a payload the handler rejects would loop
// forever, so loss-on-handler-error is the accepted trade-off.
func (w *Worker) consumeBatch(ctx context.Context, messages []*domain.Message) {
	if len(messages) == 0 {
		return
	}

	w.metrics.MessagesReceived.Add(uint64(len(messages)))

	// In-flight handlers and the final ack are allowed to finish during a
	// graceful shutdown; the cancelled read context must not abort them.
	batchCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(domain.HandlerConcurrency)
	for _, msg := range messages {
		g.Go(func() error {
			if err := w.handler.HandleTask(batchCtx, msg.Payload); err != nil {
				w.metrics.HandlerErrors.Add(1)
				w.logger.Error("failed to handle message",
					ports.Field{Key: "messageID", Value: msg.ID},
					ports.Field{Key: "error", Value: err})
				return nil
			}
			w.metrics.MessagesHandled.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	if err := w.redis.AckMessages(batchCtx, w.handler.StreamName(), domain.ConsumerGroupName, ids...); err != nil {
		w.metrics.RedisErrors.Add(1)
		w.logger.Error("failed to ack batch",
			ports.Field{Key: "count", Value: len(ids)},
			ports.Field{Key: "error", Value: err})
		return
	}
	w.metrics.MessagesAcked.Add(uint64(len(ids)))
}

func (w *Worker) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || w.bus.Stopped()
}

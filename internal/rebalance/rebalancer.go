// Package rebalance implements the periodic coordinator that detects dead
// consumers and redistributes their unacknowledged entries to live peers.
//
// Redis streams have no built-in rebalancing: when a consumer dies, its
// pending entries stay assigned to it forever. Each consumer therefore
// writes a heartbeat into a shared hash, and this coordinator runs on a
// fixed schedule, takes a fleet-wide lock, expires consumers whose
// heartbeat is too old, claims their pending entries to live consumers in
// the same group, and finally drops the dead heartbeat.
package rebalance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/internal/shutdown"
	"github.com/taskworks/backend/pkg/distlock"
)

// Rebalancer runs one rebalance pass per tick, guarded by a distributed
// lock so at most one process in the fleet does the claiming.
type Rebalancer struct {
	redis    ports.RedisClient
	lock     *distlock.Lock
	interval time.Duration
	bus      *shutdown.Bus
	logger   ports.Logger
	metrics  *domain.Metrics
	now      func() time.Time
}

// New creates a rebalancer with the deployment-standard tick and lock TTL.
func New(
	redisClient ports.RedisClient,
	bus *shutdown.Bus,
	logger ports.Logger,
	metrics *domain.Metrics,
) *Rebalancer {
	instance := uuid.New().String()
	return &Rebalancer{
		redis:    redisClient,
		lock:     distlock.New(redisClient, domain.RebalanceLockKey, "locked", domain.RebalanceLockTTL),
		interval: domain.RebalanceInterval,
		bus:      bus,
		logger: logger.WithFields(
			ports.Field{Key: "component", Value: "rebalancer"},
			ports.Field{Key: "instance", Value: instance},
		),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run executes one pass per tick until shutdown. Pass errors are logged and
// never stop the schedule; only the surrounding process decides to exit.
func (r *Rebalancer) Run(ctx context.Context) error {
	r.logger.Info("rebalancer started", ports.Field{Key: "interval", Value: r.interval})

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.bus.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("rebalance pass failed", ports.Field{Key: "error", Value: err})
			}
		}
	}
}

// RunOnce performs a single locked rebalance pass. When another process
// holds the lock the pass is skipped silently.
func (r *Rebalancer) RunOnce(ctx context.Context) error {
	r.metrics.RebalanceTicks.Add(1)

	acquired, err := r.lock.WithLock(ctx, r.rebalance)
	if err != nil {
		return err
	}
	if !acquired {
		r.logger.Debug("rebalance lock not acquired, skipping")
	}
	return nil
}

// rebalance snapshots every heartbeat, classifies consumers, and
// redistributes the pending entries of each expired one. Per-consumer
// failures are logged and skipped so one bad consumer cannot stall the
// whole pass.
func (r *Rebalancer) rebalance(ctx context.Context) error {
	entries, err := r.redis.HashGetAll(ctx, domain.ConsumerHeartbeatKey)
	if err != nil {
		return err
	}

	nowUnix := r.now().UTC().Unix()

	var expired []domain.ConsumerHeartbeat
	liveByGroup := make(map[string][]domain.ConsumerHeartbeat)

	for field, raw := range entries {
		record, err := domain.DecodeHeartbeat(raw)
		if err != nil {
			r.logger.Warn("skipping malformed heartbeat",
				ports.Field{Key: "field", Value: field},
				ports.Field{Key: "error", Value: err})
			continue
		}
		if record.ConsumerName != field {
			r.logger.Warn("heartbeat field disagrees with record, skipping",
				ports.Field{Key: "field", Value: field},
				ports.Field{Key: "consumer", Value: record.ConsumerName})
			continue
		}

		age := nowUnix - record.LastHeartbeat
		if age > domain.HeartbeatTimeoutSeconds {
			r.logger.Warn("consumer expired",
				ports.Field{Key: "consumer", Value: record.ConsumerName},
				ports.Field{Key: "ageSeconds", Value: age})
			expired = append(expired, record)
		} else {
			group := r.groupFor(record)
			liveByGroup[group] = append(liveByGroup[group], record)
		}
	}

	for _, dead := range expired {
		if err := r.rebalanceConsumer(ctx, dead, liveByGroup); err != nil {
			r.logger.Error("failed to rebalance consumer",
				ports.Field{Key: "consumer", Value: dead.ConsumerName},
				ports.Field{Key: "error", Value: err})
		}
	}

	return nil
}

// groupFor returns the consumer group a heartbeat belongs to. Every
// consumer in this deployment joins the single constant group; the
// bucketing step stays so multi-group deployments only have to change this
// lookup.
func (r *Rebalancer) groupFor(_ domain.ConsumerHeartbeat) string {
	return domain.ConsumerGroupName
}

// rebalanceConsumer moves one dead consumer's pending entries to live peers
// and deletes its heartbeat once none remain pending. The heartbeat goes
// last: a crash mid-pass leaves the consumer still expired, and the next
// tick retries harmlessly.
func (r *Rebalancer) rebalanceConsumer(
	ctx context.Context,
	dead domain.ConsumerHeartbeat,
	liveByGroup map[string][]domain.ConsumerHeartbeat,
) error {
	group := r.groupFor(dead)
	live := liveByGroup[group]

	if len(live) == 0 {
		// Pending entries stay pending; identically-named future consumers
		// recover them through the "0" cursor.
		r.logger.Warn("no live consumers in group, dropping heartbeat only",
			ports.Field{Key: "consumer", Value: dead.ConsumerName},
			ports.Field{Key: "group", Value: group})
		r.metrics.ConsumersExpired.Add(1)
		return r.redis.HashDelete(ctx, domain.ConsumerHeartbeatKey, dead.ConsumerName)
	}

	ids, err := r.redis.PendingIDs(ctx, dead.StreamName, group, dead.ConsumerName, domain.PendingFetchLimit)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		r.logger.Info("expired consumer has no pending entries",
			ports.Field{Key: "consumer", Value: dead.ConsumerName})
	} else {
		r.logger.Info("redistributing pending entries",
			ports.Field{Key: "consumer", Value: dead.ConsumerName},
			ports.Field{Key: "count", Value: len(ids)})
		r.redistribute(ctx, dead.StreamName, group, ids, live)

		// Entries left unclaimed, or beyond the fetch limit, keep the
		// heartbeat in place so the next tick picks them up.
		remaining, err := r.redis.PendingIDs(ctx, dead.StreamName, group, dead.ConsumerName, 1)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			r.logger.Warn("entries still pending after redistribution, keeping heartbeat",
				ports.Field{Key: "consumer", Value: dead.ConsumerName})
			return nil
		}
	}

	r.metrics.ConsumersExpired.Add(1)
	return r.redis.HashDelete(ctx, domain.ConsumerHeartbeatKey, dead.ConsumerName)
}

// redistribute claims ids in chunks, round-robining chunks over the live
// consumers. Chunk-level round-robin keeps related entries together and
// cuts per-claim overhead; partial claims are accepted and anything left
// over is retried on the next tick.
func (r *Rebalancer) redistribute(
	ctx context.Context,
	stream, group string,
	ids []string,
	live []domain.ConsumerHeartbeat,
) {
	for chunkIdx, chunk := range chunkIDs(ids, domain.ClaimBatchSize) {
		target := live[chunkIdx%len(live)].ConsumerName

		claimed, err := r.redis.ClaimMessages(ctx, stream, group, target, 0, chunk...)
		switch {
		case err != nil:
			r.logger.Warn("batch claim failed, claiming individually",
				ports.Field{Key: "target", Value: target},
				ports.Field{Key: "error", Value: err})
			r.redistributeIndividually(ctx, stream, group, chunk, live)
		case len(claimed) == 0:
			r.logger.Warn("batch claim moved nothing, claiming individually",
				ports.Field{Key: "target", Value: target})
			r.redistributeIndividually(ctx, stream, group, chunk, live)
		case len(claimed) < len(chunk):
			r.metrics.MessagesClaimed.Add(uint64(len(claimed)))
			r.logger.Warn("partial claim",
				ports.Field{Key: "target", Value: target},
				ports.Field{Key: "claimed", Value: len(claimed)},
				ports.Field{Key: "requested", Value: len(chunk)})
		default:
			r.metrics.MessagesClaimed.Add(uint64(len(claimed)))
			r.logger.Info("claimed chunk",
				ports.Field{Key: "target", Value: target},
				ports.Field{Key: "count", Value: len(claimed)})
		}
	}
}

// redistributeIndividually is the fallback when a whole chunk fails: each
// id is claimed on its own against the same round-robin sequence.
func (r *Rebalancer) redistributeIndividually(
	ctx context.Context,
	stream, group string,
	ids []string,
	live []domain.ConsumerHeartbeat,
) {
	for i, id := range ids {
		target := live[i%len(live)].ConsumerName
		claimed, err := r.redis.ClaimMessages(ctx, stream, group, target, 0, id)
		if err != nil || len(claimed) == 0 {
			r.logger.Warn("failed to claim entry",
				ports.Field{Key: "id", Value: id},
				ports.Field{Key: "target", Value: target},
				ports.Field{Key: "error", Value: err})
			continue
		}
		r.metrics.MessagesClaimed.Add(1)
	}
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		return [][]string{ids}
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Package redis provides the Redis Streams broker client with conversion
// helpers and retry logic.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/taskworks/backend/internal/config"
	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/ports"
)

// client implements ports.RedisClient using go-redis v9. The underlying
// universal client multiplexes connections and reconnects transparently, so
// a worker and its heartbeat emitter can share one client without a worker
// read blocking a heartbeat write.
type client struct {
	client goredis.UniversalClient
	cfg    *config.RedisConfig
	logger ports.Logger
}

// NewClient creates a new Redis client using the application config
func NewClient(cfg *config.Config, logger ports.Logger) (ports.RedisClient, error) {
	return newClient(&cfg.Redis, logger)
}

// newClient creates a new Redis client using the redis-specific config
func newClient(cfg *config.RedisConfig, logger ports.Logger) (*client, error) {
	c := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MasterName:   cfg.MasterName, // for sentinel
	})

	return &client{
		client: c,
		cfg:    cfg,
		logger: logger.WithFields(ports.Field{Key: "component", Value: "redis-client"}),
	}, nil
}

// NewFromUniversal wraps an existing go-redis client. Used by tests that
// point the facade at an in-memory server.
func NewFromUniversal(c goredis.UniversalClient, cfg *config.RedisConfig, logger ports.Logger) ports.RedisClient {
	return &client{client: c, cfg: cfg, logger: logger}
}

// CreateConsumerGroup creates the stream and group if they don't exist.
// A pre-existing group is reported by Redis as BUSYGROUP and ignored.
func (c *client) CreateConsumerGroup(ctx context.Context, stream, group, startID string) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		err := c.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
		if err != nil {
			c.logger.Warn("consumer group already exists",
				ports.Field{Key: "stream", Value: stream},
				ports.Field{Key: "group", Value: group})
		}
		return nil
	})
}

// ReadPending returns entries already delivered to this consumer but not yet
// acknowledged (cursor "0"). Redis answers immediately regardless of block.
func (c *client) ReadPending(
	ctx context.Context,
	stream, group, consumer string,
	count int64,
	block time.Duration,
) ([]*domain.Message, error) {
	return c.readGroup(ctx, stream, group, consumer, "0", count, block)
}

// ReadNew returns fresh undelivered entries (cursor ">"), blocking up to
// block when the stream is idle.
func (c *client) ReadNew(
	ctx context.Context,
	stream, group, consumer string,
	count int64,
	block time.Duration,
) ([]*domain.Message, error) {
	return c.readGroup(ctx, stream, group, consumer, ">", count, block)
}

func (c *client) readGroup(
	ctx context.Context,
	stream, group, consumer, cursor string,
	count int64,
	block time.Duration,
) ([]*domain.Message, error) {
	var messages []*domain.Message

	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		streams, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    count,
			Block:    block,
			NoAck:    false,
		}).Result()

		if err != nil {
			// redis.Nil means the block timed out with nothing to read.
			if errors.Is(err, goredis.Nil) {
				messages = nil
				return nil
			}
			// Group missing after a Redis restart: recreate and continue.
			if strings.Contains(err.Error(), "NOGROUP") {
				cgErr := c.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
				if cgErr != nil && !strings.Contains(cgErr.Error(), "BUSYGROUP") {
					return cgErr
				}
				messages = nil
				return nil
			}
			return err
		}

		messages = convertXMessages(streams)
		return nil
	})

	return messages, err
}

// AckMessages acknowledges entries in a stream. Acknowledging an already
// acked or unknown id is a no-op on the Redis side.
func (c *client) AckMessages(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		err := c.client.XAck(ctx, stream, group, ids...).Err()
		if err != nil && strings.Contains(err.Error(), "NOGROUP") {
			// Group missing (e.g., after Redis restart). Treat as already acked.
			return nil
		}
		return err
	})
}

// PendingIDs lists entry ids currently assigned to a specific consumer.
func (c *client) PendingIDs(ctx context.Context, stream, group, consumer string, count int64) ([]string, error) {
	var ids []string

	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			Start:    "-",
			End:      "+",
			Count:    count,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				ids = nil
				return nil
			}
			return err
		}

		ids = make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		return nil
	})

	return ids, err
}

// ClaimMessages force-transfers ownership of pending entries to newOwner and
// returns the ids actually claimed. minIdle 0 claims unconditionally.
func (c *client) ClaimMessages(
	ctx context.Context,
	stream, group, newOwner string,
	minIdle time.Duration,
	ids ...string,
) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var claimed []string

	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		xmsgs, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: newOwner,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				claimed = nil
				return nil
			}
			return err
		}

		claimed = make([]string, 0, len(xmsgs))
		for _, m := range xmsgs {
			claimed = append(claimed, m.ID)
		}
		return nil
	})

	return claimed, err
}

// AddMessage appends an entry to a stream with the payload under the
// `message` field and returns the broker-assigned id.
func (c *client) AddMessage(ctx context.Context, stream string, payload []byte) (string, error) {
	var id string

	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		var addErr error
		id, addErr = c.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{domain.MessageField: payload},
		}).Result()
		return addErr
	})

	return id, err
}

// HashSet writes one field of a hash.
func (c *client) HashSet(ctx context.Context, key, field, value string) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.HSet(ctx, key, field, value).Err()
	})
}

// HashGetAll returns all fields of a hash. A missing key yields an empty map.
func (c *client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var result map[string]string

	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		var getErr error
		result, getErr = c.client.HGetAll(ctx, key).Result()
		return getErr
	})

	return result, err
}

// HashDelete removes fields from a hash.
func (c *client) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.HDel(ctx, key, fields...).Err()
	})
}

// SetIfAbsentTTL is the distributed-lock primitive: SET NX EX. Returns true
// iff the key was newly set.
func (c *client) SetIfAbsentTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var acquired bool

	err := c.executeWithRetry(ctx, func(ctx context.Context) error {
		var setErr error
		acquired, setErr = c.client.SetNX(ctx, key, value, ttl).Result()
		return setErr
	})

	return acquired, err
}

// Delete removes keys unconditionally.
func (c *client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// Ping checks the connection to Redis
func (c *client) Ping(ctx context.Context) error {
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
}

// Close closes the Redis client
func (c *client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// convertXMessages extracts the `message` field of each entry. Entries
// without the field keep a nil payload so the worker can ack them without
// inventing data.
func convertXMessages(streams []goredis.XStream) []*domain.Message {
	var messages []*domain.Message

	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, &domain.Message{
				ID:      xmsg.ID,
				Payload: extractPayload(xmsg.Values),
			})
		}
	}
	return messages
}

func extractPayload(values map[string]any) []byte {
	raw, ok := values[domain.MessageField]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// executeWithRetry retries transient connection failures with a fixed
// interval, bounded by cfg.MaxRetries.
func (c *client) executeWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var attempt int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		// Do not retry on redis.Nil (treated as "no data")
		if errors.Is(err, goredis.Nil) {
			return nil
		}

		if !isTransientRedisError(err) || attempt >= c.cfg.MaxRetries {
			return err
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// isTransientRedisError reports whether err appears to be a transient
// connection/loading issue.
func isTransientRedisError(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "LOADING") ||
		strings.Contains(es, "connect: connection refused") ||
		strings.Contains(es, "i/o timeout") ||
		strings.Contains(es, "EOF") ||
		strings.Contains(es, "read: connection reset")
}

// Package ports defines the service interfaces (ports) used by the
// application to decouple implementations.
package ports

import (
	"context"
	"time"

	"github.com/taskworks/backend/internal/domain"
)

// RedisClient defines the broker operations the consumer pool, the
// rebalancer, and the producers depend on.
type RedisClient interface {
	// Stream operations
	CreateConsumerGroup(ctx context.Context, stream, group, startID string) error
	ReadPending(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]*domain.Message, error)
	ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]*domain.Message, error)
	AckMessages(ctx context.Context, stream, group string, ids ...string) error
	PendingIDs(ctx context.Context, stream, group, consumer string, count int64) ([]string, error)
	ClaimMessages(ctx context.Context, stream, group, newOwner string, minIdle time.Duration, ids ...string) ([]string, error)
	AddMessage(ctx context.Context, stream string, payload []byte) (string, error)

	// Heartbeat bookkeeping
	HashSet(ctx context.Context, key, field, value string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashDelete(ctx context.Context, key string, fields ...string) error

	// Distributed-lock primitives
	SetIfAbsentTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// TaskHandler binds one stream to business code. Implementations must be
// safe to call concurrently from different workers; they are not required
// to be idempotent.
type TaskHandler interface {
	// StreamName is the immutable stream this handler consumes.
	StreamName() string

	// ConsumerPrefix is used to build `<prefix>_<ordinal>` consumer names.
	ConsumerPrefix() string

	// HandleTask processes one opaque payload. It may take arbitrary
	// time; callers bound concurrency, not duration.
	HandleTask(ctx context.Context, payload []byte) error
}

// ProjectStore is the persistence port used by the HTTP layer.
type ProjectStore interface {
	FindProjects(ctx context.Context, name string, pageSize, offset int64) ([]Project, int64, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	CreateProject(ctx context.Context, name string, comment *string) (*Project, error)
	UpdateProject(ctx context.Context, id int64, name string, comment *string) (*Project, error)
	DeleteProject(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}

// Project is the domain entity served by the HTTP layer.
type Project struct {
	ID          int64   `json:"id"`
	ProjectName string  `json:"project_name"`
	Comment     *string `json:"comment,omitempty"`
}

// Publisher is the outbound messaging port used by the notify handler.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect(timeout time.Duration)
}

// Logger defines the interface for logging
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// Field represents a logging field
type Field struct {
	Key   string
	Value interface{}
}

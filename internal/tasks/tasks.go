// Package tasks contains the task handlers bound to the deployment's
// streams. Each handler consumes one stream; workers call HandleTask
// concurrently.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/pkg/jsonx"
)

// TypeAHandler consumes task_type_a entries.
type TypeAHandler struct {
	logger ports.Logger
}

// NewTypeAHandler creates the handler for stream task_type_a.
func NewTypeAHandler(logger ports.Logger) *TypeAHandler {
	return &TypeAHandler{
		logger: logger.WithFields(ports.Field{Key: "component", Value: "task-type-a"}),
	}
}

// StreamName returns the stream this handler consumes.
func (h *TypeAHandler) StreamName() string { return "task_type_a" }

// ConsumerPrefix returns the consumer-name prefix for this pool. Prefixes
// are distinct per stream because the heartbeat hash is keyed by consumer
// name alone.
func (h *TypeAHandler) ConsumerPrefix() string { return "task_a_consumer" }

// HandleTask decodes the payload and performs the type-A work.
func (h *TypeAHandler) HandleTask(ctx context.Context, payload []byte) error {
	h.logger.Trace("handling task payload", ports.Field{Key: "payload", Value: string(payload)})

	var info domain.TaskInfo
	if err := jsonx.Unmarshal(payload, &info); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}

	h.logger.Debug("handling task",
		ports.Field{Key: "title", Value: info.Title},
		ports.Field{Key: "command", Value: info.Command},
		ports.Field{Key: "author", Value: info.Author})

	// Placeholder workload until the real type-A pipeline lands.
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// TypeBHandler consumes task_type_b entries.
type TypeBHandler struct {
	logger ports.Logger
}

// NewTypeBHandler creates the handler for stream task_type_b.
func NewTypeBHandler(logger ports.Logger) *TypeBHandler {
	return &TypeBHandler{
		logger: logger.WithFields(ports.Field{Key: "component", Value: "task-type-b"}),
	}
}

// StreamName returns the stream this handler consumes.
func (h *TypeBHandler) StreamName() string { return "task_type_b" }

// ConsumerPrefix returns the consumer-name prefix for this pool.
func (h *TypeBHandler) ConsumerPrefix() string { return "task_b_consumer" }

// HandleTask decodes the payload and performs the type-B work.
func (h *TypeBHandler) HandleTask(ctx context.Context, payload []byte) error {
	var info domain.TaskInfo
	if err := jsonx.Unmarshal(payload, &info); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}

	h.logger.Debug("handling task",
		ports.Field{Key: "title", Value: info.Title},
		ports.Field{Key: "command", Value: info.Command})

	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

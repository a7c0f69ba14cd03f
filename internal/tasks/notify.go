package tasks

import (
	"context"
	"fmt"

	"github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/pkg/jsonx"
)

// NotifyHandler consumes task_notify entries and forwards each payload to
// an MQTT topic. It is registered only when an MQTT broker is configured.
type NotifyHandler struct {
	publisher ports.Publisher
	topic     string
	logger    ports.Logger
}

// NewNotifyHandler creates the handler for stream task_notify.
func NewNotifyHandler(publisher ports.Publisher, topic string, logger ports.Logger) *NotifyHandler {
	return &NotifyHandler{
		publisher: publisher,
		topic:     topic,
		logger:    logger.WithFields(ports.Field{Key: "component", Value: "task-notify"}),
	}
}

// StreamName returns the stream this handler consumes.
func (h *NotifyHandler) StreamName() string { return "task_notify" }

// ConsumerPrefix returns the consumer-name prefix for this pool.
func (h *NotifyHandler) ConsumerPrefix() string { return "notify_consumer" }

// HandleTask forwards the payload to the notification topic. Payloads must
// be valid JSON; anything else is rejected before it reaches subscribers.
func (h *NotifyHandler) HandleTask(ctx context.Context, payload []byte) error {
	if !jsonx.Valid(payload) {
		return fmt.Errorf("notify payload is not valid JSON")
	}

	if err := h.publisher.Publish(ctx, h.topic, payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	h.logger.Debug("notification published",
		ports.Field{Key: "topic", Value: h.topic},
		ports.Field{Key: "bytes", Value: len(payload)})
	return nil
}

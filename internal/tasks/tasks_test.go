package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskworks/backend/internal/logger"
	"github.com/taskworks/backend/internal/ports"
)

func testLogger(t *testing.T) ports.Logger {
	t.Helper()
	logr, err := logger.NewLogrusLogger("error", "text")
	require.NoError(t, err)
	return logr
}

func TestHandlerStreamBindings(t *testing.T) {
	a := NewTypeAHandler(testLogger(t))
	assert.Equal(t, "task_type_a", a.StreamName())
	assert.Equal(t, "task_a_consumer", a.ConsumerPrefix())

	b := NewTypeBHandler(testLogger(t))
	assert.Equal(t, "task_type_b", b.StreamName())
	assert.Equal(t, "task_b_consumer", b.ConsumerPrefix())
}

func TestTypeAHandlerRejectsBadPayload(t *testing.T) {
	h := NewTypeAHandler(testLogger(t))
	err := h.HandleTask(context.Background(), []byte("not-json"))
	assert.Error(t, err)
}

func TestTypeBHandlerRejectsBadPayload(t *testing.T) {
	h := NewTypeBHandler(testLogger(t))
	err := h.HandleTask(context.Background(), []byte(`[1,2]`))
	assert.Error(t, err)
}

func TestTypeAHandlerStopsOnCancelledContext(t *testing.T) {
	h := NewTypeAHandler(testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.HandleTask(ctx, []byte(`{"title":"t","command":"c","author":"a"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/logger"
	"github.com/taskworks/backend/internal/ports"
)

// ---------- Fakes ----------

// fakeRedis implements ports.RedisClient in memory. Reads serve queued
// batches once; an empty ReadNew simulates a short broker block so loops do
// not spin hot in tests, while an empty ReadPending returns at once.
type fakeRedis struct {
	mu sync.Mutex

	pendingBatches [][]*domain.Message
	newBatches     [][]*domain.Message

	ackedIDs         []string
	hashes           map[string]map[string]string
	createdGroups    []string
	createGroupFails int

	readPendingErr error
	readNewErr     error
	ackErr         error
	hashSetErr     error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (f *fakeRedis) CreateConsumerGroup(_ context.Context, stream, group, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createGroupFails > 0 {
		f.createGroupFails--
		return errors.New("connection refused")
	}
	f.createdGroups = append(f.createdGroups, stream+"/"+group)
	return nil
}

func (f *fakeRedis) ReadPending(ctx context.Context, _, _, _ string, _ int64, _ time.Duration) ([]*domain.Message, error) {
	f.mu.Lock()
	if f.readPendingErr != nil {
		err := f.readPendingErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.pendingBatches) > 0 {
		batch := f.pendingBatches[0]
		f.pendingBatches = f.pendingBatches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeRedis) ReadNew(ctx context.Context, _, _, _ string, _ int64, _ time.Duration) ([]*domain.Message, error) {
	f.mu.Lock()
	if f.readNewErr != nil {
		err := f.readNewErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.newBatches) > 0 {
		batch := f.newBatches[0]
		f.newBatches = f.newBatches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()

	// Simulate a short blocking read on an idle stream.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (f *fakeRedis) AckMessages(_ context.Context, _, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.ackedIDs = append(f.ackedIDs, ids...)
	return nil
}

func (f *fakeRedis) PendingIDs(_ context.Context, _, _, _ string, _ int64) ([]string, error) {
	return nil, nil
}

func (f *fakeRedis) ClaimMessages(_ context.Context, _, _, _ string, _ time.Duration, ids ...string) ([]string, error) {
	return ids, nil
}

func (f *fakeRedis) AddMessage(_ context.Context, _ string, _ []byte) (string, error) {
	return "0-0", nil
}

func (f *fakeRedis) HashSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashSetErr != nil {
		return f.hashSetErr
	}
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *fakeRedis) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRedis) HashDelete(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}

func (f *fakeRedis) SetIfAbsentTTL(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeRedis) Delete(_ context.Context, _ ...string) error { return nil }
func (f *fakeRedis) Ping(_ context.Context) error                { return nil }
func (f *fakeRedis) Close() error                                { return nil }

func (f *fakeRedis) acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ackedIDs))
	copy(out, f.ackedIDs)
	return out
}

func (f *fakeRedis) hashField(key, field string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	return v, ok
}

// fakeHandler records payloads and optionally fails on chosen ones.
type fakeHandler struct {
	mu       sync.Mutex
	stream   string
	prefix   string
	payloads [][]byte
	failOn   map[string]error
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func newFakeHandler(stream, prefix string) *fakeHandler {
	return &fakeHandler{stream: stream, prefix: prefix, failOn: make(map[string]error)}
}

func (h *fakeHandler) StreamName() string     { return h.stream }
func (h *fakeHandler) ConsumerPrefix() string { return h.prefix }

func (h *fakeHandler) HandleTask(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	h.inFlight++
	if h.inFlight > h.maxSeen {
		h.maxSeen = h.inFlight
	}
	h.payloads = append(h.payloads, payload)
	err := h.failOn[string(payload)]
	delay := h.delay
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	h.mu.Lock()
	h.inFlight--
	h.mu.Unlock()
	return err
}

func (h *fakeHandler) seen() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.payloads))
	copy(out, h.payloads)
	return out
}

func (h *fakeHandler) maxConcurrent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxSeen
}

func testLogger(t *testing.T) ports.Logger {
	t.Helper()
	logr, err := logger.NewLogrusLogger("error", "text")
	require.NoError(t, err)
	return logr
}

func messages(ids ...string) []*domain.Message {
	out := make([]*domain.Message, len(ids))
	for i, id := range ids {
		out[i] = &domain.Message{ID: id, Payload: []byte("payload-" + id)}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

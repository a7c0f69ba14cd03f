package rebalance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskworks/backend/internal/config"
	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/logger"
	"github.com/taskworks/backend/internal/ports"
	redisclient "github.com/taskworks/backend/internal/redis"
	"github.com/taskworks/backend/internal/shutdown"
)

const (
	testStream = "task_type_a"
	noBlock    = -1 * time.Millisecond
)

type fixture struct {
	mr    *miniredis.Miniredis
	cli   ports.RedisClient
	rb    *Rebalancer
	now   time.Time
	ctx   context.Context
	bus   *shutdown.Bus
	stats *domain.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logr, err := logger.NewLogrusLogger("error", "text")
	require.NoError(t, err)

	cli := redisclient.NewFromUniversal(rc, &config.RedisConfig{MaxRetries: 0, RetryInterval: time.Millisecond}, logr)

	bus := shutdown.NewBus()
	stats := domain.NewMetrics()
	rb := New(cli, bus, logr, stats)

	now := time.Unix(1735689600, 0).UTC()
	rb.now = func() time.Time { return now }

	f := &fixture{mr: mr, cli: cli, rb: rb, now: now, ctx: context.Background(), bus: bus, stats: stats}
	require.NoError(t, cli.CreateConsumerGroup(f.ctx, testStream, domain.ConsumerGroupName, "$"))
	return f
}

// addPending appends count entries and delivers them all to consumer, so
// they sit in that consumer's pending list.
func (f *fixture) addPending(t *testing.T, consumer string, count int) []string {
	t.Helper()

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := f.cli.AddMessage(f.ctx, testStream, []byte(fmt.Sprintf(`{"title":"t%d"}`, i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := f.cli.ReadNew(f.ctx, testStream, domain.ConsumerGroupName, consumer, int64(count), noBlock)
	require.NoError(t, err)
	require.Len(t, msgs, count)
	return ids
}

func (f *fixture) writeHeartbeat(t *testing.T, consumer string, lastBeat int64) {
	t.Helper()
	raw, err := domain.ConsumerHeartbeat{
		StreamName:    testStream,
		ConsumerName:  consumer,
		LastHeartbeat: lastBeat,
	}.Encode()
	require.NoError(t, err)
	require.NoError(t, f.cli.HashSet(f.ctx, domain.ConsumerHeartbeatKey, consumer, raw))
}

func (f *fixture) pendingCount(t *testing.T, consumer string) int {
	t.Helper()
	ids, err := f.cli.PendingIDs(f.ctx, testStream, domain.ConsumerGroupName, consumer, 10000)
	require.NoError(t, err)
	return len(ids)
}

func (f *fixture) heartbeatExists(t *testing.T, consumer string) bool {
	t.Helper()
	all, err := f.cli.HashGetAll(f.ctx, domain.ConsumerHeartbeatKey)
	require.NoError(t, err)
	_, ok := all[consumer]
	return ok
}

func (f *fixture) expiredBeat() int64 {
	return f.now.Unix() - domain.HeartbeatTimeoutSeconds - 10
}

func (f *fixture) liveBeat() int64 {
	return f.now.Unix() - 1
}

func TestRebalanceMovesPendingToLiveConsumer(t *testing.T) {
	f := newFixture(t)

	ids := f.addPending(t, "c_0", 3)
	f.writeHeartbeat(t, "c_0", f.expiredBeat())
	f.writeHeartbeat(t, "c_1", f.liveBeat())

	require.NoError(t, f.rb.RunOnce(f.ctx))

	assert.Zero(t, f.pendingCount(t, "c_0"))
	assert.Equal(t, len(ids), f.pendingCount(t, "c_1"))
	assert.False(t, f.heartbeatExists(t, "c_0"))
	assert.True(t, f.heartbeatExists(t, "c_1"))
	assert.Equal(t, uint64(1), f.stats.ConsumersExpired.Load())
	assert.Equal(t, uint64(3), f.stats.MessagesClaimed.Load())
}

func TestRebalanceRoundRobinsChunksAcrossLiveConsumers(t *testing.T) {
	f := newFixture(t)

	// 25 pending ids → chunks of 10/10/5 across two live consumers.
	f.addPending(t, "c_dead", 25)
	f.writeHeartbeat(t, "c_dead", f.expiredBeat())
	f.writeHeartbeat(t, "c_1", f.liveBeat())
	f.writeHeartbeat(t, "c_2", f.liveBeat())

	require.NoError(t, f.rb.RunOnce(f.ctx))

	assert.Zero(t, f.pendingCount(t, "c_dead"))

	counts := []int{f.pendingCount(t, "c_1"), f.pendingCount(t, "c_2")}
	assert.ElementsMatch(t, []int{15, 10}, counts)
	assert.Equal(t, uint64(25), f.stats.MessagesClaimed.Load())
	assert.False(t, f.heartbeatExists(t, "c_dead"))
}

func TestRebalanceWithNoLiveConsumersDropsHeartbeatOnly(t *testing.T) {
	f := newFixture(t)

	f.addPending(t, "c_0", 2)
	f.writeHeartbeat(t, "c_0", f.expiredBeat())

	require.NoError(t, f.rb.RunOnce(f.ctx))

	// Pending stays assigned; only the heartbeat disappears.
	assert.Equal(t, 2, f.pendingCount(t, "c_0"))
	assert.False(t, f.heartbeatExists(t, "c_0"))
}

func TestRebalanceToleratesMalformedHeartbeat(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.cli.HashSet(f.ctx, domain.ConsumerHeartbeatKey, "ghost", "not-json"))
	f.addPending(t, "c_0", 1)
	f.writeHeartbeat(t, "c_0", f.expiredBeat())
	f.writeHeartbeat(t, "c_1", f.liveBeat())

	require.NoError(t, f.rb.RunOnce(f.ctx))

	// The malformed record neither aborts the pass nor gets deleted.
	assert.True(t, f.heartbeatExists(t, "ghost"))
	assert.Zero(t, f.pendingCount(t, "c_0"))
	assert.Equal(t, 1, f.pendingCount(t, "c_1"))
}

func TestRebalanceSkipsRecordWithMismatchedName(t *testing.T) {
	f := newFixture(t)

	// Record stored under the wrong field is a corruption marker.
	raw, err := domain.ConsumerHeartbeat{
		StreamName:    testStream,
		ConsumerName:  "c_other",
		LastHeartbeat: f.expiredBeat(),
	}.Encode()
	require.NoError(t, err)
	require.NoError(t, f.cli.HashSet(f.ctx, domain.ConsumerHeartbeatKey, "c_0", raw))

	require.NoError(t, f.rb.RunOnce(f.ctx))

	// Neither expired nor live: left alone entirely.
	assert.True(t, f.heartbeatExists(t, "c_0"))
	assert.Zero(t, f.stats.ConsumersExpired.Load())
}

func TestRebalanceSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)

	f.addPending(t, "c_0", 1)
	f.writeHeartbeat(t, "c_0", f.expiredBeat())
	f.writeHeartbeat(t, "c_1", f.liveBeat())

	// Another process holds the lock for this tick.
	held, err := f.cli.SetIfAbsentTTL(f.ctx, domain.RebalanceLockKey, "locked", 30*time.Second)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, f.rb.RunOnce(f.ctx))

	assert.Equal(t, 1, f.pendingCount(t, "c_0"))
	assert.True(t, f.heartbeatExists(t, "c_0"))
}

func TestRebalanceReleasesLockAfterPass(t *testing.T) {
	f := newFixture(t)

	f.writeHeartbeat(t, "c_1", f.liveBeat())
	require.NoError(t, f.rb.RunOnce(f.ctx))

	// Lock is free again: the next acquire succeeds.
	held, err := f.cli.SetIfAbsentTTL(f.ctx, domain.RebalanceLockKey, "locked", time.Second)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRebalanceLeavesLiveConsumersAlone(t *testing.T) {
	f := newFixture(t)

	f.addPending(t, "c_0", 2)
	f.writeHeartbeat(t, "c_0", f.liveBeat())

	require.NoError(t, f.rb.RunOnce(f.ctx))

	assert.Equal(t, 2, f.pendingCount(t, "c_0"))
	assert.True(t, f.heartbeatExists(t, "c_0"))
	assert.Zero(t, f.stats.ConsumersExpired.Load())
}

func TestRebalanceExactlyAtTimeoutIsStillLive(t *testing.T) {
	f := newFixture(t)

	// Age == timeout is not yet expired; only strictly older counts.
	f.writeHeartbeat(t, "c_0", f.now.Unix()-domain.HeartbeatTimeoutSeconds)

	require.NoError(t, f.rb.RunOnce(f.ctx))

	assert.True(t, f.heartbeatExists(t, "c_0"))
	assert.Zero(t, f.stats.ConsumersExpired.Load())
}

func TestChunkIDs(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}

	chunks := chunkIDs(ids, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"c", "d"}, chunks[1])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Empty(t, chunkIDs(nil, 2))
	assert.Equal(t, [][]string{ids}, chunkIDs(ids, 0))
	assert.Equal(t, [][]string{ids}, chunkIDs(ids, -1))
}

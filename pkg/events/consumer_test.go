package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler captures handled events and returns a fixed error.
type recordingHandler struct {
	mu     sync.Mutex
	seen   []Event
	reqIDs []string
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, *ev)
	h.reqIDs = append(h.reqIDs, RequestIDFrom(ctx))
	return h.err
}

func (h *recordingHandler) events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.seen...)
}

func (h *recordingHandler) requestIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reqIDs...)
}

func pendingEntries(t *testing.T, rdb *redis.Client) []redis.XPendingExt {
	t.Helper()
	entries, err := rdb.XPendingExt(context.Background(), &redis.XPendingExtArgs{
		Stream: Stream,
		Group:  Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestConsumerHandlesAndAcks(t *testing.T) {
	pub, rdb := newTestBus(t)
	ctx := context.Background()

	handler := &recordingHandler{}
	c := NewConsumer(rdb, pub.cfg, handler, "orch-1")
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	require.NoError(t, pub.Publish(ctx, JobCreated("job-1", "tenant-1", "req-9")))
	require.NoError(t, pub.Publish(ctx, TaskStarted("task-1", "job-1", "transcribe", "inst-1", "req-9")))

	require.Eventually(t, func() bool {
		return len(handler.events()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	evs := handler.events()
	assert.Equal(t, EventTypeJobCreated, evs[0].Type)
	assert.Equal(t, "job-1", evs[0].JobID)
	assert.Equal(t, EventTypeTaskStarted, evs[1].Type)
	assert.Equal(t, "inst-1", evs[1].InstanceID)

	// The submitting request's id rides into every handler context.
	assert.Equal(t, []string{"req-9", "req-9"}, handler.requestIDs())

	require.Eventually(t, func() bool {
		return len(pendingEntries(t, rdb)) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConsumerLeavesFailedEntryPending(t *testing.T) {
	pub, rdb := newTestBus(t)
	ctx := context.Background()

	handler := &recordingHandler{err: errors.New("db unavailable")}
	c := NewConsumer(rdb, pub.cfg, handler, "orch-1")
	require.NoError(t, c.Start(ctx))

	require.NoError(t, pub.Publish(ctx, JobCreated("job-1", "tenant-1", "req-1")))

	require.Eventually(t, func() bool {
		return len(handler.events()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	c.Stop()

	entries := pendingEntries(t, rdb)
	require.Len(t, entries, 1, "a failed handler must leave the entry for redelivery")
	assert.Equal(t, "orch-1", entries[0].Consumer)
}

func TestConsumerDrainsOwnPendingOnStart(t *testing.T) {
	pub, rdb := newTestBus(t)
	ctx := context.Background()

	// A previous life claimed two events and died before acknowledging.
	require.NoError(t, pub.EnsureGroup(ctx))
	require.NoError(t, pub.Publish(ctx, TaskCompleted("task-1", "job-1", "transcribe", "mem://out", "req-1")))
	require.NoError(t, pub.Publish(ctx, TaskFailed("task-2", "job-1", "align", "boom", "req-1")))
	_, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: "orch-1",
		Streams:  []string{Stream, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)

	handler := &recordingHandler{}
	c := NewConsumer(rdb, pub.cfg, handler, "orch-1")
	require.NoError(t, c.Start(ctx), "Start drains the backlog before returning")
	t.Cleanup(c.Stop)

	evs := handler.events()
	require.Len(t, evs, 2)
	assert.Equal(t, "task-1", evs[0].TaskID)
	assert.Equal(t, "task-2", evs[1].TaskID)
	assert.Empty(t, pendingEntries(t, rdb))
}

func TestFailedEntryRetriedOnRestart(t *testing.T) {
	pub, rdb := newTestBus(t)
	ctx := context.Background()

	failing := &recordingHandler{err: errors.New("db unavailable")}
	c1 := NewConsumer(rdb, pub.cfg, failing, "orch-1")
	require.NoError(t, c1.Start(ctx))

	require.NoError(t, pub.Publish(ctx, JobFailed("job-1", "tenant-1", "engine down", "req-1")))
	require.Eventually(t, func() bool {
		return len(failing.events()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	c1.Stop()

	// The successor with the same consumer name picks the entry up on start.
	healthy := &recordingHandler{}
	c2 := NewConsumer(rdb, pub.cfg, healthy, "orch-1")
	require.NoError(t, c2.Start(ctx))
	t.Cleanup(c2.Stop)

	evs := healthy.events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventTypeJobFailed, evs[0].Type)
	assert.Equal(t, "engine down", evs[0].Error)
	assert.Empty(t, pendingEntries(t, rdb))
}

func TestConsumerAcksCorruptEntry(t *testing.T) {
	pub, rdb := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, pub.EnsureGroup(ctx))
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: Stream,
		Values: map[string]any{"event": "{not json"},
	}).Err())
	require.NoError(t, pub.Publish(ctx, JobCreated("job-1", "tenant-1", "req-1")))

	handler := &recordingHandler{}
	c := NewConsumer(rdb, pub.cfg, handler, "orch-1")
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool {
		return len(handler.events()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The corrupt entry was discarded, not redelivered forever.
	assert.Equal(t, EventTypeJobCreated, handler.events()[0].Type)
	assert.Empty(t, pendingEntries(t, rdb))
}

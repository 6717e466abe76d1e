package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/config"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRegistry(rdb, config.DefaultRegistryConfig()), mr, rdb
}

func TestRegisterAndGetInstance(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	info := InstanceInfo{
		EngineID:     "whisper-ct2",
		InstanceID:   "whisper-ct2-abc123",
		Capabilities: []string{"language_id"},
	}
	require.NoError(t, r.Register(ctx, info))

	got, err := r.GetInstance(ctx, "whisper-ct2-abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "whisper-ct2", got.EngineID)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, []string{"language_id"}, got.Capabilities)
	assert.WithinDuration(t, time.Now(), got.LastHeartbeat, 5*time.Second)

	engines, err := r.ListEngines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"whisper-ct2"}, engines)
}

func TestGetInstanceMissing(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	got, err := r.GetInstance(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIsAlive(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "diarizer",
		InstanceID: "diarizer-1",
	}))

	alive, err := r.IsAlive(ctx, "diarizer-1")
	require.NoError(t, err)
	assert.True(t, alive)

	// Unknown instance
	alive, err = r.IsAlive(ctx, "diarizer-ghost")
	require.NoError(t, err)
	assert.False(t, alive)

	// Offline status beats a fresh heartbeat
	require.NoError(t, r.Heartbeat(ctx, "diarizer-1", StatusOffline))
	alive, err = r.IsAlive(ctx, "diarizer-1")
	require.NoError(t, err)
	assert.False(t, alive)

	// A record whose heartbeat is outside the liveness window is dead even
	// though the key has not expired yet
	stale := time.Now().UTC().Add(-2 * time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, rdb.HSet(ctx, heartbeatKey("diarizer-1"), "status", StatusReady, "last_heartbeat", stale).Err())
	alive, err = r.IsAlive(ctx, "diarizer-1")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestHeartbeatRefreshesTTL(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "forced-align",
		InstanceID: "forced-align-1",
	}))

	// Just before expiry the record is still present; a heartbeat resets the clock
	mr.FastForward(80 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "forced-align-1", StatusBusy))

	mr.FastForward(80 * time.Second)
	got, err := r.GetInstance(ctx, "forced-align-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusBusy, got.Status)
}

func TestHeartbeatAfterExpiry(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "forced-align",
		InstanceID: "forced-align-1",
	}))

	mr.FastForward(2 * time.Minute)

	err := r.Heartbeat(ctx, "forced-align-1", StatusReady)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestListInstancesFiltersDead(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{EngineID: "whisper-ct2", InstanceID: "whisper-ct2-a"}))
	require.NoError(t, r.Register(ctx, InstanceInfo{EngineID: "whisper-ct2", InstanceID: "whisper-ct2-b"}))

	// Simulate a crash: the heartbeat key expires but the set member lingers
	require.NoError(t, rdb.Del(ctx, heartbeatKey("whisper-ct2-b")).Err())

	live, err := r.ListInstances(ctx, "whisper-ct2")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "whisper-ct2-a", live[0].InstanceID)

	ok, err := r.HasLiveInstance(ctx, "whisper-ct2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rdb.Del(ctx, heartbeatKey("whisper-ct2-a")).Err())
	ok, err = r.HasLiveInstance(ctx, "whisper-ct2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnyCapable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:     "conformer-ctc",
		InstanceID:   "conformer-ctc-1",
		Capabilities: []string{config.CapabilityNativeWordTimestamps},
	}))
	require.NoError(t, r.Register(ctx, InstanceInfo{
		EngineID:   "whisper-ct2",
		InstanceID: "whisper-ct2-1",
	}))

	ok, err := r.AnyCapable(ctx, "conformer-ctc", config.CapabilityNativeWordTimestamps)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AnyCapable(ctx, "whisper-ct2", config.CapabilityNativeWordTimestamps)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.AnyCapable(ctx, "no-such-engine", config.CapabilityNativeWordTimestamps)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeregister(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{EngineID: "diarizer", InstanceID: "diarizer-1"}))
	require.NoError(t, r.Deregister(ctx, "diarizer", "diarizer-1"))

	got, err := r.GetInstance(ctx, "diarizer-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	live, err := r.ListInstances(ctx, "diarizer")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestPrune(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, InstanceInfo{EngineID: "whisper-ct2", InstanceID: "whisper-ct2-a"}))
	require.NoError(t, r.Register(ctx, InstanceInfo{EngineID: "whisper-ct2", InstanceID: "whisper-ct2-b"}))
	require.NoError(t, r.Register(ctx, InstanceInfo{EngineID: "diarizer", InstanceID: "diarizer-1"}))

	// Expire one whisper instance and the only diarizer instance
	require.NoError(t, rdb.Del(ctx, heartbeatKey("whisper-ct2-b")).Err())
	require.NoError(t, rdb.Del(ctx, heartbeatKey("diarizer-1")).Err())

	removed, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// diarizer lost its last instance and is forgotten entirely
	engines, err := r.ListEngines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"whisper-ct2"}, engines)

	live, err := r.ListInstances(ctx, "whisper-ct2")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "whisper-ct2-a", live[0].InstanceID)
}

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID("whisper-ct2")
	assert.True(t, strings.HasPrefix(id, "whisper-ct2-"))
	assert.Len(t, id, len("whisper-ct2-")+8)

	// Two ids for the same engine must differ
	assert.NotEqual(t, id, NewInstanceID("whisper-ct2"))
}

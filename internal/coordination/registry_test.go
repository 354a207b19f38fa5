package coordination

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	require.NoError(t, client.FlushAll(context.Background()).Err())

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestInstanceRegistry_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	stats := func() (int, int) { return 12, 3 }
	registry := NewInstanceRegistry(client, "ws-1", time.Second, "v1.0.0", stats, clock)
	require.NoError(t, registry.register(ctx))

	active, err := registry.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws-1"}, active)

	infos, err := registry.InstanceInfo(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "v1.0.0", infos[0].Version)
	assert.Equal(t, 12, infos[0].Connections)
	assert.Equal(t, 3, infos[0].Topics)
	assert.Equal(t, clock.Now().Unix(), infos[0].Timestamp)
}

func TestInstanceRegistry_StaleHeartbeatIgnored(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	registry := NewInstanceRegistry(client, "ws-2", time.Second, "v1.0.0", nil, clock)
	require.NoError(t, registry.register(ctx))

	clock.Advance(ActiveWindow + time.Second)

	active, err := registry.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestInstanceRegistry_MalformedEntrySkipped(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)

	registry := NewInstanceRegistry(client, "ws-3", time.Second, "v1.0.0", nil, clockwork.NewFakeClock())
	require.NoError(t, registry.register(ctx))
	require.NoError(t, client.HSet(ctx, instancesKey, "garbage", "{not json").Err())

	active, err := registry.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws-3"}, active)
}

func TestInstanceRegistry_MultipleInstancesSorted(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	for _, id := range []string{"ws-c", "ws-a", "ws-b"} {
		r := NewInstanceRegistry(client, id, time.Second, "v1.0.0", nil, clock)
		require.NoError(t, r.register(ctx))
	}

	r := NewInstanceRegistry(client, "observer", time.Second, "v1.0.0", nil, clock)
	active, err := r.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws-a", "ws-b", "ws-c"}, active)
}

func TestInstanceRegistry_StartHeartbeatsAndUnregisters(t *testing.T) {
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	var conns atomic.Int64
	stats := func() (int, int) { return int(conns.Load()), 1 }
	registry := NewInstanceRegistry(client, "ws-4", 10*time.Second, "v1.0.0", stats, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registry.Start(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))

	raw, err := client.HGet(t.Context(), instancesKey, "ws-4").Result()
	require.NoError(t, err)
	var info InstanceInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, 0, info.Connections)

	conns.Store(7)
	clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool {
		raw, err := client.HGet(t.Context(), instancesKey, "ws-4").Result()
		if err != nil {
			return false
		}
		var info InstanceInfo
		return json.Unmarshal([]byte(raw), &info) == nil && info.Connections == 7
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	exists, err := client.HExists(t.Context(), instancesKey, "ws-4").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInstanceRegistry_LeaderPrunesStaleEntries(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	dead, err := json.Marshal(InstanceInfo{InstanceID: "ws-dead", Timestamp: clock.Now().Add(-2 * ActiveWindow).Unix()})
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, instancesKey, "ws-dead", dead, "ws-garbage", "{").Err())

	leader := NewInstanceRegistry(client, "ws-5", time.Second, "v1.0.0", nil, clock)
	leader.beat(ctx)

	assert.True(t, leader.leading)
	fields, err := client.HKeys(ctx, instancesKey).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ws-5"}, fields)
}

func TestInstanceRegistry_FollowerDoesNotPrune(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	clock := clockwork.NewFakeClock()

	leader := NewInstanceRegistry(client, "ws-6", time.Second, "v1.0.0", nil, clock)
	leader.beat(ctx)
	require.True(t, leader.leading)

	dead, err := json.Marshal(InstanceInfo{InstanceID: "ws-dead", Timestamp: clock.Now().Add(-2 * ActiveWindow).Unix()})
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, instancesKey, "ws-dead", dead).Err())

	follower := NewInstanceRegistry(client, "ws-7", time.Second, "v1.0.0", nil, clock)
	follower.beat(ctx)

	assert.False(t, follower.leading)
	exists, err := client.HExists(ctx, instancesKey, "ws-dead").Result()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInstanceRegistry_UnregisterReleasesLease(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)

	registry := NewInstanceRegistry(client, "ws-8", time.Second, "v1.0.0", nil, clockwork.NewFakeClock())
	registry.beat(ctx)
	require.True(t, registry.leading)

	registry.unregister()

	assert.False(t, registry.leading)
	assert.Equal(t, int64(0), client.Exists(ctx, leaderKey).Val())
}

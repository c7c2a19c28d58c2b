package bus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getClient returns a bus client over a flushed Redis, skipping when Docker
// is unavailable.
func getClient(t *testing.T) Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	client, err := New(Options{Redis: testRedisClient})
	require.NoError(t, err)
	return client
}

func TestSetNXLockSemantics(t *testing.T) {
	client := getClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, RunLockKey("r1"), "inst_A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim must observe the holder.
	ok, err = client.SetNX(ctx, RunLockKey("r1"), "inst_B", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	holder, err := client.Get(ctx, RunLockKey("r1"))
	require.NoError(t, err)
	require.Equal(t, "inst_A", holder)

	require.NoError(t, client.Delete(ctx, RunLockKey("r1")))
	_, err = client.Get(ctx, RunLockKey("r1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResponseListAppendAndRange(t *testing.T) {
	client := getClient(t)
	ctx := context.Background()
	ns := AgentRunNamespace("r1")

	require.NoError(t, client.RPush(ctx, ns.ResponsesKey(), `{"seq":1}`, `{"seq":2}`))
	require.NoError(t, client.RPush(ctx, ns.ResponsesKey(), `{"seq":3}`))

	all, err := client.LRange(ctx, ns.ResponsesKey(), 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}, all)

	tail, err := client.LRange(ctx, ns.ResponsesKey(), 1, -1)
	require.NoError(t, err)
	require.Equal(t, []string{`{"seq":2}`, `{"seq":3}`}, tail)

	require.NoError(t, client.Expire(ctx, ns.ResponsesKey(), time.Hour))
	ttl, err := testRedisClient.TTL(ctx, ns.ResponsesKey()).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Minute)
}

func TestPublishSubscribe(t *testing.T) {
	client := getClient(t)
	ctx := context.Background()
	ns := AgentRunNamespace("r1")

	sub, err := client.Subscribe(ctx, ns.ControlChannel(), ns.InstanceControlChannel("inst_A"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, ns.ControlChannel(), ControlStop))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, ns.ControlChannel(), msg.Channel)
		require.Equal(t, ControlStop, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
}

func TestKeysScansByPattern(t *testing.T) {
	client := getClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, ActiveRunKey("inst_A", "r1"), "running", time.Minute))
	require.NoError(t, client.Set(ctx, ActiveRunKey("inst_A", "r2"), "running", time.Minute))
	require.NoError(t, client.Set(ctx, ActiveRunKey("inst_B", "r3"), "running", time.Minute))

	keys, err := client.Keys(ctx, "active_run:inst_A:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		ActiveRunKey("inst_A", "r1"),
		ActiveRunKey("inst_A", "r2"),
	}, keys)

	keys, err = client.Keys(ctx, "active_run:inst_C:*")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestHeartbeatKeyLifecycle(t *testing.T) {
	client := getClient(t)
	ctx := context.Background()
	key := ActiveRunKey("inst_A", "r1")

	require.NoError(t, client.Set(ctx, key, "running", time.Minute))
	require.NoError(t, client.Expire(ctx, key, time.Hour))
	val, err := client.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "running", val)
	require.NoError(t, client.Delete(ctx, key))
}

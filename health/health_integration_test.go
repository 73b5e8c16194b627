package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/taskbridge/engine"
	"goa.design/taskbridge/store"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

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

// fakeSource serves a mutable stats snapshot.
type fakeSource struct {
	mu    sync.Mutex
	stats engine.Stats
}

func (f *fakeSource) Snapshot(context.Context) engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) set(st engine.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = st
}

func getReporter(t *testing.T, src Source) (*Reporter, *store.Gateway) {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	ctx := context.Background()
	require.NoError(t, testRedisClient.FlushDB(ctx).Err())
	gw, err := store.New(store.Options{Redis: testRedisClient, Prefix: "test"})
	require.NoError(t, err)
	r, err := New(Options{Store: gw, Source: src})
	require.NoError(t, err)
	return r, gw
}

func readSnapshot(t *testing.T, gw *store.Gateway) engine.Stats {
	t.Helper()
	raw, found, err := gw.Get(context.Background(), gw.HealthKey())
	require.NoError(t, err)
	require.True(t, found)
	var st engine.Stats
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	return st
}

func TestStartWritesImmediateSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(engine.Stats{Status: "ok", PendingDepth: 3})
	r, gw := getReporter(t, src)
	ctx := context.Background()

	r.Start(ctx)
	defer r.Stop(ctx)

	st := readSnapshot(t, gw)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, int64(3), st.PendingDepth)
}

func TestSnapshotCarriesTTL(t *testing.T) {
	src := &fakeSource{}
	src.set(engine.Stats{Status: "ok"})
	r, gw := getReporter(t, src)
	ctx := context.Background()

	r.Start(ctx)
	defer r.Stop(ctx)

	ttl, err := testRedisClient.TTL(ctx, gw.HealthKey()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, store.HealthTTL)
}

func TestStopPublishesFinalSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(engine.Stats{Status: "ok"})
	r, gw := getReporter(t, src)
	ctx := context.Background()

	r.Start(ctx)
	src.set(engine.Stats{Status: "stopped"})
	r.Stop(ctx)

	// The final write lands after the loop halts, so watchers see the
	// terminal status rather than an expiring "ok" key.
	st := readSnapshot(t, gw)
	assert.Equal(t, "stopped", st.Status)
}

func TestNewValidatesOptions(t *testing.T) {
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	gw, err := store.New(store.Options{Redis: testRedisClient, Prefix: "test"})
	require.NoError(t, err)

	_, err = New(Options{Source: &fakeSource{}})
	assert.Error(t, err)
	_, err = New(Options{Store: gw})
	assert.Error(t, err)
}

package subs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"goa.design/pulse/pool"

	"goa.design/taskbridge/planner"
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

// fakeAPI scripts the planner subscription endpoints.
type fakeAPI struct {
	mu sync.Mutex

	created    []*planner.Subscription
	createErr  map[string]error // keyed by resource
	renewErr   map[string]error // keyed by subscription ID
	deleted    []string
	chats      []planner.Chat
	chatsErr   error
	renewCalls int
}

func (f *fakeAPI) CreateSubscription(_ context.Context, sub *planner.Subscription) (*planner.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[sub.Resource]; err != nil {
		return nil, err
	}
	out := *sub
	out.ID = uuid.New().String()
	f.created = append(f.created, &out)
	return &out, nil
}

func (f *fakeAPI) RenewSubscription(_ context.Context, id string, expires time.Time) (*planner.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	if err := f.renewErr[id]; err != nil {
		return nil, err
	}
	return &planner.Subscription{ID: id, ExpirationDateTime: expires}, nil
}

func (f *fakeAPI) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) ListChats(context.Context, string) ([]planner.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, f.chatsErr
}

func getManager(t *testing.T, api *fakeAPI) (*Manager, *store.Gateway) {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	ctx := context.Background()
	require.NoError(t, testRedisClient.FlushDB(ctx).Err())
	gw, err := store.New(store.Options{Redis: testRedisClient, Prefix: "test"})
	require.NoError(t, err)
	node, err := pool.AddNode(ctx, "test:subs:"+uuid.NewString(), testRedisClient,
		pool.WithWorkerTTL(time.Second),
		pool.WithWorkerShutdownTTL(2*time.Second),
		pool.WithJobSinkBlockDuration(100*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close(context.Background()) })

	m, err := New(Options{
		API:             api,
		Store:           gw,
		Pool:            node,
		NotificationURL: "https://bridge.example.com/webhook/planner",
		AgentUserID:     "agent-1",
	})
	require.NoError(t, err)
	return m, gw
}

func TestEnsurePlannerCreatesOnce(t *testing.T) {
	api := &fakeAPI{}
	m, _ := getManager(t, api)
	ctx := context.Background()

	require.NoError(t, m.EnsurePlanner(ctx))
	require.NoError(t, m.EnsurePlanner(ctx)) // idempotent

	require.Len(t, api.created, 1)
	assert.Equal(t, "/planner/tasks", api.created[0].Resource)
	assert.Equal(t, "updated,created,deleted", api.created[0].ChangeType)
	assert.NotEmpty(t, api.created[0].ClientState)

	reg, err := m.Registry(ctx)
	require.NoError(t, err)
	require.Len(t, reg, 1)
	for _, rec := range reg {
		assert.Equal(t, ModePlanner, rec.Mode)
		assert.Equal(t, StateActive, rec.State)
	}
}

func TestValidateClientState(t *testing.T) {
	api := &fakeAPI{}
	m, _ := getManager(t, api)
	ctx := context.Background()

	require.NoError(t, m.EnsurePlanner(ctx))
	sub := api.created[0]

	ok, err := m.ValidateClientState(ctx, sub.ID, sub.ClientState)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ValidateClientState(ctx, sub.ID, "wrong-secret")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ValidateClientState(ctx, "unknown-sub", sub.ClientState)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureChatsFallsBackToPerChat(t *testing.T) {
	api := &fakeAPI{
		createErr: map[string]error{
			"/chats": &planner.Error{Status: 403, Message: "tenant forbids global chat subscriptions"},
		},
		chats: []planner.Chat{{ID: "chat-1"}, {ID: "chat-2"}},
	}
	m, _ := getManager(t, api)
	ctx := context.Background()

	require.NoError(t, m.EnsureChats(ctx))

	reg, err := m.Registry(ctx)
	require.NoError(t, err)
	var perChat int
	for _, rec := range reg {
		if rec.Mode == ModePerChat {
			perChat++
		}
	}
	assert.Equal(t, 2, perChat)
}

func TestSweepRenewsExpiring(t *testing.T) {
	api := &fakeAPI{}
	m, _ := getManager(t, api)
	ctx := context.Background()

	require.NoError(t, m.EnsurePlanner(ctx))
	sub := api.created[0]

	// Age the registry entry into the renewal window.
	reg, err := m.Registry(ctx)
	require.NoError(t, err)
	rec := reg[sub.ID]
	rec.ExpiresAt = time.Now().Add(5 * time.Minute)
	reg[sub.ID] = rec
	require.NoError(t, m.saveRegistry(ctx, reg))

	m.Sweep(ctx)

	assert.Equal(t, 1, api.renewCalls)
	reg, err = m.Registry(ctx)
	require.NoError(t, err)
	rec = reg[sub.ID]
	assert.Equal(t, StateActive, rec.State)
	assert.Greater(t, time.Until(rec.ExpiresAt), time.Hour)
}

func TestSweepRecreatesOnRenewalFailure(t *testing.T) {
	api := &fakeAPI{renewErr: map[string]error{}}
	m, _ := getManager(t, api)
	ctx := context.Background()

	require.NoError(t, m.EnsurePlanner(ctx))
	old := api.created[0]
	api.mu.Lock()
	api.renewErr[old.ID] = &planner.Error{Status: 404, Message: "subscription expired"}
	api.mu.Unlock()

	reg, err := m.Registry(ctx)
	require.NoError(t, err)
	rec := reg[old.ID]
	rec.ExpiresAt = time.Now().Add(time.Minute)
	reg[old.ID] = rec
	require.NoError(t, m.saveRegistry(ctx, reg))

	m.Sweep(ctx)

	// The old subscription was deleted and a fresh one created for the same
	// resource.
	assert.Contains(t, api.deleted, old.ID)
	reg, err = m.Registry(ctx)
	require.NoError(t, err)
	require.Len(t, reg, 1)
	for id, rec := range reg {
		assert.NotEqual(t, old.ID, id)
		assert.Equal(t, "/planner/tasks", rec.Resource)
		assert.Equal(t, StateActive, rec.State)
	}
}

func TestStopReleasesSubscriptions(t *testing.T) {
	api := &fakeAPI{}
	m, _ := getManager(t, api)
	ctx := context.Background()

	require.NoError(t, m.EnsurePlanner(ctx))
	sub := api.created[0]

	m.Stop(ctx, true)

	assert.Contains(t, api.deleted, sub.ID)
	ok, err := m.ValidateClientState(ctx, sub.ID, sub.ClientState)
	require.NoError(t, err)
	assert.False(t, ok)
	reg, err := m.Registry(ctx)
	require.NoError(t, err)
	assert.Empty(t, reg)
}

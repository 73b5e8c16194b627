// Package bridge wires the task synchronization service together: the Redis
// store gateway, token cache, rate governor, planner client, event bus,
// Pulse cluster primitives, sync engine, subscription manager, webhook
// router, read-surface proxies, and health reporter.
//
// # Clustering
//
// Multiple bridge nodes sharing a Redis instance and key prefix form a
// cluster: webhook events fan out through durable stream sinks, the slow
// poll and housekeeping fire on exactly one node per tick, and capacity
// verdicts replicate to every node.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/taskbridge/adapter"
	"goa.design/taskbridge/bus"
	"goa.design/taskbridge/config"
	"goa.design/taskbridge/crosswalk"
	"goa.design/taskbridge/engine"
	"goa.design/taskbridge/govern"
	healthpkg "goa.design/taskbridge/health"
	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/store"
	"goa.design/taskbridge/subs"
	"goa.design/taskbridge/surface"
	"goa.design/taskbridge/telemetry"
	"goa.design/taskbridge/token"
	"goa.design/taskbridge/webhook"
)

// shutdownGrace bounds the HTTP server drain during shutdown.
const shutdownGrace = 15 * time.Second

type (
	// Config configures the bridge.
	Config struct {
		// Settings is the loaded service configuration. Required.
		Settings config.Config
		// Redis is the Redis client. Required. The caller owns its
		// lifecycle.
		Redis *redis.Client
		// Logger defaults to the clue-backed logger.
		Logger telemetry.Logger
		// Metrics defaults to the OpenTelemetry-backed recorder.
		Metrics telemetry.Metrics
		// Debug mounts the pprof and log-level endpoints and logs request
		// bodies.
		Debug bool
	}

	// Bridge is the assembled service.
	Bridge struct {
		cfg     Config
		store   *store.Gateway
		tokens  *token.Cache
		gov     *govern.Governor
		client  *planner.Client
		bus     bus.Client
		counts  *rmap.Map
		pool    *pool.Node
		engine  *engine.Engine
		subs    *subs.Manager
		router  *webhook.Router
		surface *surface.Proxies
		health  *healthpkg.Reporter
		log     telemetry.Logger
	}

	// tokenSource adapts the cache to the planner client, reporting fatal
	// failures to the engine so writes halt instead of spinning.
	tokenSource struct {
		cache  *token.Cache
		kind   token.Kind
		onFail func(ctx context.Context, err error)
	}
)

// Token implements planner.TokenSource.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	tok, _, err := s.cache.Acquire(ctx, s.kind, nil)
	if err != nil {
		if token.IsFatal(err) && s.onFail != nil {
			s.onFail(ctx, err)
		}
		return "", err
	}
	return tok, nil
}

// New assembles the bridge. The caller is responsible for calling Close when
// done, and for closing the Redis client it passed in.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewClueMetrics()
	}
	set := cfg.Settings

	gateway, err := store.New(store.Options{Redis: cfg.Redis, Prefix: set.KeyPrefix})
	if err != nil {
		return nil, fmt.Errorf("create store gateway: %w", err)
	}

	tokens, err := token.New(token.Config{
		TenantID:     set.TenantID,
		ClientID:     set.ClientID,
		ClientSecret: set.ClientSecret,
		Username:     set.AgentUsername,
		Password:     set.AgentPassword,
	}, gateway)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}

	governor := govern.New()

	busClient, err := bus.New(bus.Options{Redis: cfg.Redis})
	if err != nil {
		return nil, fmt.Errorf("create bus client: %w", err)
	}

	counts, err := rmap.Join(ctx, set.KeyPrefix+":plancounts", cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("join plan count map: %w", err)
	}

	poolNode, err := pool.AddNode(ctx, set.KeyPrefix+":bridge", cfg.Redis)
	if err != nil {
		counts.Close()
		return nil, fmt.Errorf("add pool node: %w", err)
	}

	b := &Bridge{
		cfg:    cfg,
		store:  gateway,
		tokens: tokens,
		gov:    governor,
		bus:    busClient,
		counts: counts,
		pool:   poolNode,
		log:    logger,
	}

	delegated := &tokenSource{cache: tokens, kind: token.Delegated}
	client, err := planner.New(planner.Options{
		BaseURL:  set.PlannerBaseURL,
		Tokens:   delegated,
		Reporter: governor,
	})
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("create planner client: %w", err)
	}
	b.client = client

	xwalk := crosswalk.New(gateway)
	adapt := adapter.New(set.UserNameMap)

	eng, err := engine.New(engine.Options{
		Store:     gateway,
		Crosswalk: xwalk,
		Adapter:   adapt,
		Planner:   client,
		Governor:  governor,
		Bus:       busClient,
		Pool:      poolNode,
		Counts:    counts,
		Config: engine.Config{
			DefaultPlanID:      set.DefaultPlanID,
			PollInterval:       set.PollInterval,
			MinQuickPoll:       set.MinQuickPoll,
			BatchSize:          set.UploadBatchSize,
			BatchLinger:        set.UploadBatchLinger,
			MaxTasksPerPlan:    set.MaxTasksPerPlan,
			Deadband:           set.ConflictDeadband,
			HousekeepingDryRun: set.HousekeepingDryRun,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("create engine: %w", err)
	}
	b.engine = eng
	delegated.onFail = eng.HaltWrites

	if set.NotificationURL != "" {
		manager, err := subs.New(subs.Options{
			API:             client,
			Store:           gateway,
			Pool:            poolNode,
			NotificationURL: set.NotificationURL,
			AgentUserID:     set.AgentUserID,
			Logger:          logger,
		})
		if err != nil {
			b.Close(ctx)
			return nil, fmt.Errorf("create subscription manager: %w", err)
		}
		b.subs = manager

		router, err := webhook.New(webhook.Options{
			Bus:       busClient,
			Store:     gateway,
			Validator: manager,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			b.Close(ctx)
			return nil, fmt.Errorf("create webhook router: %w", err)
		}
		b.router = router
	}

	proxies, err := surface.New(surface.Options{
		BaseURL:     set.PlannerBaseURL,
		Tokens:      tokens,
		AgentUserID: set.AgentUserID,
		Logger:      logger,
	})
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("create surface proxies: %w", err)
	}
	b.surface = proxies

	reporter, err := healthpkg.New(healthpkg.Options{
		Store:  gateway,
		Source: eng,
		Logger: logger,
	})
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("create health reporter: %w", err)
	}
	b.health = reporter

	return b, nil
}

// Engine exposes the sync engine, mainly for tests and operational tooling.
func (b *Bridge) Engine() *engine.Engine {
	return b.engine
}

// Tokens exposes the token cache so the command can probe credentials at
// startup.
func (b *Bridge) Tokens() *token.Cache {
	return b.tokens
}

// Close releases the bridge's cluster resources. It does not close the
// Redis client passed in Config.
func (b *Bridge) Close(ctx context.Context) error {
	var errs []error
	if b.pool != nil {
		if err := b.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool node: %w", err))
		}
	}
	if b.counts != nil {
		b.counts.Close()
	}
	return errors.Join(errs...)
}

// Run starts the loops and the HTTP server, blocking until the context is
// canceled or a termination signal arrives, then shuts down in order: stop
// accepting webhooks, drain the upload batch, stop the subscription sweep
// (releasing subscriptions when configured), write the final health
// snapshot, and release cluster resources.
func (b *Bridge) Run(ctx context.Context) error {
	set := b.cfg.Settings

	mux := goahttp.NewMuxer()
	if b.cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	if b.router != nil {
		b.router.Mount(mux)
	}
	b.surface.Mount(mux)
	check := health.Handler(health.NewChecker(b.store))
	mux.Handle(http.MethodGet, "/healthz", check)
	mux.Handle(http.MethodGet, "/livez", check)

	var handler http.Handler = mux
	if b.cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	srv := &http.Server{Addr: set.HTTPAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	if err := b.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if b.subs != nil {
		if err := b.subs.Start(ctx); err != nil {
			// Webhooks are an accelerant; the timed download path still
			// runs without them.
			b.log.Warn(ctx, "subscription startup failed, relying on polling", "err", err.Error())
		}
	}
	b.health.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() {
		b.log.Info(ctx, "HTTP server listening", "addr", set.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	b.log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		b.log.Warn(ctx, "HTTP shutdown", "err", err.Error())
	}
	b.engine.Stop(shutdownCtx)
	if b.subs != nil {
		b.subs.Stop(shutdownCtx, set.ReleaseOnShutdown)
	}
	b.health.Stop(shutdownCtx)
	if err := b.Close(shutdownCtx); err != nil {
		b.log.Warn(ctx, "close bridge", "err", err.Error())
	}
	return runErr
}

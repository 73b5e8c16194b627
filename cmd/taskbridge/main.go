// Command taskbridge runs the task synchronization bridge between the local
// Redis-backed task store and the cloud planner service.
//
// # Clustering
//
// Multiple instances sharing the same REDIS_URL and KEY_PREFIX form a
// cluster: webhook fan-out, the timed poll, and housekeeping are coordinated
// so work is not duplicated across nodes.
//
// # Configuration
//
// Settings load from an optional YAML file (-config) overridden by
// environment variables. The required credentials come from the environment:
//
//	TENANT_ID, CLIENT_ID, CLIENT_SECRET   - application identity
//	AGENT_USERNAME, AGENT_PASSWORD        - delegated agent identity
//	REDIS_URL, REDIS_PASSWORD             - store connection
//	NOTIFICATION_URL                      - public webhook ingress (optional;
//	                                        polling-only without it)
//
// # Exit codes
//
//	0 - clean shutdown
//	1 - invalid configuration
//	2 - store unreachable
//	3 - fatal credential failure (consent or bad credentials)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/taskbridge/bridge"
	"goa.design/taskbridge/config"
	"goa.design/taskbridge/token"
)

const (
	exitConfig = 1
	exitStore  = 2
	exitToken  = 3
)

// redisWait is how long startup waits for the store before giving up.
const redisWait = 60 * time.Second

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		httpF   = flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		dbgF    = flag.Bool("debug", false, "Mount debug endpoints and log request bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Errorf(ctx, err, "load configuration")
		os.Exit(exitConfig)
	}
	if *httpF != "" {
		cfg.HTTPAddr = *httpF
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf(ctx, err, "invalid configuration")
		os.Exit(exitConfig)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()

	if err := waitForRedis(ctx, rdb); err != nil {
		log.Errorf(ctx, err, "store unreachable")
		os.Exit(exitStore)
	}

	b, err := bridge.New(ctx, bridge.Config{
		Settings: cfg,
		Redis:    rdb,
		Debug:    *dbgF,
	})
	if err != nil {
		log.Errorf(ctx, err, "assemble bridge")
		os.Exit(exitConfig)
	}

	// Probe credentials before starting the loops: a consent or credential
	// problem is not going to fix itself.
	if err := probeCredentials(ctx, b); err != nil {
		if token.IsFatal(err) {
			log.Errorf(ctx, err, "credential probe failed")
			os.Exit(exitToken)
		}
		// Transient endpoint trouble: start anyway, the cache retries.
		log.Warnf(ctx, "credential probe inconclusive: %v", err)
	}

	log.Print(ctx, log.KV{K: "msg", V: "starting taskbridge"}, log.KV{K: "http-addr", V: cfg.HTTPAddr})
	if err := b.Run(ctx); err != nil {
		log.Errorf(ctx, err, "run bridge")
		os.Exit(exitConfig)
	}
}

// waitForRedis pings the store until it answers or the wait budget runs out.
func waitForRedis(ctx context.Context, rdb *redis.Client) error {
	deadline := time.Now().Add(redisWait)
	var last error
	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		last = rdb.Ping(pingCtx).Err()
		cancel()
		if last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("redis not reachable within %s: %w", redisWait, last)
}

// probeCredentials acquires one delegated and one application token so
// configuration problems surface at startup rather than mid-sync.
func probeCredentials(ctx context.Context, b *bridge.Bridge) error {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, _, err := b.Tokens().Acquire(probeCtx, token.Delegated, nil); err != nil {
		return err
	}
	if _, _, err := b.Tokens().Acquire(probeCtx, token.Application, nil); err != nil {
		return err
	}
	return nil
}

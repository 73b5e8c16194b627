// Package health maintains the liveness snapshot other processes watch. The
// reporter writes the engine's stats to sync:health once a minute under a
// short TTL, so a wedged or dead bridge is visible as a missing key rather
// than a stale one.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/taskbridge/engine"
	"goa.design/taskbridge/store"
	"goa.design/taskbridge/telemetry"
)

// interval is how often the snapshot refreshes. Must stay well under the
// key TTL so a single missed beat does not read as death.
const interval = time.Minute

type (
	// Source supplies the stats to publish. Implemented by the engine.
	Source interface {
		Snapshot(ctx context.Context) engine.Stats
	}

	// Options configures the reporter.
	Options struct {
		Store  *store.Gateway
		Source Source
		Logger telemetry.Logger
	}

	// Reporter periodically publishes the health snapshot.
	Reporter struct {
		store  *store.Gateway
		source Source
		log    telemetry.Logger

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// New constructs a reporter.
func New(opts Options) (*Reporter, error) {
	if opts.Store == nil {
		return nil, errors.New("store gateway is required")
	}
	if opts.Source == nil {
		return nil, errors.New("stats source is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Reporter{store: opts.Store, source: opts.Source, log: log}, nil
}

// Start begins the reporting loop and writes an immediate first snapshot.
func (r *Reporter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.publish(runCtx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.publish(runCtx)
			}
		}
	}()
}

// Stop halts the loop after writing a final snapshot so watchers see the
// stopped status instead of an expiring key.
func (r *Reporter) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.publish(ctx)
}

func (r *Reporter) publish(ctx context.Context) {
	stats := r.source.Snapshot(ctx)
	if err := r.store.SetJSON(ctx, r.store.HealthKey(), stats, store.HealthTTL); err != nil {
		r.log.Warn(ctx, "health snapshot write failed", "err", err.Error())
	}
}

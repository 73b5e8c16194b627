package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"goa.design/taskbridge/crosswalk"
	"goa.design/taskbridge/store"
)

// cleanupStats summarizes one housekeeping sweep, kept at cleanup:stats.
type cleanupStats struct {
	RanAt           time.Time `json:"ran_at"`
	DryRun          bool      `json:"dry_run"`
	MapsNormalized  int       `json:"maps_normalized"`
	OrphanedETags   int       `json:"orphaned_etags"`
	FailedTrimmedTo int64     `json:"failed_trimmed_to"`
}

// runHousekeeping is the periodic hygiene sweep: it migrates legacy id-map
// serializations, collects ETags whose crosswalk entry is gone, and bounds
// the dead-letter list. Dry-run mode (the default) only logs what it would
// do; every action, applied or not, lands in cleanup:log.
func (e *Engine) runHousekeeping(ctx context.Context) {
	stats := cleanupStats{RanAt: time.Now().UTC(), DryRun: e.cfg.HousekeepingDryRun}

	stats.MapsNormalized = e.sweepIDMaps(ctx)
	stats.OrphanedETags = e.sweepOrphanETags(ctx)
	stats.FailedTrimmedTo = e.sweepFailed(ctx)

	if err := e.store.SetJSON(ctx, e.store.CleanupStatsKey(), stats, 0); err != nil {
		e.log.Warn(ctx, "housekeeping: stats write failed", "err", err.Error())
	}
	e.log.Info(ctx, "housekeeping: sweep complete",
		"dry_run", stats.DryRun,
		"maps_normalized", stats.MapsNormalized,
		"orphaned_etags", stats.OrphanedETags)
}

// sweepIDMaps rewrites crosswalk entries still carrying the legacy
// serialization to the plain-string form.
func (e *Engine) sweepIDMaps(ctx context.Context) int {
	var fixed int
	err := e.store.ScanKeys(ctx, "sync:id_map:*", func(key string) error {
		raw, ok, err := e.store.Get(ctx, key)
		if err != nil || !ok {
			return nil
		}
		normalized, needsRewrite := crosswalk.Normalize(raw)
		if !needsRewrite {
			return nil
		}
		fixed++
		e.logCleanup(ctx, "normalize_id_map", key)
		if e.cfg.HousekeepingDryRun {
			return nil
		}
		return e.store.Set(ctx, key, normalized, 0)
	})
	if err != nil {
		e.log.Warn(ctx, "housekeeping: id-map sweep failed", "err", err.Error())
	}
	return fixed
}

// sweepOrphanETags removes ETag keys whose planner task no longer has a
// reverse crosswalk entry.
func (e *Engine) sweepOrphanETags(ctx context.Context) int {
	var orphans int
	err := e.store.ScanKeys(ctx, "sync:etag:*", func(key string) error {
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			return nil
		}
		externalID := key[idx+1:]
		if _, mapped, err := e.xwalk.LocalFor(ctx, externalID); err != nil || mapped {
			return nil
		}
		orphans++
		e.logCleanup(ctx, "delete_orphan_etag", key)
		if e.cfg.HousekeepingDryRun {
			return nil
		}
		return e.store.Del(ctx, key)
	})
	if err != nil {
		e.log.Warn(ctx, "housekeeping: etag sweep failed", "err", err.Error())
	}
	return orphans
}

// sweepFailed bounds the dead-letter list and refreshes its TTL.
func (e *Engine) sweepFailed(ctx context.Context) int64 {
	key := e.store.FailedKey()
	n, err := e.store.LLen(ctx, key)
	if err != nil {
		return 0
	}
	if n > store.MaxFailed {
		e.logCleanup(ctx, "trim_failed", key)
		if !e.cfg.HousekeepingDryRun {
			_ = e.store.LTrim(ctx, key, 0, store.MaxFailed-1)
		}
	}
	if n > 0 && !e.cfg.HousekeepingDryRun {
		_ = e.store.Expire(ctx, key, store.FailedTTL)
	}
	if n > store.MaxFailed {
		return store.MaxFailed
	}
	return n
}

// logCleanup appends one action record to the bounded cleanup log.
func (e *Engine) logCleanup(ctx context.Context, action, key string) {
	entry := map[string]any{
		"at":      time.Now().UTC().Format(time.RFC3339),
		"action":  action,
		"key":     key,
		"dry_run": e.cfg.HousekeepingDryRun,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	logKey := e.store.CleanupLogKey()
	if err := e.store.LPush(ctx, logKey, string(raw)); err != nil {
		return
	}
	_ = e.store.LTrim(ctx, logKey, 0, store.MaxFailed-1)
}

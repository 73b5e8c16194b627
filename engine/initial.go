package engine

import (
	"context"
	"strings"

	"goa.design/taskbridge/task"
)

// initialSync reconciles both directions once at startup: the remote state
// is pulled first so the crosswalk and ETags are fresh, then every local
// record with un-uploaded changes is fed to the batch. Queued pending ops
// from a previous run are already draining by the time this runs.
func (e *Engine) initialSync(ctx context.Context) error {
	e.log.Info(ctx, "initial sync: starting")

	e.runSlowPoll(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var enqueued int
	err := e.store.ScanKeys(ctx, "task:*", func(key string) error {
		id := strings.TrimPrefix(key, e.store.TaskKey(""))
		if task.IsChecklistSubitem(id) {
			// Folded into the parent when the parent uploads.
			return nil
		}
		t, ok, err := e.loadTask(ctx, id)
		if err != nil || !ok {
			return nil
		}
		if !task.SyncEligible(t.ListType) {
			return nil
		}
		if e.uploadedSince(ctx, id, t.UpdatedAt) {
			if _, mapped, _ := e.xwalk.ExternalFor(ctx, id); mapped {
				return nil
			}
		}
		e.Enqueue(ctx, id)
		enqueued++
		return ctx.Err()
	})
	if err != nil {
		return err
	}

	e.log.Info(ctx, "initial sync: complete", "uploads_enqueued", enqueued)
	return nil
}

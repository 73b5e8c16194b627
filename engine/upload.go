package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/taskbridge/govern"
	"goa.design/taskbridge/ops"
	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/task"
)

// uploadPayload is the pending-op payload for upload and delete ops.
type uploadPayload struct {
	LocalID    string `json:"local_id"`
	ExternalID string `json:"external_id,omitempty"`
}

// runUploadListener subscribes to tasks:updates and feeds the batch.
func (e *Engine) runUploadListener(ctx context.Context) {
	sub := e.store.Subscribe(ctx, e.store.TasksUpdatesChannel())
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m updateMsg
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				e.log.Warn(ctx, "tasks:updates: malformed message", "err", err.Error())
				continue
			}
			if m.Origin == originSync || m.ID == "" {
				continue
			}
			if m.Action == "delete" {
				e.handleLocalDelete(ctx, m.ID)
				continue
			}
			e.Enqueue(ctx, m.ID)
		}
	}
}

// Enqueue adds a local task to the upload batch. Checklist subitems enqueue
// their parent instead; the parent upload folds them into its checklist. The
// batch drains when it reaches the configured size or after the linger
// window, whichever comes first.
func (e *Engine) Enqueue(ctx context.Context, localID string) {
	if parent, ok := task.SubitemParent(localID); ok {
		localID = parent
	}
	e.uploadMu.Lock()
	e.batch[localID] = struct{}{}
	full := len(e.batch) >= e.cfg.BatchSize
	if !full && e.lingerTimer == nil && !e.stopped.Load() {
		e.lingerTimer = time.AfterFunc(e.cfg.BatchLinger, func() {
			e.drainBatch(context.WithoutCancel(ctx))
		})
	}
	e.uploadMu.Unlock()
	if full {
		e.drainBatch(ctx)
	}
}

// drainBatch uploads everything currently batched. A single holder drains at
// a time; enqueues arriving during a drain land in the next batch. When the
// governor refuses, the remaining tasks return to the batch untouched.
func (e *Engine) drainBatch(ctx context.Context) {
	if e.stopped.Load() {
		return
	}
	e.uploadMu.Lock()
	if e.batchProcessing || len(e.batch) == 0 {
		e.uploadMu.Unlock()
		return
	}
	e.batchProcessing = true
	if e.lingerTimer != nil {
		e.lingerTimer.Stop()
		e.lingerTimer = nil
	}
	taken := e.batch
	e.batch = make(map[string]struct{})
	e.uploadMu.Unlock()

	var throttledUntil time.Time
	throttled := false
	defer func() {
		e.uploadMu.Lock()
		e.batchProcessing = false
		pending := len(e.batch) > 0
		if pending && ctx.Err() == nil && e.lingerTimer == nil && !e.stopped.Load() {
			// Throttled drains resume when the backoff clock allows;
			// otherwise a fresh linger window applies.
			delay := e.cfg.BatchLinger
			if throttled {
				delay = time.Second
				if until := time.Until(throttledUntil); until > delay {
					delay = until
				}
			}
			e.lingerTimer = time.AfterFunc(delay, func() {
				e.drainBatch(context.WithoutCancel(ctx))
			})
		}
		e.uploadMu.Unlock()
	}()

	remaining := make([]string, 0, len(taken))
	for id := range taken {
		remaining = append(remaining, id)
	}
	for i, id := range remaining {
		if ctx.Err() != nil {
			e.requeueBatch(remaining[i:])
			return
		}
		err := e.uploadOne(ctx, id)
		if err == nil {
			continue
		}
		var backoff *ErrThrottledStop
		if errors.As(err, &backoff) {
			// Stop draining; everything not yet attempted goes back.
			e.metrics.IncCounter("sync.throttle.total", 1)
			e.requeueBatch(remaining[i:])
			throttled, throttledUntil = true, backoff.Until
			return
		}
		e.dispatchUploadFailure(ctx, id, err)
	}
}

// ErrThrottledStop halts a batch drain when the governor refuses a write.
type ErrThrottledStop struct{ Until time.Time }

func (e *ErrThrottledStop) Error() string { return "throttled" }

func (e *Engine) requeueBatch(ids []string) {
	e.uploadMu.Lock()
	for _, id := range ids {
		e.batch[id] = struct{}{}
	}
	e.uploadMu.Unlock()
}

// dispatchUploadFailure routes a failed upload: transient failures go to the
// pending queue, terminal failures go straight to the dead-letter list.
func (e *Engine) dispatchUploadFailure(ctx context.Context, localID string, cause error) {
	e.recordError(cause)
	env, err := ops.New(ops.KindUpload, uploadPayload{LocalID: localID})
	if err != nil {
		e.log.Error(ctx, "upload: encode pending op", "task", localID, "err", err.Error())
		return
	}
	env.LastError = cause.Error()
	if terminalUpload(cause) {
		e.deadLetter(ctx, env, cause)
		return
	}
	e.enqueuePending(ctx, env, cause)
}

// terminalUpload reports whether the failure cannot succeed on retry.
// Forbidden is not terminal here: a 403 write is skipped at the call site
// with the plan memoized as inaccessible, never dead-lettered.
func terminalUpload(err error) bool {
	switch planner.KindOf(err) {
	case planner.KindBadRequest, planner.KindCapacityExhausted:
		return true
	}
	return false
}

// uploadOne performs the local-to-planner sync of a single task: create when
// unmapped, ETag-guarded update when mapped. Returns *ErrThrottledStop when
// the governor refuses, so the caller stops draining.
func (e *Engine) uploadOne(ctx context.Context, localID string) error {
	if e.writesHalted.Load() {
		return &ErrThrottledStop{}
	}
	t, ok, err := e.loadTask(ctx, localID)
	if err != nil {
		return fmt.Errorf("load %s: %w", localID, err)
	}
	if !ok {
		// Deleted between enqueue and drain.
		return nil
	}
	if !task.SyncEligible(t.ListType) {
		return nil
	}
	if err := t.Validate(); err != nil {
		e.log.Warn(ctx, "upload: skipping invalid task", "task", localID, "err", err.Error())
		return nil
	}
	if e.uploadedSince(ctx, localID, t.UpdatedAt) {
		return nil
	}

	// Fold standalone subitem records into the parent checklist.
	if subs, err := e.subitemsOf(ctx, localID); err == nil && len(subs) > 0 {
		t = t.Clone()
		t.Checklist = subs
	}

	externalID, mapped, err := e.xwalk.ExternalFor(ctx, localID)
	if err != nil {
		return fmt.Errorf("crosswalk lookup %s: %w", localID, err)
	}
	if mapped {
		return e.updateRemote(ctx, t, externalID)
	}
	return e.createRemote(ctx, t)
}

// createRemote creates the planner task and links the crosswalk. The target
// plan is the default plan unless its capacity guard says it is full, in
// which case the first accessible plan with headroom is used.
func (e *Engine) createRemote(ctx context.Context, t *task.Task) error {
	if err := e.gov.Acquire("tasks.create"); err != nil {
		return throttleStop(err)
	}
	planID, err := e.pickPlan(ctx)
	if err != nil {
		return err
	}

	create, details, dropped := e.adapter.ToPlanner(t)
	for _, name := range dropped {
		e.log.Warn(ctx, "upload: dropping unmapped assignee", "task", t.ID, "assignee", name)
	}
	create.PlanID = planID

	created, err := e.api.CreateTask(ctx, create)
	if err != nil {
		switch planner.KindOf(err) {
		case planner.KindCapacityExhausted:
			e.guard.exhaust(ctx, planID)
		case planner.KindForbidden:
			return e.skipForbidden(ctx, t.ID, planID, err)
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	e.guard.recordCreate(ctx, planID)

	if err := e.xwalk.Link(ctx, t.ID, created.ID, created.ETag); err != nil {
		return fmt.Errorf("link %s: %w", t.ID, err)
	}

	// Details live in a sibling resource with its own ETag; a create never
	// returns it, so a follow-up read+patch is required.
	if details != nil && (details.Description != "" || len(details.Checklist) > 0) {
		if err := e.patchDetails(ctx, created.ID, details); err != nil {
			// The task exists and is linked; details retry via pending.
			return fmt.Errorf("details for %s: %w", t.ID, err)
		}
	}

	e.stampUploaded(ctx, t.ID, time.Now())
	e.metrics.IncCounter("sync.upload.total", 1, "op", "create")
	e.log.Info(ctx, "uploaded new task", "task", t.ID, "external", created.ID, "plan", planID)
	return nil
}

// updateRemote patches the mapped planner task under its stored ETag. A 412
// triggers one refresh-and-reconcile retry.
func (e *Engine) updateRemote(ctx context.Context, t *task.Task, externalID string) error {
	if err := e.gov.Acquire("tasks.update"); err != nil {
		return throttleStop(err)
	}
	etag, ok, err := e.xwalk.ETag(ctx, externalID)
	if err != nil {
		return err
	}
	if !ok {
		// Lost ETag: read-refresh before writing.
		remote, err := e.api.GetTask(ctx, externalID)
		if err != nil {
			if planner.KindOf(err) == planner.KindNotFound {
				return e.remoteVanished(ctx, t, externalID)
			}
			return fmt.Errorf("refresh etag %s: %w", externalID, err)
		}
		etag = remote.ETag
	}

	patch := e.taskPatch(t)
	updated, err := e.api.UpdateTask(ctx, externalID, etag, patch)
	if err != nil {
		switch planner.KindOf(err) {
		case planner.KindPreconditionFailed:
			return e.reconcileAndRetry(ctx, t, externalID, patch)
		case planner.KindNotFound:
			return e.remoteVanished(ctx, t, externalID)
		case planner.KindForbidden:
			return e.skipForbidden(ctx, t.ID, "", err)
		}
		return fmt.Errorf("update task %s: %w", externalID, err)
	}
	if err := e.xwalk.SetETag(ctx, externalID, updated.ETag); err != nil {
		return err
	}

	_, details, dropped := e.adapter.ToPlanner(t)
	for _, name := range dropped {
		e.log.Warn(ctx, "upload: dropping unmapped assignee", "task", t.ID, "assignee", name)
	}
	if err := e.patchDetails(ctx, externalID, details); err != nil {
		return fmt.Errorf("details for %s: %w", t.ID, err)
	}

	e.stampUploaded(ctx, t.ID, time.Now())
	e.metrics.IncCounter("sync.upload.total", 1, "op", "update")
	return nil
}

// reconcileAndRetry handles a 412: fetch the fresh remote, run the conflict
// resolver, apply its verdict, and retry the remote patch once under the
// fresh ETag.
func (e *Engine) reconcileAndRetry(ctx context.Context, t *task.Task, externalID string, _ map[string]any) error {
	e.metrics.IncCounter("sync.conflict.total", 1, "stage", "precondition")
	remote, err := e.api.GetTask(ctx, externalID)
	if err != nil {
		if planner.KindOf(err) == planner.KindNotFound {
			return e.remoteVanished(ctx, t, externalID)
		}
		return fmt.Errorf("refetch %s after 412: %w", externalID, err)
	}
	details, err := e.api.GetTaskDetails(ctx, externalID)
	if err != nil {
		return fmt.Errorf("refetch details %s after 412: %w", externalID, err)
	}

	res := e.resolve(t, remote, details)
	if res.Merged != nil {
		if err := e.saveDownloaded(ctx, res.Merged); err != nil {
			return err
		}
	}
	if len(res.TaskPatch) > 0 {
		updated, err := e.api.UpdateTask(ctx, externalID, remote.ETag, res.TaskPatch)
		if err != nil {
			return fmt.Errorf("retry update %s: %w", externalID, err)
		}
		if err := e.xwalk.SetETag(ctx, externalID, updated.ETag); err != nil {
			return err
		}
	} else {
		if err := e.xwalk.SetETag(ctx, externalID, remote.ETag); err != nil {
			return err
		}
	}
	if len(res.DetailsPatch) > 0 {
		if _, err := e.api.UpdateTaskDetails(ctx, externalID, details.ETag, res.DetailsPatch); err != nil {
			return fmt.Errorf("retry details %s: %w", externalID, err)
		}
	}
	e.stampUploaded(ctx, t.ID, time.Now())
	return nil
}

// patchDetails reads the details resource for its ETag and applies the
// desired description and checklist. Nil details is a no-op.
func (e *Engine) patchDetails(ctx context.Context, externalID string, details *planner.TaskDetails) error {
	if details == nil {
		return nil
	}
	cur, err := e.api.GetTaskDetails(ctx, externalID)
	if err != nil {
		return err
	}
	patch := map[string]any{
		"description": details.Description,
	}
	if details.Checklist != nil {
		patch["checklist"] = details.Checklist
	}
	if _, err := e.api.UpdateTaskDetails(ctx, externalID, cur.ETag, patch); err != nil {
		return err
	}
	return nil
}

// taskPatch builds the planner PATCH body for the task resource.
func (e *Engine) taskPatch(t *task.Task) map[string]any {
	create, _, _ := e.adapter.ToPlanner(t)
	patch := map[string]any{
		"title":           create.Title,
		"percentComplete": create.PercentComplete,
		"priority":        create.Priority,
	}
	if create.DueDateTime != "" {
		patch["dueDateTime"] = create.DueDateTime
	}
	if create.Assignments != nil {
		patch["assignments"] = create.Assignments
	}
	return patch
}

// remoteVanished handles a 404 on a mapped task: the planner side is gone,
// so the link is dropped and the task re-uploads as a create.
func (e *Engine) remoteVanished(ctx context.Context, t *task.Task, externalID string) error {
	e.log.Info(ctx, "mapped planner task vanished, re-creating", "task", t.ID, "external", externalID)
	if err := e.xwalk.Unlink(ctx, t.ID, externalID); err != nil {
		return err
	}
	return e.createRemote(ctx, t)
}

// skipForbidden drops a write the planner refused with a plain 403. An
// access verdict does not clear on retry, so the op is skipped rather than
// queued or dead-lettered; the target plan, when known, is memoized as
// inaccessible so later writes stop probing it.
func (e *Engine) skipForbidden(ctx context.Context, localID, planID string, cause error) error {
	if planID != "" {
		e.markInaccessible(ctx, planID)
	}
	e.metrics.IncCounter("sync.upload.total", 1, "op", "forbidden_skip")
	e.log.Warn(ctx, "upload: planner forbade write, skipping", "task", localID, "plan", planID, "err", cause.Error())
	return nil
}

// handleLocalDelete propagates a local deletion to the planner.
func (e *Engine) handleLocalDelete(ctx context.Context, localID string) {
	externalID, mapped, err := e.xwalk.ExternalFor(ctx, localID)
	if err != nil {
		e.log.Error(ctx, "delete: crosswalk lookup", "task", localID, "err", err.Error())
		return
	}
	if !mapped {
		return
	}
	if err := e.deleteRemote(ctx, localID, externalID); err != nil {
		var stop *ErrThrottledStop
		if errors.As(err, &stop) || !planner.Terminal(err) {
			env, eerr := ops.New(ops.KindDeleteRemote, uploadPayload{LocalID: localID, ExternalID: externalID})
			if eerr == nil {
				env.LastError = err.Error()
				e.enqueuePending(ctx, env, err)
			}
			return
		}
		e.log.Error(ctx, "delete: terminal failure", "task", localID, "err", err.Error())
	}
}

// deleteRemote deletes the planner task under its stored ETag. A 412 gets
// one refresh retry, then a forced delete; a 404 only cleans up the link.
func (e *Engine) deleteRemote(ctx context.Context, localID, externalID string) error {
	if e.writesHalted.Load() {
		return &ErrThrottledStop{}
	}
	if err := e.gov.Acquire("tasks.delete"); err != nil {
		return throttleStop(err)
	}
	etag, ok, err := e.xwalk.ETag(ctx, externalID)
	if err != nil {
		return err
	}
	if !ok {
		remote, gerr := e.api.GetTask(ctx, externalID)
		if gerr != nil {
			if planner.KindOf(gerr) == planner.KindNotFound {
				return e.xwalk.Unlink(ctx, localID, externalID)
			}
			return gerr
		}
		etag = remote.ETag
	}

	err = e.api.DeleteTask(ctx, externalID, etag)
	if planner.KindOf(err) == planner.KindPreconditionFailed {
		if remote, gerr := e.api.GetTask(ctx, externalID); gerr == nil {
			err = e.api.DeleteTask(ctx, externalID, remote.ETag)
		}
		if planner.KindOf(err) == planner.KindPreconditionFailed {
			// Last resort: force.
			err = e.api.DeleteTask(ctx, externalID, "*")
		}
	}
	if err != nil {
		switch planner.KindOf(err) {
		case planner.KindNotFound:
			err = nil
		case planner.KindForbidden:
			return e.skipForbidden(ctx, localID, "", err)
		default:
			return fmt.Errorf("delete %s: %w", externalID, err)
		}
	}
	if err := e.xwalk.Unlink(ctx, localID, externalID); err != nil {
		return err
	}
	e.metrics.IncCounter("sync.upload.total", 1, "op", "delete")
	e.log.Info(ctx, "deleted planner task", "task", localID, "external", externalID)
	return nil
}

// throttleStop converts a governor refusal into the drain-stopping error,
// carrying the backoff deadline when one is armed.
func throttleStop(err error) error {
	var b *govern.ErrBackoff
	if errors.As(err, &b) {
		return &ErrThrottledStop{Until: b.Until}
	}
	return &ErrThrottledStop{}
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/taskbridge/adapter"
	"goa.design/taskbridge/bus"
	"goa.design/taskbridge/ops"
	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/retry"
	"goa.design/taskbridge/task"
)

// downloadPayload is the pending-op payload for download retries.
type downloadPayload struct {
	ExternalID string `json:"external_id"`
	ChangeType string `json:"change_type"`
}

// runWebhookConsumer drains planner change notifications from the bus. Task
// events reconcile the named task; plan-level events trigger a gated quick
// poll of the plan.
func (e *Engine) runWebhookConsumer(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.handlePlannerEvent(ctx, evt)
		}
	}
}

func (e *Engine) handlePlannerEvent(ctx context.Context, evt bus.Event) {
	switch {
	case strings.Contains(evt.Resource, "/tasks"):
		id := evt.ResourceID
		if id == "" {
			return
		}
		if err := e.reconcileRemote(ctx, id, evt.ChangeType); err != nil {
			e.recordError(err)
			e.log.Warn(ctx, "download: reconcile failed, queueing retry", "external", id, "err", err.Error())
			if env, eerr := ops.New(ops.KindDownload, downloadPayload{ExternalID: id, ChangeType: evt.ChangeType}); eerr == nil {
				env.LastError = err.Error()
				e.enqueuePending(ctx, env, err)
			}
		}
	case strings.Contains(evt.Resource, "/plans"):
		if evt.ResourceID != "" {
			e.quickPoll(ctx, evt.ResourceID)
		}
	}
}

// reconcileRemote syncs one planner task into the local store. changeType
// "deleted" removes the local counterpart; anything else fetches the fresh
// remote state and applies it, arbitrating when the local copy also changed.
func (e *Engine) reconcileRemote(ctx context.Context, externalID, changeType string) error {
	defer e.lastDownloadAt.Store(time.Now().UnixNano())

	if changeType == "deleted" {
		return e.applyRemoteDelete(ctx, externalID)
	}

	remote, err := e.api.GetTask(ctx, externalID)
	if err != nil {
		if planner.KindOf(err) == planner.KindNotFound {
			return e.applyRemoteDelete(ctx, externalID)
		}
		return fmt.Errorf("fetch %s: %w", externalID, err)
	}
	details, err := e.api.GetTaskDetails(ctx, externalID)
	if err != nil && planner.KindOf(err) != planner.KindNotFound {
		return fmt.Errorf("fetch details %s: %w", externalID, err)
	}

	localID, mapped, err := e.xwalk.LocalFor(ctx, externalID)
	if err != nil {
		return err
	}
	if !mapped {
		return e.adoptRemote(ctx, remote, details)
	}

	local, ok, err := e.loadTask(ctx, localID)
	if err != nil {
		return err
	}
	if !ok {
		// Mapping survived but the record is gone; rebuild it.
		fresh := e.adapter.FromPlanner(remote, details)
		fresh.ID = localID
		fresh.ListType = task.ListUserTasks
		if err := e.saveDownloaded(ctx, fresh); err != nil {
			return err
		}
		e.metrics.IncCounter("sync.download.total", 1, "op", "rebuild")
		return e.xwalk.SetETag(ctx, externalID, remote.ETag)
	}

	storedETag, _, _ := e.xwalk.ETag(ctx, externalID)
	localDirty := !e.uploadedSince(ctx, localID, local.UpdatedAt)
	remoteDirty := storedETag == "" || storedETag != remote.ETag

	switch {
	case !remoteDirty && !localDirty:
		return nil
	case !localDirty:
		// Clean local copy: the remote state applies as is.
		merged := adapter.MergeOnto(e.adapter.FromPlanner(remote, details), local)
		if err := e.saveDownloaded(ctx, merged); err != nil {
			return err
		}
		e.metrics.IncCounter("sync.download.total", 1, "op", "apply")
		return e.xwalk.SetETag(ctx, externalID, remote.ETag)
	default:
		return e.arbitrate(ctx, local, remote, details)
	}
}

// arbitrate runs the conflict resolver and applies its verdict on both
// sides. Remote pushes respect the governor; a refusal queues an upload op
// instead of blocking.
func (e *Engine) arbitrate(ctx context.Context, local *task.Task, remote *planner.Task, details *planner.TaskDetails) error {
	e.metrics.IncCounter("sync.conflict.total", 1, "stage", "download")
	res := e.resolve(local, remote, details)

	if res.Merged != nil {
		if err := e.saveDownloaded(ctx, res.Merged); err != nil {
			return err
		}
	}
	if err := e.xwalk.SetETag(ctx, remote.ID, remote.ETag); err != nil {
		return err
	}

	if res.TaskPatch == nil && res.DetailsPatch == nil {
		e.stampUploaded(ctx, local.ID, time.Now())
		return nil
	}

	if e.writesHalted.Load() {
		return e.queueUploadOp(ctx, local.ID, fmt.Errorf("writes halted"))
	}
	if err := e.gov.Acquire("tasks.update"); err != nil {
		return e.queueUploadOp(ctx, local.ID, err)
	}
	if len(res.TaskPatch) > 0 {
		updated, err := e.api.UpdateTask(ctx, remote.ID, remote.ETag, res.TaskPatch)
		if err != nil {
			return e.queueUploadOp(ctx, local.ID, err)
		}
		if err := e.xwalk.SetETag(ctx, remote.ID, updated.ETag); err != nil {
			return err
		}
	}
	if len(res.DetailsPatch) > 0 && details != nil {
		if _, err := e.api.UpdateTaskDetails(ctx, remote.ID, details.ETag, res.DetailsPatch); err != nil {
			return e.queueUploadOp(ctx, local.ID, err)
		}
	}
	e.stampUploaded(ctx, local.ID, time.Now())
	return nil
}

func (e *Engine) queueUploadOp(ctx context.Context, localID string, cause error) error {
	env, err := ops.New(ops.KindUpload, uploadPayload{LocalID: localID})
	if err != nil {
		return err
	}
	env.LastError = cause.Error()
	e.enqueuePending(ctx, env, cause)
	return nil
}

// adoptRemote creates the local counterpart of a planner task first seen on
// the remote side.
func (e *Engine) adoptRemote(ctx context.Context, remote *planner.Task, details *planner.TaskDetails) error {
	t := e.adapter.FromPlanner(remote, details)
	t.ID = uuid.New().String()
	t.ListType = task.ListUserTasks
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := e.saveDownloaded(ctx, t); err != nil {
		return err
	}
	if err := e.xwalk.Link(ctx, t.ID, remote.ID, remote.ETag); err != nil {
		return err
	}
	e.metrics.IncCounter("sync.download.total", 1, "op", "adopt")
	e.log.Info(ctx, "adopted planner task", "task", t.ID, "external", remote.ID)
	return nil
}

// applyRemoteDelete removes the local counterpart of a deleted planner task.
// Unmapped deletions are a no-op.
func (e *Engine) applyRemoteDelete(ctx context.Context, externalID string) error {
	localID, mapped, err := e.xwalk.LocalFor(ctx, externalID)
	if err != nil {
		return err
	}
	if !mapped {
		return nil
	}
	local, ok, err := e.loadTask(ctx, localID)
	if err != nil {
		return err
	}
	if ok {
		if err := e.removeLocal(ctx, local); err != nil {
			return err
		}
	}
	if err := e.xwalk.Unlink(ctx, localID, externalID); err != nil {
		return err
	}
	e.metrics.IncCounter("sync.download.total", 1, "op", "delete")
	e.log.Info(ctx, "removed task deleted on planner", "task", localID, "external", externalID)
	return nil
}

// quickPoll polls one plan in response to a plan-level notification, gated
// so a notification burst cannot turn into a listing storm. The gate adds
// jitter so cluster nodes do not align their polls.
func (e *Engine) quickPoll(ctx context.Context, planID string) {
	e.pollMu.Lock()
	last := e.lastPlanPoll[planID]
	gate := retry.Jittered(e.cfg.MinQuickPoll, 0.1)
	if time.Since(last) < gate {
		e.pollMu.Unlock()
		return
	}
	e.lastPlanPoll[planID] = time.Now()
	e.pollMu.Unlock()
	e.pollPlan(ctx, planID)
}

// runSlowPoll is the timed safety net behind the webhook path: it lists
// every accessible plan and reconciles tasks whose ETag moved since the last
// download.
func (e *Engine) runSlowPoll(ctx context.Context) {
	plans, err := e.discoverPlans(ctx)
	if err != nil {
		e.recordError(err)
		e.log.Warn(ctx, "slow poll: plan discovery failed", "err", err.Error())
		return
	}
	for _, p := range plans {
		if ctx.Err() != nil {
			return
		}
		inaccessible, err := e.store.SIsMember(ctx, e.store.InaccessiblePlansKey(), p.ID)
		if err == nil && inaccessible {
			continue
		}
		e.pollPlan(ctx, p.ID)
	}
}

// pollPlan reconciles every task of one plan that is new or whose ETag moved.
func (e *Engine) pollPlan(ctx context.Context, planID string) {
	tasks, err := e.api.ListTasks(ctx, planID)
	if err != nil {
		if planner.KindOf(err) == planner.KindForbidden {
			e.markInaccessible(ctx, planID)
			return
		}
		e.recordError(err)
		e.log.Warn(ctx, "poll: task listing failed", "plan", planID, "err", err.Error())
		return
	}
	e.pollMu.Lock()
	e.lastPlanPoll[planID] = time.Now()
	e.pollMu.Unlock()

	for _, remote := range tasks {
		if ctx.Err() != nil {
			return
		}
		_, mapped, err := e.xwalk.LocalFor(ctx, remote.ID)
		if err != nil {
			continue
		}
		if mapped && remote.ETag != "" {
			if stored, ok, _ := e.xwalk.ETag(ctx, remote.ID); ok && stored == remote.ETag {
				continue
			}
		}
		if err := e.reconcileRemote(ctx, remote.ID, "updated"); err != nil {
			e.log.Warn(ctx, "poll: reconcile failed", "external", remote.ID, "err", err.Error())
		}
	}
}

// runChatRelay forwards chat notifications to local consumers. Chat events
// carry no task state; agents subscribe to react to new messages.
func (e *Engine) runChatRelay(ctx context.Context, events <-chan bus.Event) {
	channel := e.store.Channel("chats:updates")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := e.store.Publish(ctx, channel, string(raw)); err != nil {
				e.log.Warn(ctx, "chat relay publish failed", "err", err.Error())
			}
		}
	}
}

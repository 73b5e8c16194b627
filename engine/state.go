package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"goa.design/taskbridge/store"
	"goa.design/taskbridge/task"
)

// originSync marks tasks:updates messages published by the engine itself so
// the upload listener does not echo downloads back to the planner.
const originSync = "sync"

type (
	// updateMsg is the tasks:updates pub/sub payload. Agents publish
	// action "upsert" or "delete" with no origin; the engine publishes with
	// origin "sync".
	updateMsg struct {
		ID     string `json:"id"`
		Action string `json:"action"`
		Origin string `json:"origin,omitempty"`
	}

	// mirrorEntry is the per-task subset kept in the aggregate state
	// document.
	mirrorEntry struct {
		Title           string   `json:"title"`
		Status          string   `json:"status"`
		PercentComplete float64  `json:"percent_complete"`
		AssignedTo      []string `json:"assigned_to,omitempty"`
	}

	// mirror is the aggregate state document, grouped by list type.
	mirror map[string]map[string]mirrorEntry
)

// loadTask reads the canonical record for a local ID. The second return is
// false when no record exists.
func (e *Engine) loadTask(ctx context.Context, localID string) (*task.Task, bool, error) {
	var t task.Task
	ok, err := e.store.GetJSON(ctx, e.store.TaskKey(localID), &t)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &t, true, nil
}

// saveDownloaded persists a record produced by the download path: canonical
// key, aggregate mirror, and a tasks:updates notification tagged with the
// sync origin so the upload listener ignores it.
func (e *Engine) saveDownloaded(ctx context.Context, t *task.Task) error {
	if err := e.store.SetJSON(ctx, e.store.TaskKey(t.ID), t, 0); err != nil {
		return err
	}
	if err := e.updateMirror(ctx, t); err != nil {
		e.log.Warn(ctx, "mirror update failed", "task", t.ID, "err", err.Error())
	}
	e.notifyLocal(ctx, t.ID, "upsert")
	return nil
}

// removeLocal deletes the canonical record and its mirror entry and notifies
// local consumers.
func (e *Engine) removeLocal(ctx context.Context, t *task.Task) error {
	if err := e.store.Del(ctx, e.store.TaskKey(t.ID), e.store.LastUploadKey(t.ID)); err != nil {
		return err
	}
	if err := e.removeFromMirror(ctx, t); err != nil {
		e.log.Warn(ctx, "mirror removal failed", "task", t.ID, "err", err.Error())
	}
	e.notifyLocal(ctx, t.ID, "delete")
	return nil
}

func (e *Engine) notifyLocal(ctx context.Context, localID, action string) {
	raw, err := json.Marshal(updateMsg{ID: localID, Action: action, Origin: originSync})
	if err != nil {
		return
	}
	if err := e.store.Publish(ctx, e.store.TasksUpdatesChannel(), string(raw)); err != nil {
		e.log.Warn(ctx, "tasks:updates publish failed", "task", localID, "err", err.Error())
	}
}

// updateMirror rewrites this task's slot in the aggregate state document.
// The per-task key stays authoritative; mirror writes are best effort.
func (e *Engine) updateMirror(ctx context.Context, t *task.Task) error {
	var m mirror
	if _, err := e.store.GetJSON(ctx, e.store.StateKey(), &m); err != nil {
		return err
	}
	if m == nil {
		m = make(mirror)
	}
	lt := string(t.ListType)
	if lt == "" {
		lt = string(task.ListUserTasks)
	}
	if m[lt] == nil {
		m[lt] = make(map[string]mirrorEntry)
	}
	m[lt][t.ID] = mirrorEntry{
		Title:           t.Title,
		Status:          string(t.Status),
		PercentComplete: t.PercentComplete,
		AssignedTo:      t.AssignedTo,
	}
	return e.store.SetJSON(ctx, e.store.StateKey(), m, 0)
}

func (e *Engine) removeFromMirror(ctx context.Context, t *task.Task) error {
	var m mirror
	ok, err := e.store.GetJSON(ctx, e.store.StateKey(), &m)
	if err != nil || !ok {
		return err
	}
	for lt := range m {
		delete(m[lt], t.ID)
	}
	return e.store.SetJSON(ctx, e.store.StateKey(), m, 0)
}

// stampUploaded records the coalescing watermark after a successful upload.
func (e *Engine) stampUploaded(ctx context.Context, localID string, at time.Time) {
	val := at.UTC().Format(time.RFC3339Nano)
	if err := e.store.Set(ctx, e.store.LastUploadKey(localID), val, store.LastUploadTTL); err != nil {
		e.log.Warn(ctx, "last_upload stamp failed", "task", localID, "err", err.Error())
	}
	e.lastUploadAt.Store(time.Now().UnixNano())
}

// uploadedSince reports whether the record was already uploaded at or after
// its current update time.
func (e *Engine) uploadedSince(ctx context.Context, localID string, updatedAt time.Time) bool {
	raw, ok, err := e.store.Get(ctx, e.store.LastUploadKey(localID))
	if err != nil || !ok {
		return false
	}
	stamp, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return !stamp.Before(updatedAt)
}

// subitemsOf collects the checklist-subitem records belonging to a parent
// task, ordered by their child ordinal.
func (e *Engine) subitemsOf(ctx context.Context, parentID string) ([]task.ChecklistItem, error) {
	var ids []string
	err := e.store.ScanKeys(ctx, "task:"+parentID+"-*", func(key string) error {
		id := strings.TrimPrefix(key, e.store.TaskKey(""))
		if task.IsChecklistSubitem(id) {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan subitems of %s: %w", parentID, err)
	}
	// Order by child ordinal, not lexically, so item 10 follows item 9.
	sort.Slice(ids, func(i, j int) bool { return childOrdinal(ids[i]) < childOrdinal(ids[j]) })
	var items []task.ChecklistItem
	for _, id := range ids {
		sub, ok, err := e.loadTask(ctx, id)
		if err != nil || !ok {
			continue
		}
		items = append(items, task.ChecklistItem{
			Text:    sub.Title,
			Checked: sub.Status == task.StatusCompleted,
		})
	}
	return items, nil
}

// childOrdinal extracts the trailing subitem ordinal from a subitem local ID.
func childOrdinal(id string) int {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(id[idx+1:])
	return n
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

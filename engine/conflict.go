package engine

import (
	"encoding/json"
	"strings"

	"goa.design/taskbridge/adapter"
	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/task"
)

// syncedFields are the fields the resolver arbitrates, in a stable order.
// Identity fields (ID, list type, conversation linkage) never conflict; the
// planner cannot carry them.
var syncedFields = []string{
	"title",
	"percent_complete",
	"priority",
	"due_date",
	"assigned_to",
	"description",
	"output",
	"checklist",
}

// resolution is the resolver's verdict: the record to persist locally (nil
// when the local copy already matches) and the patches to push remotely
// (empty when the remote copy already matches).
type resolution struct {
	Merged       *task.Task
	TaskPatch    map[string]any
	DetailsPatch map[string]any
}

// resolve arbitrates a task that changed on both sides. The stashed remote
// documents from the last download serve as the merge base: a field changed
// on only one side takes that side's value; a field changed on both sides
// goes to the newer writer, except that a local edit within the dead-band of
// the remote edit loses, because local clocks and the planner's clock are
// not comparable at that resolution. Without a base the whole record is
// arbitrated as one field.
func (e *Engine) resolve(local *task.Task, remote *planner.Task, details *planner.TaskDetails) resolution {
	remoteCanon := adapter.MergeOnto(e.adapter.FromPlanner(remote, details), local)

	var baseCanon *task.Task
	if baseTask, baseDetails := adapter.DecodeStash(local); baseTask != nil {
		baseCanon = adapter.MergeOnto(e.adapter.FromPlanner(baseTask, baseDetails), local)
	}

	localWins := local.UpdatedAt.After(remoteCanon.UpdatedAt.Add(e.cfg.Deadband))

	merged := local.Clone()
	tookRemote := false
	for _, f := range syncedFields {
		lv := fieldVal(local, f)
		rv := fieldVal(remoteCanon, f)
		if lv == rv {
			continue
		}
		var takeRemote bool
		if baseCanon == nil {
			takeRemote = !localWins
		} else {
			bv := fieldVal(baseCanon, f)
			switch {
			case lv == bv: // only remote changed
				takeRemote = true
			case rv == bv: // only local changed
				takeRemote = false
			default: // both changed
				takeRemote = !localWins
			}
		}
		if takeRemote {
			copyField(merged, remoteCanon, f)
			tookRemote = true
		}
	}

	merged.Status = task.DeriveStatus(merged.PercentComplete)
	merged.ExternalID = remote.ID
	merged.Remote = remoteCanon.Remote
	if remoteCanon.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = remoteCanon.UpdatedAt
	}

	res := resolution{}
	if tookRemote || merged.ExternalID != local.ExternalID || !bytesEqual(merged.Remote, local.Remote) {
		res.Merged = merged
	}
	res.TaskPatch, res.DetailsPatch = e.patchesFor(merged, remoteCanon)
	return res
}

// patchesFor builds the planner patches needed to move the remote copy to
// the merged record. Empty maps mean the remote already matches.
func (e *Engine) patchesFor(merged, remoteCanon *task.Task) (taskPatch, detailsPatch map[string]any) {
	create, details, _ := e.adapter.ToPlanner(merged)

	taskPatch = make(map[string]any)
	if fieldVal(merged, "title") != fieldVal(remoteCanon, "title") {
		taskPatch["title"] = create.Title
	}
	if fieldVal(merged, "percent_complete") != fieldVal(remoteCanon, "percent_complete") {
		taskPatch["percentComplete"] = create.PercentComplete
	}
	if fieldVal(merged, "priority") != fieldVal(remoteCanon, "priority") {
		taskPatch["priority"] = create.Priority
	}
	if fieldVal(merged, "due_date") != fieldVal(remoteCanon, "due_date") {
		taskPatch["dueDateTime"] = create.DueDateTime
	}
	if fieldVal(merged, "assigned_to") != fieldVal(remoteCanon, "assigned_to") {
		taskPatch["assignments"] = create.Assignments
	}
	if len(taskPatch) == 0 {
		taskPatch = nil
	}

	detailsPatch = make(map[string]any)
	if fieldVal(merged, "description") != fieldVal(remoteCanon, "description") ||
		fieldVal(merged, "output") != fieldVal(remoteCanon, "output") {
		detailsPatch["description"] = details.Description
	}
	if fieldVal(merged, "checklist") != fieldVal(remoteCanon, "checklist") {
		detailsPatch["checklist"] = details.Checklist
	}
	if len(detailsPatch) == 0 {
		detailsPatch = nil
	}
	return taskPatch, detailsPatch
}

// fieldVal projects one arbitrated field to a comparable string.
func fieldVal(t *task.Task, field string) string {
	switch field {
	case "title":
		return t.Title
	case "percent_complete":
		return percentString(t.PercentComplete)
	case "priority":
		return string(t.Priority)
	case "due_date":
		return t.DueDate
	case "assigned_to":
		return strings.Join(t.AssignedTo, ",")
	case "description":
		return t.Description
	case "output":
		return t.Output
	case "checklist":
		raw, _ := json.Marshal(t.Checklist)
		return string(raw)
	}
	return ""
}

func percentString(p float64) string {
	raw, _ := json.Marshal(p)
	return string(raw)
}

// copyField transfers one arbitrated field from src to dst.
func copyField(dst, src *task.Task, field string) {
	switch field {
	case "title":
		dst.Title = src.Title
	case "percent_complete":
		dst.PercentComplete = src.PercentComplete
	case "priority":
		dst.Priority = src.Priority
	case "due_date":
		dst.DueDate = src.DueDate
	case "assigned_to":
		dst.AssignedTo = append([]string(nil), src.AssignedTo...)
	case "description":
		dst.Description = src.Description
	case "output":
		dst.Output = src.Output
	case "checklist":
		dst.Checklist = append([]task.ChecklistItem(nil), src.Checklist...)
	}
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}

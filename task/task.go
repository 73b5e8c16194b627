// Package task defines the canonical task record shared by the bridge
// components. The canonical shape is the local authoritative representation;
// the planner-side shape lives in the planner package and the adapter package
// translates between the two.
package task

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

type (
	// ListType partitions tasks into agent-facing lists. The list a task
	// belongs to is a local attribute and is not carried to the planner.
	ListType string

	// Status is the canonical task lifecycle state.
	Status string

	// Priority is the canonical task priority.
	Priority string

	// ChecklistItem is a single entry of a task checklist. Order matters.
	ChecklistItem struct {
		Text    string `json:"text"`
		Checked bool   `json:"checked"`
	}

	// Task is the canonical task record. The per-task store key is
	// authoritative; the aggregate state document mirrors a subset of these
	// fields grouped by list type.
	Task struct {
		ID              string          `json:"id"`
		ExternalID      string          `json:"external_id,omitempty"`
		ListType        ListType        `json:"list_type"`
		Title           string          `json:"title"`
		Description     string          `json:"description,omitempty"`
		Output          string          `json:"output,omitempty"`
		Status          Status          `json:"status"`
		PercentComplete float64         `json:"percent_complete"`
		Priority        Priority        `json:"priority"`
		AssignedTo      []string        `json:"assigned_to,omitempty"`
		DueDate         string          `json:"due_date,omitempty"` // YYYY-MM-DD, UTC midnight semantics
		CreatedAt       time.Time       `json:"created_at"`
		UpdatedAt       time.Time       `json:"updated_at"`
		CompletedAt     *time.Time      `json:"completed_at,omitempty"`
		ConversationID  string          `json:"conversation_id,omitempty"`
		Checklist       []ChecklistItem `json:"checklist_items,omitempty"`

		// Remote stashes the raw planner document from the last download so
		// unknown planner fields survive a round trip. Never inspected by the
		// engine; only the adapter reads it back.
		Remote json.RawMessage `json:"remote,omitempty"`
	}
)

const (
	ListUserTasks      ListType = "user_tasks"
	ListResearchTasks  ListType = "research_tasks"
	ListSystemTwoTasks ListType = "system_two_tasks"
)

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ErrInvalid is returned by Validate for records that must not be synced.
var ErrInvalid = errors.New("invalid task")

// subitemPattern matches local IDs of checklist subitems. Such entries are
// folded into the parent task's checklist and never uploaded as standalone
// planner tasks. The parent local ID is the portion before the trailing
// child ordinal.
var subitemPattern = regexp.MustCompile(`^(Task-.+-\d+)-(\d+)$`)

// IsChecklistSubitem reports whether the local ID names a checklist subitem
// rather than a standalone task.
func IsChecklistSubitem(id string) bool {
	return subitemPattern.MatchString(id)
}

// SubitemParent returns the parent task's local ID for a checklist subitem
// ID, and whether the ID matched the subitem pattern.
func SubitemParent(id string) (string, bool) {
	m := subitemPattern.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DeriveStatus computes the canonical status implied by a completion
// fraction in [0,1].
func DeriveStatus(percent float64) Status {
	switch {
	case percent >= 1:
		return StatusCompleted
	case percent > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// Validate reports whether the record is well-formed enough to sync.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.Join(ErrInvalid, errors.New("missing id"))
	}
	if t.Title == "" {
		return errors.Join(ErrInvalid, errors.New("missing title"))
	}
	if t.PercentComplete < 0 || t.PercentComplete > 1 {
		return errors.Join(ErrInvalid, errors.New("percent_complete out of range"))
	}
	if t.DueDate != "" {
		if _, err := time.Parse("2006-01-02", t.DueDate); err != nil {
			return errors.Join(ErrInvalid, err)
		}
	}
	return nil
}

// SyncEligible reports whether tasks of the given list type participate in
// planner synchronization.
func SyncEligible(lt ListType) bool {
	switch lt {
	case ListUserTasks, ListResearchTasks, ListSystemTwoTasks:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.AssignedTo != nil {
		cp.AssignedTo = append([]string(nil), t.AssignedTo...)
	}
	if t.Checklist != nil {
		cp.Checklist = append([]ChecklistItem(nil), t.Checklist...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	if t.Remote != nil {
		cp.Remote = append(json.RawMessage(nil), t.Remote...)
	}
	return &cp
}

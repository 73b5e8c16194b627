// Package adapter translates between the canonical task record and the
// planner task shape. It is the only place where the loosely-typed planner
// JSON meets canonical records; everything downstream operates on typed
// values. All functions are pure: no I/O, no clock reads.
package adapter

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/task"
)

// OutputDelimiter separates the agent-authored description from appended
// task output inside planner notes. Downloads re-split on this exact line,
// so manual edits that preserve it round-trip cleanly.
const OutputDelimiter = "--- output ---"

// checklistNamespace seeds deterministic checklist item IDs so re-uploads
// of an unchanged checklist produce identical planner maps.
var checklistNamespace = uuid.MustParse("8f1e9b52-1f3a-4c65-9d84-6a1f0d6b7c21")

// Adapter holds the configured display-name mapping. Zero value is usable
// (no names map; all assignments pass through as raw IDs).
type Adapter struct {
	nameToID map[string]string
	idToName map[string]string
}

// New constructs an adapter from the display-name to planner-user-ID map.
func New(nameToID map[string]string) *Adapter {
	idToName := make(map[string]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}
	return &Adapter{nameToID: nameToID, idToName: idToName}
}

// ToPlanner converts a canonical task into the planner create body and the
// details body. Assignees without a configured user ID are dropped and
// returned so the caller can log them.
func (a *Adapter) ToPlanner(t *task.Task) (create *planner.Task, details *planner.TaskDetails, dropped []string) {
	create = &planner.Task{
		Title:           t.Title,
		PercentComplete: int(math.Round(t.PercentComplete * 100)),
		Priority:        priorityToPlanner(t.Priority),
	}
	if t.DueDate != "" {
		create.DueDateTime = t.DueDate + "T00:00:00Z"
	}
	if t.ConversationID != "" {
		create.ConversationThreadID = t.ConversationID
	}
	if len(t.AssignedTo) > 0 {
		create.Assignments = make(map[string]planner.Assignment, len(t.AssignedTo))
		for _, name := range t.AssignedTo {
			id, ok := a.nameToID[name]
			if !ok {
				// Raw planner IDs pass through unchanged so downloads that
				// saw an unknown assignee can re-upload without loss.
				if a.idToName[name] != "" || looksLikeUserID(name) {
					id = name
				} else {
					dropped = append(dropped, name)
					continue
				}
			}
			create.Assignments[id] = planner.Assignment{
				ODataType: planner.AssignmentODataType,
				OrderHint: planner.DefaultOrderHint,
			}
		}
	}

	details = &planner.TaskDetails{
		Description: ComposeNotes(t.Description, t.Output),
	}
	if len(t.Checklist) > 0 {
		details.Checklist = make(map[string]planner.ChecklistEntry, len(t.Checklist))
		for i, item := range t.Checklist {
			details.Checklist[ChecklistItemID(t.ID, i, item.Text)] = planner.ChecklistEntry{
				ODataType: planner.ChecklistODataType,
				Title:     item.Text,
				IsChecked: item.Checked,
				OrderHint: fmt.Sprintf("%08d !", i),
			}
		}
	}
	return create, details, dropped
}

// FromPlanner converts a planner task plus its details into a canonical
// record. Identity fields (local ID, list type, conversation linkage) are
// not carried by the planner; merge the result over the pre-existing record
// with MergeOnto to preserve them.
func (a *Adapter) FromPlanner(remote *planner.Task, details *planner.TaskDetails) *task.Task {
	t := &task.Task{
		ExternalID:      remote.ID,
		Title:           remote.Title,
		PercentComplete: float64(remote.PercentComplete) / 100,
		Priority:        priorityFromPlanner(remote.Priority),
		Status:          task.DeriveStatus(float64(remote.PercentComplete) / 100),
		ConversationID:  remote.ConversationThreadID,
	}
	if remote.DueDateTime != "" {
		t.DueDate = strings.SplitN(remote.DueDateTime, "T", 2)[0]
	}
	if ts := parseTime(remote.CreatedDateTime); !ts.IsZero() {
		t.CreatedAt = ts
	}
	if ts := parseTime(remote.LastModifiedDateTime); !ts.IsZero() {
		t.UpdatedAt = ts
	}
	if ts := parseTime(remote.CompletedDateTime); !ts.IsZero() {
		t.CompletedAt = &ts
	}
	for id := range remote.Assignments {
		if name, ok := a.idToName[id]; ok {
			t.AssignedTo = append(t.AssignedTo, name)
		} else {
			// Unknown user IDs pass through raw to preserve the round trip.
			t.AssignedTo = append(t.AssignedTo, id)
		}
	}
	sort.Strings(t.AssignedTo)

	if details != nil {
		t.Description, t.Output = SplitNotes(details.Description)
		if len(details.Checklist) > 0 {
			type keyed struct {
				hint string
				item task.ChecklistItem
			}
			items := make([]keyed, 0, len(details.Checklist))
			for _, entry := range details.Checklist {
				items = append(items, keyed{
					hint: entry.OrderHint,
					item: task.ChecklistItem{Text: entry.Title, Checked: entry.IsChecked},
				})
			}
			sort.Slice(items, func(i, j int) bool { return items[i].hint < items[j].hint })
			for _, k := range items {
				t.Checklist = append(t.Checklist, k.item)
			}
		}
	}

	// Stash the raw remote documents so unknown planner fields survive the
	// round trip and the conflict resolver has a merge base.
	if raw, err := json.Marshal(remoteStash{Task: remote, Details: details}); err == nil {
		t.Remote = raw
	}
	return t
}

// remoteStash is the serialized form of the Remote field.
type remoteStash struct {
	Task    *planner.Task        `json:"task"`
	Details *planner.TaskDetails `json:"details,omitempty"`
}

// DecodeStash recovers the planner documents stashed by FromPlanner. Legacy
// records stashed the bare task document; both forms decode. Returns nils
// when the record carries no stash.
func DecodeStash(t *task.Task) (*planner.Task, *planner.TaskDetails) {
	if len(t.Remote) == 0 {
		return nil, nil
	}
	var s remoteStash
	if err := json.Unmarshal(t.Remote, &s); err == nil && s.Task != nil {
		return s.Task, s.Details
	}
	var legacy planner.Task
	if err := json.Unmarshal(t.Remote, &legacy); err == nil && legacy.ID != "" {
		return &legacy, nil
	}
	return nil, nil
}

// MergeOnto overlays the freshly downloaded record on the pre-existing
// canonical record, preserving the fields the planner cannot carry.
func MergeOnto(fresh, existing *task.Task) *task.Task {
	if existing == nil {
		return fresh
	}
	out := fresh.Clone()
	out.ID = existing.ID
	out.ListType = existing.ListType
	if out.ConversationID == "" {
		out.ConversationID = existing.ConversationID
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	return out
}

// ComposeNotes joins the description and output with the fixed delimiter.
// Empty output yields the bare description.
func ComposeNotes(description, output string) string {
	if output == "" {
		return description
	}
	return description + "\n\n" + OutputDelimiter + "\n\n" + output
}

// SplitNotes is the inverse of ComposeNotes.
func SplitNotes(notes string) (description, output string) {
	idx := strings.Index(notes, "\n\n"+OutputDelimiter+"\n\n")
	if idx < 0 {
		return notes, ""
	}
	return notes[:idx], notes[idx+len(OutputDelimiter)+4:]
}

// ChecklistItemID derives the deterministic planner map key for a checklist
// item.
func ChecklistItemID(taskID string, index int, text string) string {
	return uuid.NewSHA1(checklistNamespace, []byte(fmt.Sprintf("%s:%d:%s", taskID, index, text))).String()
}

func priorityToPlanner(p task.Priority) int {
	switch p {
	case task.PriorityUrgent:
		return 1
	case task.PriorityHigh:
		return 3
	case task.PriorityLow:
		return 9
	default:
		return 5
	}
}

func priorityFromPlanner(p int) task.Priority {
	switch {
	case p <= 2:
		return task.PriorityUrgent
	case p <= 4:
		return task.PriorityHigh
	case p <= 7:
		return task.PriorityNormal
	default:
		return task.PriorityLow
	}
}

// looksLikeUserID reports whether an assignee string is already a planner
// user ID (a UUID) rather than a display name.
func looksLikeUserID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

package adapter

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/task"
)

var testNames = map[string]string{
	"ada":   "11111111-1111-1111-1111-111111111111",
	"grace": "22222222-2222-2222-2222-222222222222",
}

func TestToPlannerBasics(t *testing.T) {
	a := New(testNames)
	src := &task.Task{
		ID:              "Task-conv-1",
		Title:           "review design",
		Description:     "look at the draft",
		Output:          "done, minor comments",
		PercentComplete: 0.5,
		Priority:        task.PriorityHigh,
		AssignedTo:      []string{"ada"},
		DueDate:         "2026-09-01",
		ConversationID:  "conv-thread",
	}
	create, details, dropped := a.ToPlanner(src)
	require.Empty(t, dropped)

	assert.Equal(t, "review design", create.Title)
	assert.Equal(t, 50, create.PercentComplete)
	assert.Equal(t, 3, create.Priority)
	assert.Equal(t, "2026-09-01T00:00:00Z", create.DueDateTime)
	assert.Equal(t, "conv-thread", create.ConversationThreadID)
	require.Contains(t, create.Assignments, testNames["ada"])
	assert.Equal(t, planner.AssignmentODataType, create.Assignments[testNames["ada"]].ODataType)

	assert.Equal(t, "look at the draft\n\n"+OutputDelimiter+"\n\ndone, minor comments", details.Description)
}

func TestToPlannerDropsUnknownAssignees(t *testing.T) {
	a := New(testNames)
	create, _, dropped := a.ToPlanner(&task.Task{
		ID:         "Task-conv-2",
		Title:      "triage",
		AssignedTo: []string{"ada", "nobody", "33333333-3333-3333-3333-333333333333"},
	})
	assert.Equal(t, []string{"nobody"}, dropped)
	// The raw UUID passes through even without a name mapping.
	assert.Contains(t, create.Assignments, "33333333-3333-3333-3333-333333333333")
	assert.Contains(t, create.Assignments, testNames["ada"])
}

func TestPercentRounding(t *testing.T) {
	a := New(nil)
	create, _, _ := a.ToPlanner(&task.Task{ID: "t", Title: "x", PercentComplete: 0.666})
	assert.Equal(t, 67, create.PercentComplete)
}

func TestPriorityMapping(t *testing.T) {
	a := New(nil)
	toPlanner := map[task.Priority]int{
		task.PriorityUrgent: 1,
		task.PriorityHigh:   3,
		task.PriorityNormal: 5,
		task.PriorityLow:    9,
	}
	for p, want := range toPlanner {
		create, _, _ := a.ToPlanner(&task.Task{ID: "t", Title: "x", Priority: p})
		assert.Equal(t, want, create.Priority, "priority %s", p)
	}

	// Boundary values of the inverse ranges.
	fromPlanner := map[int]task.Priority{
		0:  task.PriorityUrgent,
		2:  task.PriorityUrgent,
		3:  task.PriorityHigh,
		4:  task.PriorityHigh,
		5:  task.PriorityNormal,
		7:  task.PriorityNormal,
		8:  task.PriorityLow,
		10: task.PriorityLow,
	}
	for p, want := range fromPlanner {
		got := a.FromPlanner(&planner.Task{ID: "r", Priority: p}, nil)
		assert.Equal(t, want, got.Priority, "planner priority %d", p)
	}
}

func TestFromPlannerChecklistOrder(t *testing.T) {
	a := New(nil)
	details := &planner.TaskDetails{
		Checklist: map[string]planner.ChecklistEntry{
			"k3": {Title: "third", OrderHint: "00000002 !"},
			"k1": {Title: "first", OrderHint: "00000000 !", IsChecked: true},
			"k2": {Title: "second", OrderHint: "00000001 !"},
		},
	}
	got := a.FromPlanner(&planner.Task{ID: "r"}, details)
	require.Len(t, got.Checklist, 3)
	assert.Equal(t, "first", got.Checklist[0].Text)
	assert.True(t, got.Checklist[0].Checked)
	assert.Equal(t, "second", got.Checklist[1].Text)
	assert.Equal(t, "third", got.Checklist[2].Text)
}

func TestNotesRoundTrip(t *testing.T) {
	cases := []struct {
		desc, out string
	}{
		{"plain description", ""},
		{"", ""},
		{"", "bare output"},
		{"multi\nline", "output\nwith lines"},
	}
	for _, tc := range cases {
		d, o := SplitNotes(ComposeNotes(tc.desc, tc.out))
		assert.Equal(t, tc.desc, d)
		assert.Equal(t, tc.out, o)
	}
}

func TestSplitNotesWithoutDelimiter(t *testing.T) {
	d, o := SplitNotes("just notes typed by hand")
	assert.Equal(t, "just notes typed by hand", d)
	assert.Empty(t, o)
}

func TestChecklistItemIDDeterministic(t *testing.T) {
	a := ChecklistItemID("Task-1", 0, "step one")
	b := ChecklistItemID("Task-1", 0, "step one")
	c := ChecklistItemID("Task-1", 1, "step one")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDecodeStash(t *testing.T) {
	a := New(nil)
	remote := &planner.Task{ID: "ext-1", Title: "remote", ETag: `W/"1"`}
	details := &planner.TaskDetails{Description: "body"}
	rec := a.FromPlanner(remote, details)

	gotTask, gotDetails := DecodeStash(rec)
	require.NotNil(t, gotTask)
	require.NotNil(t, gotDetails)
	assert.Equal(t, "ext-1", gotTask.ID)
	assert.Equal(t, "body", gotDetails.Description)

	// Legacy records stashed the bare task document.
	legacy := &task.Task{Remote: []byte(`{"id":"ext-2","title":"old"}`)}
	gotTask, gotDetails = DecodeStash(legacy)
	require.NotNil(t, gotTask)
	assert.Nil(t, gotDetails)
	assert.Equal(t, "ext-2", gotTask.ID)

	gotTask, _ = DecodeStash(&task.Task{})
	assert.Nil(t, gotTask)
}

func TestMergeOntoPreservesIdentity(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	existing := &task.Task{
		ID:             "Task-conv-9",
		ListType:       task.ListResearchTasks,
		ConversationID: "conv",
		CreatedAt:      created,
	}
	fresh := &task.Task{Title: "downloaded"}
	merged := MergeOnto(fresh, existing)
	assert.Equal(t, "Task-conv-9", merged.ID)
	assert.Equal(t, task.ListResearchTasks, merged.ListType)
	assert.Equal(t, "conv", merged.ConversationID)
	assert.Equal(t, created, merged.CreatedAt)
	assert.Equal(t, "downloaded", merged.Title)
}

// TestRoundTripProperty checks that uploading a task and downloading the
// planner representation reproduces the sync-visible fields.
func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	a := New(testNames)

	genPercent := gen.IntRange(0, 100)
	genPriority := gen.OneConstOf(task.PriorityLow, task.PriorityNormal, task.PriorityHigh, task.PriorityUrgent)
	genTitle := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("sync-visible fields survive the round trip", prop.ForAll(
		func(title string, percent int, priority task.Priority, desc, out string) bool {
			if strings.Contains(desc, OutputDelimiter) || strings.Contains(out, OutputDelimiter) {
				return true // the delimiter is reserved
			}
			src := &task.Task{
				ID:              "Task-conv-1",
				Title:           title,
				PercentComplete: float64(percent) / 100,
				Priority:        priority,
				Description:     desc,
				Output:          out,
				AssignedTo:      []string{"ada"},
			}
			create, details, _ := a.ToPlanner(src)
			remote := *create
			remote.ID = "ext-1"
			got := a.FromPlanner(&remote, &planner.TaskDetails{
				Description: details.Description,
				Checklist:   details.Checklist,
			})
			return got.Title == src.Title &&
				got.PercentComplete == src.PercentComplete &&
				got.Priority == src.Priority &&
				got.Description == src.Description &&
				got.Output == src.Output &&
				len(got.AssignedTo) == 1 && got.AssignedTo[0] == "ada"
		},
		genTitle, genPercent, genPriority, gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

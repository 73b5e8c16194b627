// Package planner implements the outbound REST client for the cloud task
// planner. It speaks the Graph-style wire shapes (ETag preconditions,
// $select projections, Retry-After throttling, change-notification
// subscriptions) and maps HTTP failures onto the typed error kinds the sync
// engine's policies are written against.
package planner

import "time"

type (
	// Task is the planner-side task resource.
	Task struct {
		ID                   string                `json:"id,omitempty"`
		ETag                 string                `json:"@odata.etag,omitempty"`
		PlanID               string                `json:"planId,omitempty"`
		BucketID             string                `json:"bucketId,omitempty"`
		Title                string                `json:"title"`
		PercentComplete      int                   `json:"percentComplete"`
		Priority             int                   `json:"priority"`
		Assignments          map[string]Assignment `json:"assignments,omitempty"`
		DueDateTime          string                `json:"dueDateTime,omitempty"`
		CreatedDateTime      string                `json:"createdDateTime,omitempty"`
		CompletedDateTime    string                `json:"completedDateTime,omitempty"`
		LastModifiedDateTime string                `json:"lastModifiedDateTime,omitempty"`
		ConversationThreadID string                `json:"conversationThreadId,omitempty"`
	}

	// Assignment is the value of the planner assignments map.
	Assignment struct {
		ODataType string `json:"@odata.type"`
		OrderHint string `json:"orderHint"`
	}

	// TaskDetails is the sibling resource carrying notes and the checklist.
	// It versions independently of the task, with its own ETag.
	TaskDetails struct {
		ID          string                    `json:"id,omitempty"`
		ETag        string                    `json:"@odata.etag,omitempty"`
		Description string                    `json:"description,omitempty"`
		Checklist   map[string]ChecklistEntry `json:"checklist,omitempty"`
	}

	// ChecklistEntry is the value of the details checklist map, keyed by a
	// generated item ID.
	ChecklistEntry struct {
		ODataType string `json:"@odata.type"`
		Title     string `json:"title"`
		IsChecked bool   `json:"isChecked"`
		OrderHint string `json:"orderHint,omitempty"`
	}

	// Plan is a planner plan the service can see.
	Plan struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Owner string `json:"owner,omitempty"`
	}

	// Bucket is a plan bucket.
	Bucket struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		PlanID string `json:"planId"`
	}

	// Subscription is a change-notification registration.
	Subscription struct {
		ID                 string    `json:"id,omitempty"`
		Resource           string    `json:"resource"`
		ChangeType         string    `json:"changeType"`
		ClientState        string    `json:"clientState,omitempty"`
		NotificationURL    string    `json:"notificationUrl"`
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}

	// Chat identifies a chat thread for per-chat subscriptions.
	Chat struct {
		ID    string `json:"id"`
		Topic string `json:"topic,omitempty"`
	}
)

// AssignmentODataType is the @odata.type value the planner requires on
// assignment writes.
const AssignmentODataType = "#microsoft.graph.plannerAssignment"

// ChecklistODataType is the @odata.type value for checklist entries.
const ChecklistODataType = "#microsoft.graph.plannerChecklistItem"

// DefaultOrderHint is the order hint value requesting server-side ordering.
const DefaultOrderHint = " !"

// Package ops defines the operation envelope carried on the sync:pending
// retry queue. The webhook router enqueues replay ops when the bus is
// unavailable; the sync engine enqueues upload, create and delete ops when
// the planner throttles or fails transiently; the pending-op worker drains
// them with at-least-once semantics.
package ops

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a pending op does when drained.
type Kind string

const (
	// KindUpload re-attempts a local-to-planner upload for one task.
	KindUpload Kind = "upload"
	// KindDeleteRemote re-attempts a planner delete for one task.
	KindDeleteRemote Kind = "delete_remote"
	// KindWebhookReplay re-publishes a webhook event that failed to reach
	// the bus.
	KindWebhookReplay Kind = "webhook_replay"
	// KindDownload re-attempts a planner-to-local reconcile for one
	// external task.
	KindDownload Kind = "download"
)

// Envelope is one queued operation.
type Envelope struct {
	OpID          string          `json:"op_id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	QueuedAt      time.Time       `json:"queued_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// New builds an envelope with a fresh op ID ready for its first attempt.
func New(kind Kind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Envelope{
		OpID:          uuid.New().String(),
		Kind:          kind,
		Payload:       raw,
		QueuedAt:      now,
		NextAttemptAt: now,
	}, nil
}

// Encode serializes the envelope for the queue.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a queued envelope.
func Decode(raw string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Failure is one dead-letter record kept in sync:failed for forensics.
type Failure struct {
	OpID     string    `json:"op_id"`
	Kind     Kind      `json:"kind"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
	// PayloadHash identifies the payload without storing it (bad-request
	// payloads may be large or sensitive).
	PayloadHash string `json:"payload_hash,omitempty"`
}

package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a planner call failure for policy decisions.
type Kind int

const (
	// KindTransient covers network failures and 5xx without Retry-After.
	// Retried with exponential backoff, up to 8 attempts.
	KindTransient Kind = iota
	// KindThrottled is HTTP 429/503; the rate governor arms its backoff
	// clock and the op is re-queued.
	KindThrottled
	// KindPreconditionFailed is HTTP 412 on update or delete.
	KindPreconditionFailed
	// KindNotFound is HTTP 404; the crosswalk entry is dropped.
	KindNotFound
	// KindForbidden is a generic HTTP 403; the plan is memoized as
	// inaccessible for ten minutes.
	KindForbidden
	// KindCapacityExhausted is 403 with the plan task cap code; terminal
	// for the op.
	KindCapacityExhausted
	// KindBadRequest is HTTP 400; terminal for the op.
	KindBadRequest
)

// CodeCapacity is the service error code signalling the per-plan task cap.
const CodeCapacity = "MaximumActiveTasksInProject"

// Error is a typed planner call failure.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("planner: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("planner: %d: %s", e.Status, e.Message)
}

// Kind classifies the failure.
func (e *Error) Kind() Kind {
	switch e.Status {
	case 429, 503:
		return KindThrottled
	case 412:
		return KindPreconditionFailed
	case 404:
		return KindNotFound
	case 403:
		if strings.Contains(e.Code, CodeCapacity) || strings.Contains(e.Message, CodeCapacity) {
			return KindCapacityExhausted
		}
		return KindForbidden
	case 400:
		return KindBadRequest
	default:
		return KindTransient
	}
}

// Terminal reports whether the op must not be retried.
func (e *Error) Terminal() bool {
	k := e.Kind()
	return k == KindCapacityExhausted || k == KindBadRequest
}

// Terminal reports whether any error returned by the client is terminal.
// Non-planner errors are retryable.
func Terminal(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Terminal()
	}
	return false
}

// KindOf classifies any error returned by the client. Non-planner errors
// (network, context) classify as transient.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind()
	}
	return KindTransient
}

// RetryAfterOf extracts the Retry-After hint, if any.
func RetryAfterOf(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

// StatusOf extracts the HTTP status, or zero for non-HTTP failures.
func StatusOf(err error) int {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Status
	}
	return 0
}

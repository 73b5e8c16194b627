package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/taskbridge/bus"
	"goa.design/taskbridge/ops"
	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/retry"
	"goa.design/taskbridge/store"
)

const (
	// pendingPopTimeout is the BRPOP block so the loop notices cancellation.
	pendingPopTimeout = 5 * time.Second
	// pendingMaxAttempts dead-letters an op after this many failures.
	pendingMaxAttempts = 8
	// pendingBase seeds the exponential re-queue delay.
	pendingBase = 5 * time.Second
	// pendingMaxDelay caps the re-queue delay.
	pendingMaxDelay = 600 * time.Second
)

// runPendingWorker drains the sync:pending queue with at-least-once
// semantics. Ops not yet due go back to the head of the queue; failures
// re-queue with exponential backoff until the attempt cap, then dead-letter.
func (e *Engine) runPendingWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		raw, ok, err := e.store.BRPop(ctx, pendingPopTimeout, e.store.PendingKey())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn(ctx, "pending: pop failed", "err", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		env, err := ops.Decode(raw)
		if err != nil {
			e.log.Error(ctx, "pending: dropping undecodable op", "err", err.Error())
			continue
		}
		e.processPending(ctx, env)
	}
}

func (e *Engine) processPending(ctx context.Context, env *ops.Envelope) {
	if wait := time.Until(env.NextAttemptAt); wait > 0 {
		// Not due yet. Back to the head; brief sleep so a lone future op
		// does not spin the loop.
		if raw, err := env.Encode(); err == nil {
			_ = e.store.LPush(ctx, e.store.PendingKey(), raw)
		}
		select {
		case <-ctx.Done():
		case <-time.After(min(wait, time.Second)):
		}
		return
	}

	if done, err := e.alreadyProcessed(ctx, env.OpID); err == nil && done {
		return
	}

	env.Attempts++
	err := e.executePending(ctx, env)
	if err == nil {
		e.markProcessed(ctx, env.OpID)
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-op: preserve the attempt for the next run.
		env.Attempts--
		if raw, encErr := env.Encode(); encErr == nil {
			_ = e.store.LPush(context.WithoutCancel(ctx), e.store.PendingKey(), raw)
		}
		return
	}

	env.LastError = err.Error()
	if planner.Terminal(err) || env.Attempts >= pendingMaxAttempts {
		e.deadLetter(ctx, env, err)
		return
	}

	delay := pendingBase << (env.Attempts - 1)
	if delay > pendingMaxDelay || delay <= 0 {
		delay = pendingMaxDelay
	}
	if ra := planner.RetryAfterOf(err); ra > delay {
		delay = ra
	}
	env.NextAttemptAt = time.Now().UTC().Add(retry.Jittered(delay, 0.25))
	raw, encErr := env.Encode()
	if encErr != nil {
		e.log.Error(ctx, "pending: encode for re-queue", "op", env.OpID, "err", encErr.Error())
		return
	}
	if err := e.store.LPush(ctx, e.store.PendingKey(), raw); err != nil {
		e.log.Error(ctx, "pending: re-queue failed", "op", env.OpID, "err", err.Error())
	}
}

// executePending dispatches one op by kind.
func (e *Engine) executePending(ctx context.Context, env *ops.Envelope) error {
	switch env.Kind {
	case ops.KindUpload:
		var p uploadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return &planner.Error{Status: 400, Message: "malformed upload payload: " + err.Error()}
		}
		return e.uploadOne(ctx, p.LocalID)
	case ops.KindDeleteRemote:
		var p uploadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return &planner.Error{Status: 400, Message: "malformed delete payload: " + err.Error()}
		}
		return e.deleteRemote(ctx, p.LocalID, p.ExternalID)
	case ops.KindDownload:
		var p downloadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return &planner.Error{Status: 400, Message: "malformed download payload: " + err.Error()}
		}
		return e.reconcileRemote(ctx, p.ExternalID, p.ChangeType)
	case ops.KindWebhookReplay:
		var evt bus.Event
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			return &planner.Error{Status: 400, Message: "malformed replay payload: " + err.Error()}
		}
		e.handlePlannerEvent(ctx, evt)
		return nil
	default:
		return &planner.Error{Status: 400, Message: fmt.Sprintf("unknown op kind %q", env.Kind)}
	}
}

// enqueuePending puts an op on the retry queue with its first backoff delay
// already stamped.
func (e *Engine) enqueuePending(ctx context.Context, env *ops.Envelope, cause error) {
	delay := pendingBase
	if ra := planner.RetryAfterOf(cause); ra > delay {
		delay = ra
	}
	var stop *ErrThrottledStop
	if errors.As(cause, &stop) && !stop.Until.IsZero() {
		if until := time.Until(stop.Until); until > delay {
			delay = until
		}
	}
	env.NextAttemptAt = time.Now().UTC().Add(retry.Jittered(delay, 0.25))
	raw, err := env.Encode()
	if err != nil {
		e.log.Error(ctx, "pending: encode op", "op", env.OpID, "err", err.Error())
		return
	}
	if err := e.store.LPush(ctx, e.store.PendingKey(), raw); err != nil {
		e.log.Error(ctx, "pending: enqueue failed", "op", env.OpID, "err", err.Error())
	}
}

// deadLetter records a failed op in the bounded sync:failed list.
func (e *Engine) deadLetter(ctx context.Context, env *ops.Envelope, cause error) {
	e.metrics.IncCounter("sync.deadletter.total", 1, "kind", string(env.Kind))
	e.log.Error(ctx, "pending: dead-lettering op",
		"op", env.OpID, "kind", string(env.Kind), "attempts", env.Attempts, "err", cause.Error())

	sum := sha256.Sum256(env.Payload)
	failure := ops.Failure{
		OpID:        env.OpID,
		Kind:        env.Kind,
		Reason:      cause.Error(),
		Attempts:    env.Attempts,
		FailedAt:    time.Now().UTC(),
		PayloadHash: hex.EncodeToString(sum[:8]),
	}
	raw, err := json.Marshal(failure)
	if err != nil {
		return
	}
	key := e.store.FailedKey()
	if err := e.store.LPush(ctx, key, string(raw)); err != nil {
		e.log.Error(ctx, "pending: dead-letter write failed", "op", env.OpID, "err", err.Error())
		return
	}
	_ = e.store.LTrim(ctx, key, 0, store.MaxFailed-1)
	_ = e.store.Expire(ctx, key, store.FailedTTL)
}

// alreadyProcessed consults the daily idempotency sets, spanning the
// midnight boundary.
func (e *Engine) alreadyProcessed(ctx context.Context, opID string) (bool, error) {
	for _, day := range []string{today(), yesterday()} {
		done, err := e.store.SIsMember(ctx, e.store.ProcessedKey(day), opID)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) markProcessed(ctx context.Context, opID string) {
	if err := e.store.SAdd(ctx, e.store.ProcessedKey(today()), store.ProcessedTTL, opID); err != nil {
		e.log.Warn(ctx, "pending: idempotency record failed", "op", opID, "err", err.Error())
	}
}

func yesterday() string {
	return time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
}

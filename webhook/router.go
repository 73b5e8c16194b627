// Package webhook ingests planner and chat change notifications. The router
// answers the subscription validation handshake, verifies clientState
// against the stored secrets, suppresses duplicate notifications with a
// bounded LRU, and publishes normalized events onto the internal bus. The
// inbound request is always answered 202 within the same request; bus
// failures are re-queued to the pending queue instead of surfacing to the
// planner.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	goahttp "goa.design/goa/v3/http"

	"goa.design/taskbridge/bus"
	"goa.design/taskbridge/ops"
	"goa.design/taskbridge/store"
	"goa.design/taskbridge/telemetry"
)

// dedupeSize bounds the duplicate-suppression window.
const dedupeSize = 4096

type (
	// Validator checks a notification's clientState. Implemented by the
	// subscription manager.
	Validator interface {
		ValidateClientState(ctx context.Context, subscriptionID, clientState string) (bool, error)
	}

	// Options configures the router.
	Options struct {
		// Bus receives normalized events. Required.
		Bus bus.Client
		// Store provides the pending queue for re-queued publishes and the
		// bus stream names. Required.
		Store *store.Gateway
		// Validator checks clientState. Required.
		Validator Validator
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Router handles the inbound webhook endpoints.
	Router struct {
		bus       bus.Client
		store     *store.Gateway
		validator Validator
		log       telemetry.Logger
		metrics   telemetry.Metrics
		seen      *lru.Cache[string, struct{}]
	}

	// notification mirrors the planner's change-notification wire shape.
	notification struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
		ResourceData   struct {
			ID   string `json:"id"`
			ETag string `json:"@odata.etag"`
		} `json:"resourceData"`
	}

	envelope struct {
		Value []notification `json:"value"`
	}
)

// New constructs a webhook router.
func New(opts Options) (*Router, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store gateway is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("clientState validator is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Router{
		bus:       opts.Bus,
		store:     opts.Store,
		validator: opts.Validator,
		log:       log,
		metrics:   metrics,
		seen:      seen,
	}, nil
}

// Mount registers the webhook endpoints on the muxer.
func (r *Router) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, "/webhook/planner", r.handle(r.store.PlannerBusStream()))
	mux.Handle(http.MethodPost, "/webhook/chats", r.handle(r.store.ChatBusStream()))
}

// handle builds the handler for one domain, bound to its bus stream.
func (r *Router) handle(stream string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		// Subscription validation handshake: echo the token verbatim.
		if token := req.URL.Query().Get("validationToken"); token != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, token)
			return
		}

		ctx := req.Context()
		var env envelope
		if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
			r.log.Warn(ctx, "webhook: malformed envelope", "err", err.Error())
			// Still 202: the planner retries malformed-looking responses
			// aggressively and the payload will not improve.
			w.WriteHeader(http.StatusAccepted)
			return
		}

		for _, n := range env.Value {
			r.process(ctx, stream, n)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (r *Router) process(ctx context.Context, stream string, n notification) {
	ok, err := r.validator.ValidateClientState(ctx, n.SubscriptionID, n.ClientState)
	if err != nil {
		r.log.Warn(ctx, "webhook: clientState lookup failed", "subscription", n.SubscriptionID, "err", err.Error())
		return
	}
	if !ok {
		// Drop silently; count for operators.
		r.metrics.IncCounter("webhook.rejected.total", 1, "reason", "client_state")
		return
	}

	key := strings.Join([]string{n.Resource, n.ChangeType, n.ResourceData.ID, n.ResourceData.ETag}, "|")
	if _, dup := r.seen.Get(key); dup {
		r.metrics.IncCounter("webhook.rejected.total", 1, "reason", "duplicate")
		return
	}
	r.seen.Add(key, struct{}{})

	evt := bus.Event{
		ChangeType:     n.ChangeType,
		Resource:       n.Resource,
		ResourceID:     n.ResourceData.ID,
		ETag:           n.ResourceData.ETag,
		SubscriptionID: n.SubscriptionID,
		ReceivedAt:     time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, stream, evt); err != nil {
		r.log.Error(ctx, "webhook: bus publish failed, re-queueing", "resource", n.Resource, "err", err.Error())
		r.requeue(ctx, evt)
	}
}

// requeue preserves a notification that could not reach the bus by placing
// a replay op on the pending queue.
func (r *Router) requeue(ctx context.Context, evt bus.Event) {
	env, err := ops.New(ops.KindWebhookReplay, evt)
	if err != nil {
		r.log.Error(ctx, "webhook: encode replay op", "err", err.Error())
		return
	}
	raw, err := env.Encode()
	if err != nil {
		r.log.Error(ctx, "webhook: encode replay envelope", "err", err.Error())
		return
	}
	if err := r.store.LPush(ctx, r.store.PendingKey(), raw); err != nil {
		r.log.Error(ctx, "webhook: pending enqueue failed, dropping event", "resource", evt.Resource, "err", err.Error())
	}
}

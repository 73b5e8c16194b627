// Package bus provides the internal event bus the webhook router and sync
// engine communicate over. It is a thin taskbridge-specific wrapper around
// goa.design/pulse streams: the router publishes normalized change
// notifications, the engine consumes them through a durable sink (consumer
// group) so events survive restarts and are shared across cluster nodes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Event is a normalized change notification carried on the bus.
	Event struct {
		// ChangeType is "created", "updated" or "deleted".
		ChangeType string `json:"changeType"`
		// Resource is the planner resource path the notification refers to.
		Resource string `json:"resource"`
		// ResourceID is the planner identifier extracted from resourceData.
		ResourceID string `json:"resourceId"`
		// ETag is the resource version carried by the notification, if any.
		ETag string `json:"etag,omitempty"`
		// SubscriptionID identifies the originating subscription.
		SubscriptionID string `json:"subscriptionId"`
		// ReceivedAt is when the router accepted the notification (UTC).
		ReceivedAt time.Time `json:"receivedAt"`
	}

	// Client publishes and consumes bus events.
	Client interface {
		// Publish appends an event to the named stream.
		Publish(ctx context.Context, stream string, evt Event) error
		// Consume opens a durable sink on the named stream and returns a
		// channel of decoded events. The returned stop function closes the
		// sink and the channel. Events are acknowledged after delivery.
		Consume(ctx context.Context, stream, sinkName string) (<-chan Event, func(), error)
	}

	// Options configures the bus client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// MaxLen bounds the number of entries kept per stream. Zero uses the
		// Pulse default.
		MaxLen int
		// Buffer is the consume channel capacity. Defaults to 64.
		Buffer int
	}

	client struct {
		rdb    *redis.Client
		maxLen int
		buffer int
	}
)

// New constructs a Pulse-backed bus client. The Redis field in opts is
// required.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &client{rdb: opts.Redis, maxLen: opts.MaxLen, buffer: buffer}, nil
}

func (c *client) stream(name string) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("open bus stream %s: %w", name, err)
	}
	return str, nil
}

// Publish appends an event to the named stream.
func (c *client) Publish(ctx context.Context, stream string, evt Event) error {
	str, err := c.stream(stream)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode bus event: %w", err)
	}
	if _, err := str.Add(ctx, evt.ChangeType, payload); err != nil {
		return fmt.Errorf("publish bus event: %w", err)
	}
	return nil
}

// Consume opens a durable sink on the named stream. Malformed payloads are
// acknowledged and dropped so one bad notification cannot wedge the sink.
func (c *client) Consume(ctx context.Context, stream, sinkName string) (<-chan Event, func(), error) {
	str, err := c.stream(stream)
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, nil, fmt.Errorf("open bus sink %s: %w", sinkName, err)
	}
	out := make(chan Event, c.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal(raw.Payload, &evt); err != nil {
					_ = sink.Ack(runCtx, raw)
					continue
				}
				select {
				case out <- evt:
				case <-runCtx.Done():
					return
				}
				_ = sink.Ack(runCtx, raw)
			}
		}
	}()
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, stop, nil
}

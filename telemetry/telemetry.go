// Package telemetry integrates the sync engine with Clue logging and OTel
// metrics.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the bridge.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and gauge helpers for sync instrumentation.
// Counter names used by the engine:
//
//	sync.upload.total, sync.download.total, sync.conflict.total,
//	sync.throttle.total, sync.deadletter.total, webhook.rejected.total
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

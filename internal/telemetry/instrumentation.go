package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY BEST PRACTICES:
//
// High cardinality attributes (unique values per request) should NEVER be added to spans
// that contribute to metrics, as they create unbounded metric series.
//
// AVOID these as span attributes:
// - Session IDs, request IDs, archive UUIDs
// - Local or remote paths, manifest item identifiers
// - Error messages with dynamic content
//
// SAFE attributes (bounded cardinality):
// - Operation types ("put", "get", "exec", "save")
// - Status values ("success", "error")
// - Directions ("upload", "download") and strategies ("items", "archive")
//
// Paths belong in logs, which carry trace_id/span_id for correlation.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with component and operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentStoreOperation instruments progress store operations.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "progress_store", fn)

	t.RecordStoreOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentChannelOperation instruments remote channel operations.
func (t *Telemetry) InstrumentChannelOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "channel_"+operation, "remote_channel", fn)

	t.RecordChannelOperation(operation, statusOf(err))

	return err
}

// InstrumentSession instruments a whole transfer session. fn reports its own status string
// ("complete", "incomplete") when it returns nil.
func (t *Telemetry) InstrumentSession(ctx context.Context, strategy, direction string, fn func(ctx context.Context) (string, error)) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.IncrementActiveSessions()
	defer t.DecrementActiveSessions()

	status := "error"

	err := t.InstrumentOperation(ctx, "session_"+strategy, "session", func(ctx context.Context) error {
		s, err := fn(ctx)
		if err == nil {
			status = s
		}

		return err
	})

	t.RecordSession(strategy, direction, status, time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

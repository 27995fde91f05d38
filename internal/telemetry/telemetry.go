// Package telemetry wraps engine operations in trace spans and counts them.
//
// Nothing leaves the process: spans go to the structured log and metrics to
// an in-process prometheus registry. The engine behaves identically with the
// Noop tracer.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
)

const instrumentationName = "github.com/kimhsiao/waypoint/backend/internal/engine"

// Tracer wraps a named operation.
type Tracer interface {
	Trace(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Noop runs the operation and records nothing.
type Noop struct{}

// Trace implements Tracer.
func (Noop) Trace(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// OTelTracer records one OpenTelemetry span per operation.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer creates a tracer from tp, or from the global provider when tp
// is nil.
func NewOTelTracer(tp trace.TracerProvider) *OTelTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: tp.Tracer(instrumentationName)}
}

// Trace implements Tracer. Failed operations mark the span as an error and
// carry the error code.
func (t *OTelTracer) Trace(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("waypoint.error_code", string(errors.CodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Annotate adds attributes to the span carried by ctx, if any.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// NewTracerProvider returns an SDK provider whose finished spans are written
// to the debug log.
func NewTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(logExporter{}),
	)
}

// logExporter writes finished spans to the structured log.
type logExporter struct{}

func (logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := map[string]interface{}{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"duration_ms": s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status":      s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		logging.Debug("Span finished", fields)
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error {
	return nil
}

// Package telemetry wraps units of work in OpenTelemetry spans. Without a
// configured SDK the spans are no-ops, so call sites stay unconditional.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sevigo/review-queue"

// RunInSpan executes fn inside a span named name, recording the given
// attributes plus a success flag for the outcome.
func RunInSpan(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	span.SetAttributes(attribute.Bool("success", err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

package subscriber

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pullsub/internal/pub/tracing"
)

// TracedTelemetry records a span per receipt, from delivery until the message
// is leased or discarded, and wraps another Telemetry.
type TracedTelemetry struct {
	next   Telemetry
	tracer *tracing.Tracer
	sub    string
	spans  sync.Map // *Message -> trace.Span
}

// NewTracedTelemetry wraps next with tracing. next may be nil.
func NewTracedTelemetry(next Telemetry, tracer *tracing.Tracer, sub string) *TracedTelemetry {
	if next == nil {
		next = nopTelemetry{}
	}

	return &TracedTelemetry{
		next:   next,
		tracer: tracer,
		sub:    sub,
	}
}

func (t *TracedTelemetry) ReceiptStarted(msg *Message) {
	_, span := t.tracer.StartSpan(context.Background(), "subscriber.receipt",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(t.tracer.MessageAttributes(t.sub, msg.ID, msg.ackID, msg.DeliveryAttempt)...),
	)
	t.spans.Store(msg, span)

	t.next.ReceiptStarted(msg)
}

func (t *TracedTelemetry) ReceiptEnded(msg *Message) {
	t.next.ReceiptEnded(msg)

	v, ok := t.spans.LoadAndDelete(msg)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (t *TracedTelemetry) Discarded(msg *Message, err error) {
	t.next.Discarded(msg, err)

	v, ok := t.spans.LoadAndDelete(msg)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.AddEvent("discarded")
	span.RecordError(err)
	span.SetAttributes(t.tracer.ErrorAttributes(err)...)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

func (t *TracedTelemetry) Shutdown(msg *Message) {
	t.next.Shutdown(msg)

	_, span := t.tracer.StartSpan(context.Background(), "subscriber.shutdown_nack",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(t.tracer.MessageAttributes(t.sub, msg.ID, msg.ackID, msg.DeliveryAttempt)...),
	)
	span.AddEvent("nacked", trace.WithAttributes(
		attribute.Float64("pub.held_seconds", time.Since(msg.received).Seconds()),
	))
	span.SetStatus(codes.Error, "subscriber closed before the message was handled")
	span.End()
}

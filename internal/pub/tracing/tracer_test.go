package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracerRecordsOnContextSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := FromProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")

	ctx, span := tracer.StartSpan(context.Background(), "op")
	tracer.WithAttributes(ctx, tracer.SubscriptionAttributes("orders", "sales", 2)...)
	tracer.RecordError(ctx, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("pub.subscription", "sales"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("pub.shard", 2))
}

func TestAttributeHelpers(t *testing.T) {
	tracer := FromProvider(sdktrace.NewTracerProvider(), "test")

	assert.Contains(t, tracer.ProducerAttributes("orders", 0, 10), attribute.Int("pub.batch_size", 10))
	assert.Contains(t, tracer.AckAttributes("sales", 3, 10*time.Second), attribute.Float64("pub.ack_deadline_seconds", 10))
	assert.Contains(t, tracer.MessageAttributes("sales", "m", "m#2", 2), attribute.Int("pub.delivery_attempt", 2))
	assert.Equal(t, []attribute.KeyValue{attribute.Bool("error", false)}, tracer.ErrorAttributes(nil))
	assert.Contains(t, tracer.ErrorAttributes(errors.New("x")), attribute.String("error.message", "x"))
}

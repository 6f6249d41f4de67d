package subscriber

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pullsub/internal/pub"
	"pullsub/internal/pub/tracing"
)

func TestTracedTelemetrySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := tracing.FromProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")
	next := &recordingTelemetry{}
	tel := NewTracedTelemetry(next, tracer, "sub")

	received := batch(true, "ok", "bad").Messages
	ok := newMessage(nil, received[0], time.Now())
	bad := newMessage(nil, received[1], time.Now())

	tel.ReceiptStarted(ok)
	tel.ReceiptStarted(bad)
	tel.ReceiptEnded(ok)
	tel.Discarded(bad, &pub.AckError{Status: pub.AckStatusInvalid, AckID: bad.AckID()})
	tel.ReceiptEnded(bad)
	tel.Shutdown(ok)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "subscriber.receipt", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, "subscriber.receipt", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.Len(t, spans[1].Events(), 2)
	assert.Equal(t, "discarded", spans[1].Events()[0].Name)

	assert.Equal(t, "subscriber.shutdown_nack", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	require.Len(t, spans[2].Events(), 1)
	assert.Equal(t, "nacked", spans[2].Events()[0].Name)

	assert.Equal(t, []string{"ok#1", "bad#1"}, next.get(&next.started))
	assert.Equal(t, []string{"bad#1"}, next.get(&next.discarded))
	assert.Equal(t, []string{"ok#1"}, next.get(&next.shutdown))
}

func TestTracedTelemetryWithoutNext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := tracing.FromProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")
	tel := NewTracedTelemetry(nil, tracer, "sub")

	m := newMessage(nil, batch(false, "m1").Messages[0], time.Now())
	tel.ReceiptStarted(m)
	tel.Discarded(m, errors.New("boom"))
	tel.ReceiptEnded(m)

	assert.Len(t, recorder.Ended(), 1)
}

// Package tracing configures OpenTelemetry export and offers span helpers for
// broker and subscriber operations.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the OpenTelemetry exporter, sampling and batching settings.
type Config struct {
	ServiceName    string        `env:"TRACING_SERVICE_NAME" envDefault:"pullsub-e2e"`
	ServiceVersion string        `env:"TRACING_SERVICE_VERSION" envDefault:"1.0.0"`
	JaegerEndpoint string        `env:"JAEGER_ENDPOINT" envDefault:"localhost:4318"`
	SampleRate     float64       `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"TRACING_BATCH_TIMEOUT" envDefault:"1s"`
	ExportTimeout  time.Duration `env:"TRACING_EXPORT_TIMEOUT" envDefault:"30s"`
	MaxExportBatch int           `env:"TRACING_MAX_EXPORT_BATCH" envDefault:"512"`
	MaxQueueSize   int           `env:"TRACING_MAX_QUEUE_SIZE" envDefault:"2048"`
}

// Tracer wraps the OpenTelemetry tracer with attribute helpers for the
// broker, the message stream and the subscriber.
type Tracer struct {
	tracer trace.Tracer
	config Config
}

// NewTracer installs a batching OTLP/HTTP tracer provider as the global
// provider. The returned cleanup flushes pending spans and shuts it down.
func NewTracer(config Config) (*Tracer, func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("service.environment", "development"),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(config.JaegerEndpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(config.BatchTimeout),
		sdktrace.WithExportTimeout(config.ExportTimeout),
		sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)

	// receipt spans are per message, so sampling is the main volume knob
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
		return tp.Shutdown(ctx)
	}

	return &Tracer{tracer: tp.Tracer(config.ServiceName), config: config}, cleanup, nil
}

// FromProvider builds a Tracer on an existing provider without installing
// exporters or global state.
func FromProvider(tp trace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(serviceName),
		config: Config{ServiceName: serviceName},
	}
}

func (t *Tracer) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// WithAttributes adds attributes to the span of ctx.
func (t *Tracer) WithAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError records err on the span of ctx and marks it failed.
func (t *Tracer) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func shardAttributes(topic string, shard int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pub.topic", topic),
		attribute.Int("pub.shard", shard),
	}
}

// ProducerAttributes describes a batch appended to a topic shard.
func (t *Tracer) ProducerAttributes(topic string, shard int, batchSize int) []attribute.KeyValue {
	return append(shardAttributes(topic, shard), attribute.Int("pub.batch_size", batchSize))
}

// SubscriptionAttributes identifies the subscription a topic shard is pulled for.
func (t *Tracer) SubscriptionAttributes(topic, subscription string, shard int) []attribute.KeyValue {
	return append(shardAttributes(topic, shard), attribute.String("pub.subscription", subscription))
}

// MessageAttributes identifies one delivery of a message.
func (t *Tracer) MessageAttributes(subscription, messageID, ackID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pub.subscription", subscription),
		attribute.String("pub.message_id", messageID),
		attribute.String("pub.ack_id", ackID),
		attribute.Int("pub.delivery_attempt", attempt),
	}
}

// AckAttributes describes one acknowledgment request. deadline is only set
// for modacks.
func (t *Tracer) AckAttributes(subscription string, count int, deadline time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pub.subscription", subscription),
		attribute.Int("pub.ack_ids", count),
		attribute.Float64("pub.ack_deadline_seconds", deadline.Seconds()),
	}
}

func (t *Tracer) DatabaseAttributes(operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.system", "couchbase"),
	}
}

// ErrorAttributes flags the span as failed or not; a failure carries the
// error type and message.
func (t *Tracer) ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return []attribute.KeyValue{attribute.Bool("error", false)}
	}
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
		attribute.String("error.message", err.Error()),
	}
}

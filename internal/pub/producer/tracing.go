package producer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pullsub/internal/pub"
	"pullsub/internal/pub/tracing"
)

// TracedProducer wraps a pub.Producer with distributed tracing
// Layer order: TracedProducer -> MetricsProducer -> Producer (real thing)
type TracedProducer struct {
	producer pub.Producer
	tracer   *tracing.Tracer
}

// NewTracedProducer creates a new traced producer that wraps a metrics producer
func NewTracedProducer(producer pub.Producer, tracer *tracing.Tracer) pub.Producer {
	return &TracedProducer{
		producer: producer,
		tracer:   tracer,
	}
}

// PublishBatch implements pub.Producer.PublishBatch with distributed tracing
func (p *TracedProducer) PublishBatch(ctx context.Context, topic string, shard int, events ...pub.Event) error {
	// Start the main publish span
	ctx, span := p.tracer.StartSpan(ctx, "producer.publish_batch")
	defer span.End()

	var bytes int
	keys := make(map[string]struct{})
	for _, e := range events {
		bytes += len(e.Data)
		if e.OrderingKey != "" {
			keys[e.OrderingKey] = struct{}{}
		}
	}
	span.SetAttributes(p.tracer.ProducerAttributes(topic, shard, len(events))...)
	span.SetAttributes(
		attribute.Int("pub.batch_bytes", bytes),
		attribute.Int("pub.ordering_keys", len(keys)),
	)

	// Call the wrapped producer (which includes metrics)
	err := p.producer.PublishBatch(ctx, topic, shard, events...)

	// Record error if any
	if err != nil {
		p.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	// Add final attributes
	span.SetAttributes(p.tracer.ErrorAttributes(err)...)

	return err
}

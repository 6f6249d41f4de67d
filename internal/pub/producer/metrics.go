package producer

import (
	"context"
	"time"

	"pullsub/internal/pub"
	"pullsub/internal/pub/metrics"
)

// MetricsProducer records the outcome, size and latency of every published batch.
type MetricsProducer struct {
	next     pub.Producer
	registry *metrics.Registry
}

func NewMetricsProducer(next pub.Producer, registry *metrics.Registry) pub.Producer {
	return &MetricsProducer{next: next, registry: registry}
}

func (p *MetricsProducer) PublishBatch(ctx context.Context, topic string, shard int, events ...pub.Event) error {
	start := time.Now()
	err := p.next.PublishBatch(ctx, topic, shard, events...)

	p.registry.RecordProducerPublish(topic, shard, len(events), payloadBytes(events), time.Since(start), err)

	return err
}

func payloadBytes(events []pub.Event) int {
	var n int
	for _, e := range events {
		n += len(e.Data)
	}
	return n
}

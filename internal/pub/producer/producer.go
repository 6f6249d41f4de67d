// Package producer appends messages to topic shards. It feeds the end-to-end
// harness of the subscriber runtime.
package producer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"

	"pullsub/internal/pub"
	"pullsub/internal/validator"
)

// Log is the part of the broker backend a producer writes to.
type Log interface {
	GetOffset(ctx context.Context, topic string, shard int) (uint64, error)
	CommitOffset(topic string, shard int, currentOffset uint64) error
	InsertMessage(ctx context.Context, msg pub.Message) error
}

type Producer struct {
	log    Log
	logger *zap.Logger
}

func NewProducer(log Log, logger *zap.Logger) (*Producer, error) {
	p := Producer{
		log:    log,
		logger: logger,
	}

	if err := validator.Validate("producer", p.log, p.logger); err != nil {
		return nil, fmt.Errorf("failed to validate producer deps: %w", err)
	}
	p.logger = p.logger.Named("producer")

	return &p, nil
}

// PublishBatch appends events at the current write offset of the shard and
// then commits the new offset. Messages already written by an earlier,
// interrupted attempt are kept.
func (p *Producer) PublishBatch(ctx context.Context, topic string, shard int, events ...pub.Event) error {
	if len(events) == 0 {
		return nil
	}

	offset, err := p.log.GetOffset(ctx, topic, shard)
	switch {
	case err == nil:
	case errors.Is(err, gocb.ErrDocumentNotFound):
		offset = 0
	default:
		return fmt.Errorf("failed to get offset for topic %s shard %d: %w", topic, shard, err)
	}

	now := time.Now().UTC()
	for _, e := range events {
		m := pub.Message{
			ID:          pub.MessageKey(topic, shard, offset),
			Offset:      offset,
			Topic:       topic,
			Shard:       shard,
			Data:        e.Data,
			Attributes:  maps.Clone(e.Attributes),
			OrderingKey: e.OrderingKey,
			PublishTime: now,
		}

		if err := p.log.InsertMessage(ctx, m); err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
			return fmt.Errorf("failed to insert message with ID %s: %w", m.ID, err)
		}

		offset++
	}

	if err := p.log.CommitOffset(topic, shard, offset); err != nil {
		return fmt.Errorf("failed to commit offset for topic %s shard %d: %w", topic, shard, err)
	}

	p.logger.Debug("published batch", zap.String("topic", topic), zap.Int("shard", shard), zap.Int("count", len(events)), zap.Uint64("offset", offset))

	return nil
}

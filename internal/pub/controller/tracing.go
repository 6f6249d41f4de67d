package controller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pullsub/internal/pub"
	"pullsub/internal/pub/tracing"
)

// TracedController wraps a pub.Controller with one span per broker operation.
// Layer order: TracedController -> MetricsController -> Controller (real thing)
type TracedController struct {
	controller pub.Controller
	tracer     *tracing.Tracer
}

func NewTracedController(controller pub.Controller, tracer *tracing.Tracer) pub.Controller {
	return &TracedController{
		controller: controller,
		tracer:     tracer,
	}
}

func (c *TracedController) GetCursor(ctx context.Context, topic, sub string, shard int) (uint64, error) {
	ctx, span := c.start(ctx, "get_cursor", c.tracer.SubscriptionAttributes(topic, sub, shard)...)
	defer span.End()

	offset, err := c.controller.GetCursor(ctx, topic, sub, shard)
	c.finish(ctx, span, err, attribute.Int64("pub.cursor_offset", int64(offset)))

	return offset, err
}

func (c *TracedController) CommitCursor(topic, sub string, shard int, offset uint64) error {
	ctx, span := c.start(context.Background(), "commit_cursor",
		append(c.tracer.SubscriptionAttributes(topic, sub, shard), attribute.Int64("pub.cursor_offset", int64(offset)))...,
	)
	defer span.End()

	err := c.controller.CommitCursor(topic, sub, shard, offset)
	c.finish(ctx, span, err)

	return err
}

func (c *TracedController) GetOffset(ctx context.Context, topic string, shard int) (uint64, error) {
	ctx, span := c.start(ctx, "get_offset", attribute.String("pub.topic", topic), attribute.Int("pub.shard", shard))
	defer span.End()

	offset, err := c.controller.GetOffset(ctx, topic, shard)
	c.finish(ctx, span, err, attribute.Int64("pub.write_offset", int64(offset)))

	return offset, err
}

func (c *TracedController) CommitOffset(topic string, shard int, currentOffset uint64) error {
	ctx, span := c.start(context.Background(), "commit_offset",
		attribute.String("pub.topic", topic),
		attribute.Int("pub.shard", shard),
		attribute.Int64("pub.write_offset", int64(currentOffset)),
	)
	defer span.End()

	err := c.controller.CommitOffset(topic, shard, currentOffset)
	c.finish(ctx, span, err)

	return err
}

// Pull spans carry how many deliveries were leased out of the requested maximum.
func (c *TracedController) Pull(ctx context.Context, req pub.PullRequest) ([]pub.ReceivedMessage, error) {
	ctx, span := c.start(ctx, "pull",
		append(c.tracer.SubscriptionAttributes(req.Topic, req.Sub, req.Shard),
			attribute.Int("pub.max_messages", req.Max),
			attribute.Float64("pub.ack_deadline_seconds", req.AckDeadline.Seconds()),
		)...,
	)
	defer span.End()

	msgs, err := c.controller.Pull(ctx, req)
	c.finish(ctx, span, err, attribute.Int("pub.messages_leased", len(msgs)))

	return msgs, err
}

// Acknowledge and ModifyAckDeadline spans count the ack ids that did not succeed.
func (c *TracedController) Acknowledge(ctx context.Context, sub string, ackIDs []string) (map[string]pub.AckStatus, error) {
	ctx, span := c.start(ctx, "acknowledge", c.tracer.AckAttributes(sub, len(ackIDs), 0)...)
	defer span.End()

	statuses, err := c.controller.Acknowledge(ctx, sub, ackIDs)
	c.finish(ctx, span, err, attribute.Int("pub.ack_failures", failures(statuses)))

	return statuses, err
}

func (c *TracedController) ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, deadline time.Duration) (map[string]pub.AckStatus, error) {
	ctx, span := c.start(ctx, "modify_ack_deadline", c.tracer.AckAttributes(sub, len(ackIDs), deadline)...)
	defer span.End()

	statuses, err := c.controller.ModifyAckDeadline(ctx, sub, ackIDs, deadline)
	c.finish(ctx, span, err, attribute.Int("pub.ack_failures", failures(statuses)))

	return statuses, err
}

func (c *TracedController) InsertMessage(ctx context.Context, msg pub.Message) error {
	ctx, span := c.start(ctx, "insert_message",
		attribute.String("pub.topic", msg.Topic),
		attribute.Int("pub.shard", msg.Shard),
		attribute.String("pub.message_id", msg.ID),
		attribute.Int64("pub.message_offset", int64(msg.Offset)),
		attribute.String("pub.ordering_key", msg.OrderingKey),
		attribute.Int("pub.message_bytes", len(msg.Data)),
	)
	defer span.End()

	err := c.controller.InsertMessage(ctx, msg)
	c.finish(ctx, span, err)

	return err
}

func (c *TracedController) LoadMessages(ctx context.Context, topic string, shard int, fromOffset uint64, limit int) ([]pub.Message, error) {
	ctx, span := c.start(ctx, "load_messages",
		attribute.String("pub.topic", topic),
		attribute.Int("pub.shard", shard),
		attribute.Int64("pub.from_offset", int64(fromOffset)),
		attribute.Int("pub.limit", limit),
	)
	defer span.End()

	messages, err := c.controller.LoadMessages(ctx, topic, shard, fromOffset, limit)
	c.finish(ctx, span, err, attribute.Int("pub.messages_loaded", len(messages)))

	return messages, err
}

func (c *TracedController) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := c.tracer.StartSpan(ctx, "controller."+operation)
	span.SetAttributes(c.tracer.DatabaseAttributes(operation)...)
	span.SetAttributes(attrs...)

	return ctx, span
}

// finish sets the outcome of span. attrs are only recorded on success.
func (c *TracedController) finish(ctx context.Context, span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err != nil {
		c.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attrs...)
	}
	span.SetAttributes(c.tracer.ErrorAttributes(err)...)
}

func failures(statuses map[string]pub.AckStatus) int {
	var n int
	for _, status := range statuses {
		if status != pub.AckStatusSuccess {
			n++
		}
	}
	return n
}

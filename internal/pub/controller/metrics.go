package controller

import (
	"context"
	"time"

	"pullsub/internal/pub"
	"pullsub/internal/pub/metrics"
)

// MetricsController records the latency and outcome of every broker
// operation, and the lease transitions pulls and acknowledgments cause.
type MetricsController struct {
	controller pub.Controller
	registry   *metrics.Registry
}

func NewMetricsController(controller pub.Controller, registry *metrics.Registry) pub.Controller {
	return &MetricsController{
		controller: controller,
		registry:   registry,
	}
}

func (c *MetricsController) GetCursor(ctx context.Context, topic, sub string, shard int) (uint64, error) {
	start := time.Now()
	offset, err := c.controller.GetCursor(ctx, topic, sub, shard)
	c.observe("get_cursor", start, err)

	return offset, err
}

func (c *MetricsController) CommitCursor(topic, sub string, shard int, offset uint64) error {
	start := time.Now()
	err := c.controller.CommitCursor(topic, sub, shard, offset)
	c.observe("commit_cursor", start, err)

	return err
}

func (c *MetricsController) GetOffset(ctx context.Context, topic string, shard int) (uint64, error) {
	start := time.Now()
	offset, err := c.controller.GetOffset(ctx, topic, shard)
	c.observe("get_offset", start, err)

	return offset, err
}

func (c *MetricsController) CommitOffset(topic string, shard int, currentOffset uint64) error {
	start := time.Now()
	err := c.controller.CommitOffset(topic, shard, currentOffset)
	c.observe("commit_offset", start, err)

	return err
}

// Pull counts one lease creation per delivery handed out.
func (c *MetricsController) Pull(ctx context.Context, req pub.PullRequest) ([]pub.ReceivedMessage, error) {
	start := time.Now()
	msgs, err := c.controller.Pull(ctx, req)
	c.observe("pull", start, err)

	for range msgs {
		c.registry.RecordLeaseOperation("create", nil)
	}

	return msgs, err
}

func (c *MetricsController) Acknowledge(ctx context.Context, sub string, ackIDs []string) (map[string]pub.AckStatus, error) {
	start := time.Now()
	statuses, err := c.controller.Acknowledge(ctx, sub, ackIDs)
	c.observe("acknowledge", start, err)
	c.recordLeaseStatuses("delete", statuses, err)

	return statuses, err
}

// ModifyAckDeadline counts extensions and releases (zero deadline) separately.
func (c *MetricsController) ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, deadline time.Duration) (map[string]pub.AckStatus, error) {
	start := time.Now()
	statuses, err := c.controller.ModifyAckDeadline(ctx, sub, ackIDs, deadline)
	c.observe("modify_ack_deadline", start, err)

	operation := "extend"
	if deadline <= 0 {
		operation = "release"
	}
	c.recordLeaseStatuses(operation, statuses, err)

	return statuses, err
}

func (c *MetricsController) InsertMessage(ctx context.Context, msg pub.Message) error {
	start := time.Now()
	err := c.controller.InsertMessage(ctx, msg)
	c.observe("insert_message", start, err)

	return err
}

func (c *MetricsController) LoadMessages(ctx context.Context, topic string, shard int, fromOffset uint64, limit int) ([]pub.Message, error) {
	start := time.Now()
	messages, err := c.controller.LoadMessages(ctx, topic, shard, fromOffset, limit)
	c.observe("load_messages", start, err)

	return messages, err
}

func (c *MetricsController) observe(operation string, start time.Time, err error) {
	c.registry.RecordDatabaseOperation(operation, time.Since(start), err)
}

func (c *MetricsController) recordLeaseStatuses(operation string, statuses map[string]pub.AckStatus, err error) {
	if err != nil {
		c.registry.RecordLeaseOperation(operation, err)
		return
	}
	for _, status := range statuses {
		var statusErr error
		if status != pub.AckStatusSuccess {
			statusErr = &pub.AckError{Status: status}
		}
		c.registry.RecordLeaseOperation(operation, statusErr)
	}
}

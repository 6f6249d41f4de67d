package pub

import "context"

// Producer appends events to the log of a topic shard, where subscriptions
// pick them up by offset.
type Producer interface {
	PublishBatch(ctx context.Context, topic string, shard int, events ...Event) error
}

package pub

import (
	"context"
	"time"
)

// PullRequest asks the broker for up to Max new deliveries.
type PullRequest struct {
	Topic       string
	Sub         string
	Shard       int
	Max         int
	AckDeadline time.Duration
}

// Controller defines the broker backend: message persistence, cursor and offset
// management, and lease-based delivery for subscriptions.
type Controller interface {
	Acknowledger

	// GetCursor retrieves the lowest unacknowledged offset of a subscription.
	// Returns 0 for subscriptions that have no cursor yet.
	GetCursor(ctx context.Context, topic, sub string, shard int) (uint64, error)

	// CommitCursor advances the cursor of a subscription. Cursors never move backwards.
	CommitCursor(topic, sub string, shard int, offset uint64) error

	// GetOffset retrieves the current write offset for a topic shard.
	GetOffset(ctx context.Context, topic string, shard int) (uint64, error)

	// CommitOffset advances the write offset for a topic shard.
	CommitOffset(topic string, shard int, currentOffset uint64) error

	// InsertMessage stores a new message.
	InsertMessage(ctx context.Context, msg Message) error

	// LoadMessages retrieves messages of a topic shard starting at fromOffset, in offset order.
	LoadMessages(ctx context.Context, topic string, shard int, fromOffset uint64, limit int) ([]Message, error)

	// Pull leases up to req.Max messages that are neither acknowledged nor
	// currently leased and returns one delivery per leased message.
	Pull(ctx context.Context, req PullRequest) ([]ReceivedMessage, error)
}

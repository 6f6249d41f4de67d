package pub

import (
	"context"
	"time"
)

// StreamHandler receives the signals of a MessageStream. A stream never calls
// the handler concurrently.
type StreamHandler interface {
	OnData(batch Batch)
	OnError(err error)
	OnClose()
}

// StreamOptions is handed to a MessageStream when it starts.
type StreamOptions struct {
	Subscription string
	MaxStreams   int
	AckDeadline  time.Duration
}

// MessageStream delivers batches of received messages until destroyed.
type MessageStream interface {
	// Start connects the stream and begins delivering to handler.
	Start(ctx context.Context, handler StreamHandler, opts StreamOptions) error

	// SetStreamAckDeadline changes the deadline granted to newly delivered messages.
	SetStreamAckDeadline(deadline time.Duration)

	// Pause stops delivery until Resume is called. Batches already received may still arrive.
	Pause()
	Resume()

	// Destroy tears the stream down. The handler receives OnError when err is not nil, then OnClose.
	Destroy(err error)
}

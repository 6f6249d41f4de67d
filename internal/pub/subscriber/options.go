package subscriber

import (
	"time"

	"pullsub/internal/pub/ackqueue"
	"pullsub/internal/pub/lease"
)

const (
	defaultAckDeadline     = 10 * time.Second
	defaultMinAckDeadline  = 10 * time.Second
	exactlyOnceMinDeadline = 60 * time.Second
	defaultMaxAckDeadline  = 600 * time.Second
	defaultMaxStreams      = 5

	minExtensionInterval = 10 * time.Millisecond
)

// StreamingOptions configure the MessageStream.
type StreamingOptions struct {
	MaxStreams int `env:"MAX_STREAMS" envDefault:"5"`
}

// Options configure a Subscriber. Zero values mean "default" on construction
// and "unchanged" in SetOptions.
type Options struct {
	// AckDeadline is the initial deadline; it is recomputed from ack latencies.
	AckDeadline time.Duration `env:"ACK_DEADLINE" envDefault:"10s"`
	// MinAckDeadline defaults to 10s, or 60s for exactly-once subscriptions.
	MinAckDeadline time.Duration `env:"MIN_ACK_DEADLINE"`
	MaxAckDeadline time.Duration `env:"MAX_ACK_DEADLINE" envDefault:"600s"`

	FlowControl lease.Options    `envPrefix:"FLOW_CONTROL_"`
	Batching    ackqueue.Options `envPrefix:"BATCHING_"`
	Streaming   StreamingOptions `envPrefix:"STREAMING_"`
}

// DefaultOptions returns the options a Subscriber uses when none are given.
func DefaultOptions() Options {
	return Options{
		AckDeadline:    defaultAckDeadline,
		MaxAckDeadline: defaultMaxAckDeadline,
		FlowControl:    lease.DefaultOptions(),
		Batching:       ackqueue.DefaultOptions(),
		Streaming:      StreamingOptions{MaxStreams: defaultMaxStreams},
	}
}

// merge overlays the non-zero fields of next onto cur.
func merge(cur, next Options) Options {
	cur.AckDeadline = or(next.AckDeadline, cur.AckDeadline)
	cur.MinAckDeadline = or(next.MinAckDeadline, cur.MinAckDeadline)
	cur.MaxAckDeadline = or(next.MaxAckDeadline, cur.MaxAckDeadline)

	cur.FlowControl.MaxMessages = or(next.FlowControl.MaxMessages, cur.FlowControl.MaxMessages)
	cur.FlowControl.MaxBytes = or(next.FlowControl.MaxBytes, cur.FlowControl.MaxBytes)
	cur.FlowControl.MaxExtension = or(next.FlowControl.MaxExtension, cur.FlowControl.MaxExtension)

	cur.Batching.MaxMessages = or(next.Batching.MaxMessages, cur.Batching.MaxMessages)
	cur.Batching.MaxBytes = or(next.Batching.MaxBytes, cur.Batching.MaxBytes)
	cur.Batching.MaxDelay = or(next.Batching.MaxDelay, cur.Batching.MaxDelay)
	cur.Batching.MaxAttempts = or(next.Batching.MaxAttempts, cur.Batching.MaxAttempts)

	cur.Streaming.MaxStreams = or(next.Streaming.MaxStreams, cur.Streaming.MaxStreams)

	return cur
}

// normalize fills defaults and clamps values that cannot be honoured.
func normalize(o Options) Options {
	o = merge(DefaultOptions(), o)

	// more streams than messages would starve flow control
	if o.FlowControl.MaxMessages > 0 && o.Streaming.MaxStreams > o.FlowControl.MaxMessages {
		o.Streaming.MaxStreams = o.FlowControl.MaxMessages
	}

	return o
}

func or[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

// Package stream implements pub.MessageStream as a set of concurrent pull
// loops against the broker backend.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pullsub/internal/pub"
	"pullsub/internal/validator"
)

// ErrAlreadyStarted is returned by Start while the stream is running.
var ErrAlreadyStarted = errors.New("message stream already started")

// Puller leases new deliveries from the broker.
type Puller interface {
	Pull(ctx context.Context, req pub.PullRequest) ([]pub.ReceivedMessage, error)
}

// Recorder observes pull requests.
type Recorder interface {
	RecordPull(topic, sub string, shard, count int, duration time.Duration, err error)
}

// Options select what is pulled and how often.
type Options struct {
	Topic string `env:"TOPIC" envDefault:"orders"`
	Shard int    `env:"SHARD" envDefault:"0"`
	// BatchSize caps the deliveries of one pull.
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	// RetryWindow bounds how long transient pull errors are retried before
	// the stream fails.
	RetryWindow time.Duration `env:"RETRY_WINDOW" envDefault:"1m"`
	// Properties are announced with every batch.
	Properties pub.SubscriptionProperties `envPrefix:"SUBSCRIPTION_"`
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		RetryWindow:  time.Minute,
	}
}

// Stream pulls with up to MaxStreams concurrent loops and hands batches to
// its handler one at a time.
type Stream struct {
	puller   Puller
	opts     Options
	recorder Recorder
	logger   *zap.Logger

	deadline atomic.Int64
	deliver  sync.Mutex

	mu      sync.Mutex
	run     *run
	paused  bool
	resumed chan struct{}
	done    chan struct{}
}

// run is one Start to Destroy cycle.
type run struct {
	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

// New creates a stopped Stream. recorder may be nil.
func New(puller Puller, opts Options, recorder Recorder, logger *zap.Logger) (*Stream, error) {
	if err := validator.Validate("stream", puller, opts.Topic, logger); err != nil {
		return nil, fmt.Errorf("failed to validate stream deps: %w", err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = DefaultOptions().RetryWindow
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Stream{
		puller:   puller,
		opts:     opts,
		recorder: recorder,
		logger:   logger.Named("stream").With(zap.String("topic", opts.Topic), zap.Int("shard", opts.Shard)),
	}, nil
}

// Start launches the pull loops. They run until Destroy or until one fails
// permanently; either way handler.OnClose is called once all loops returned.
func (s *Stream) Start(_ context.Context, handler pub.StreamHandler, opts pub.StreamOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.run = r
	s.done = r.done
	s.paused = false
	s.resumed = nil
	s.deadline.Store(int64(opts.AckDeadline))

	streams := max(1, opts.MaxStreams)
	g, gctx := errgroup.WithContext(ctx)
	for range streams {
		g.Go(func() error {
			return s.pull(gctx, handler, opts.Subscription)
		})
	}

	s.logger.Info("message stream started", zap.String("sub", opts.Subscription), zap.Int("streams", streams))

	go s.wait(r, g, handler)

	return nil
}

func (s *Stream) wait(r *run, g *errgroup.Group, handler pub.StreamHandler) {
	err := g.Wait()
	r.cancel()

	s.mu.Lock()
	if r.err != nil {
		err = r.err
	}
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("message stream failed", zap.Error(err))
		handler.OnError(err)
	}
	handler.OnClose()
	close(r.done)
}

// SetStreamAckDeadline sets the lease granted by subsequent pulls.
func (s *Stream) SetStreamAckDeadline(deadline time.Duration) {
	s.deadline.Store(int64(deadline))
}

// Pause stops issuing pulls. Batches already pulled are still delivered.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}
	s.paused = true
	s.resumed = make(chan struct{})
}

// Resume lets paused loops pull again.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumed)
}

// Destroy stops the pull loops. A non-nil err is reported to the handler.
func (s *Stream) Destroy(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.run
	if r == nil {
		return
	}
	s.run = nil
	r.err = err
	r.cancel()
}

// Done is closed once the last started run has stopped.
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.done
}

func (s *Stream) pull(ctx context.Context, handler pub.StreamHandler, sub string) error {
	for {
		if err := s.awaitResume(ctx); err != nil {
			return nil
		}

		req := pub.PullRequest{
			Topic:       s.opts.Topic,
			Sub:         sub,
			Shard:       s.opts.Shard,
			Max:         s.opts.BatchSize,
			AckDeadline: time.Duration(s.deadline.Load()),
		}

		start := time.Now()
		msgs, err := backoff.Retry(ctx, func() ([]pub.ReceivedMessage, error) {
			msgs, err := s.puller.Pull(ctx, req)
			switch {
			case err == nil:
				return msgs, nil
			case pub.IsTransient(err):
				s.logger.Warn("transient pull failure, retrying", zap.Error(err))
				return nil, err
			default:
				return nil, backoff.Permanent(err)
			}
		}, backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(s.opts.RetryWindow))
		s.recorder.RecordPull(req.Topic, sub, req.Shard, len(msgs), time.Since(start), err)

		if len(msgs) > 0 {
			// leased at the broker already, so deliver even while stopping
			s.logger.Debug("pulled messages", zap.Int("count", len(msgs)))
			s.deliver.Lock()
			handler.OnData(pub.Batch{Properties: s.opts.Properties, Messages: msgs})
			s.deliver.Unlock()
		}

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to pull messages: %w", err)
		}

		if len(msgs) == 0 {
			t := time.NewTimer(s.opts.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

func (s *Stream) awaitResume(ctx context.Context) error {
	s.mu.Lock()
	resumed := s.resumed
	paused := s.paused
	s.mu.Unlock()

	if !paused {
		return ctx.Err()
	}

	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

type nopRecorder struct{}

func (nopRecorder) RecordPull(string, string, int, int, time.Duration, error) {}

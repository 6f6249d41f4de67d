// Package ackqueue batches acknowledgment and deadline-modification requests
// into RPCs against a pub.Acknowledger.
package ackqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"pullsub/internal/pub"
	"pullsub/internal/validator"
)

// ErrQueueClosed settles entries added after Close.
var ErrQueueClosed = errors.New("ack queue is closed")

const rpcTimeout = time.Minute

// Kind selects the RPC a Queue issues.
type Kind int

const (
	KindAck Kind = iota
	KindModAck
)

func (k Kind) String() string {
	if k == KindModAck {
		return "modack"
	}
	return "ack"
}

// Options are the batching thresholds. A batch is sent as soon as one of them is reached.
type Options struct {
	MaxMessages int           `env:"MAX_MESSAGES" envDefault:"3000"`
	MaxBytes    int           `env:"MAX_BYTES" envDefault:"20971520"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"100ms"`
	// MaxAttempts bounds how often an entry failing transiently is sent.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"10"`
}

func DefaultOptions() Options {
	return Options{
		MaxMessages: 3000,
		MaxBytes:    20 * 1024 * 1024,
		MaxDelay:    100 * time.Millisecond,
		MaxAttempts: 10,
	}
}

// Recorder observes the traffic of a Queue.
type Recorder interface {
	RecordQueueFlush(queue string, size int, duration time.Duration, err error)
	RecordAckStatus(queue string, status pub.AckStatus)
}

type entry struct {
	ackID    string
	deadline time.Duration
	bytes    int
	attempts int
	results  []*Result
}

func (e *entry) settle(err error) {
	for _, r := range e.results {
		r.resolve(err)
	}
}

// Queue buffers acknowledgment entries and flushes them as batched RPCs.
type Queue struct {
	kind     Kind
	sub      string
	acker    pub.Acknowledger
	recorder Recorder
	logger   *zap.Logger

	mu          sync.Mutex
	opts        Options
	exactlyOnce bool
	closed      bool
	pending     []*entry
	index       map[string]*entry
	bytes       int
	timer       *time.Timer
	timerGen    int
	inflight    int
	flushed     []chan struct{}
	drained     []chan struct{}
	retryDelay  *backoff.ExponentialBackOff
}

// New creates a Queue issuing kind RPCs for the subscription sub. recorder may be nil.
func New(kind Kind, sub string, acker pub.Acknowledger, opts Options, recorder Recorder, logger *zap.Logger) (*Queue, error) {
	if err := validator.Validate("ackqueue", acker, logger); err != nil {
		return nil, fmt.Errorf("failed to validate ack queue deps: %w", err)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	return &Queue{
		kind:       kind,
		sub:        sub,
		acker:      acker,
		recorder:   recorder,
		logger:     logger.Named("ackqueue").With(zap.Stringer("queue", kind)),
		opts:       opts,
		index:      make(map[string]*entry),
		retryDelay: b,
	}, nil
}

// Add queues ackID. deadline is ignored by ack queues. An ack id already
// pending is not queued twice; a modack keeps the latest deadline.
func (q *Queue) Add(ackID string, deadline time.Duration) *Result {
	r := newResult()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		r.resolve(ErrQueueClosed)
		return r
	}

	if e, ok := q.index[ackID]; ok {
		e.deadline = deadline
		e.results = append(e.results, r)
		return r
	}

	q.push(&entry{
		ackID:    ackID,
		deadline: deadline,
		bytes:    len(ackID),
		results:  []*Result{r},
	})

	switch {
	case q.opts.MaxMessages > 0 && len(q.pending) >= q.opts.MaxMessages,
		q.opts.MaxBytes > 0 && q.bytes >= q.opts.MaxBytes:
		q.flushLocked()
	case q.timer == nil:
		q.armTimer()
	}

	return r
}

// Flush sends the pending batch now and waits until its RPC completes.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	done := q.flushLocked()
	q.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFlush is closed when the next batch RPC completes.
func (q *Queue) OnFlush() <-chan struct{} {
	ch := make(chan struct{})

	q.mu.Lock()
	q.flushed = append(q.flushed, ch)
	q.mu.Unlock()

	return ch
}

// OnDrain is closed once no RPC is in flight.
func (q *Queue) OnDrain() <-chan struct{} {
	ch := make(chan struct{})

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight == 0 {
		close(ch)
		return ch
	}
	q.drained = append(q.drained, ch)

	return ch
}

// NumPending is the number of entries waiting for a flush.
func (q *Queue) NumPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// NumInFlight is the number of batches sent and not yet completed, including
// batches waiting to be retried.
func (q *Queue) NumInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// MaxDelay is the current flush delay.
func (q *Queue) MaxDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts.MaxDelay
}

// SetOptions replaces the thresholds. Entries already queued are not flushed by it.
func (q *Queue) SetOptions(opts Options) {
	q.mu.Lock()
	q.opts = opts
	q.mu.Unlock()
}

// SetExactlyOnce switches between best-effort and per-entry outcome handling.
func (q *Queue) SetExactlyOnce(enabled bool) {
	q.mu.Lock()
	q.exactlyOnce = enabled
	q.mu.Unlock()
}

// Close stops the flush timer and rejects further entries. Entries still
// pending are sent without waiting.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.flushLocked()
	q.stopTimer()
}

func (q *Queue) push(e *entry) {
	q.pending = append(q.pending, e)
	q.index[e.ackID] = e
	q.bytes += e.bytes
}

func (q *Queue) armTimer() {
	q.timerGen++
	gen := q.timerGen
	q.timer = time.AfterFunc(q.opts.MaxDelay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if gen != q.timerGen {
			return
		}
		q.timer = nil
		q.flushLocked()
	})
}

func (q *Queue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerGen++
}

// flushLocked takes the pending batch and sends it in the background. It
// returns nil when nothing was pending. Must be called with mu held.
func (q *Queue) flushLocked() <-chan struct{} {
	q.stopTimer()
	if len(q.pending) == 0 {
		return nil
	}

	batch := q.pending
	q.pending = nil
	q.index = make(map[string]*entry)
	q.bytes = 0
	q.inflight++

	done := make(chan struct{})
	go q.send(batch, done)

	return done
}

func (q *Queue) send(batch []*entry, done chan struct{}) {
	start := time.Now()
	retry, err := q.dispatch(batch)
	q.recorder.RecordQueueFlush(q.kind.String(), len(batch), time.Since(start), err)

	q.mu.Lock()
	if len(retry) > 0 {
		delay := q.retryDelay.NextBackOff()
		q.logger.Debug("requeueing transient failures", zap.Int("count", len(retry)), zap.Duration("delay", delay))
		// the pending retry keeps the queue from draining
		q.inflight++
		time.AfterFunc(delay, func() { q.requeue(retry) })
	} else {
		q.retryDelay.Reset()
	}
	q.inflight--
	flushed := q.flushed
	q.flushed = nil
	drained := q.drainedLocked()
	q.mu.Unlock()

	close(done)
	closeAll(flushed)
	closeAll(drained)
}

func (q *Queue) requeue(retry []*entry) {
	q.mu.Lock()
	for _, e := range retry {
		if existing, ok := q.index[e.ackID]; ok {
			existing.results = append(existing.results, e.results...)
			continue
		}
		q.push(e)
	}
	q.flushLocked()
	q.inflight--
	drained := q.drainedLocked()
	q.mu.Unlock()

	closeAll(drained)
}

func (q *Queue) drainedLocked() []chan struct{} {
	if q.inflight > 0 {
		return nil
	}
	drained := q.drained
	q.drained = nil
	return drained
}

// dispatch sends the batch, settles every entry with a final outcome and
// returns the entries to retry.
func (q *Queue) dispatch(batch []*entry) ([]*entry, error) {
	q.mu.Lock()
	exactlyOnce := q.exactlyOnce
	maxAttempts := q.opts.MaxAttempts
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	var (
		retry   []*entry
		lastErr error
	)
	for _, group := range q.group(batch) {
		ids := make([]string, len(group))
		for i, e := range group {
			ids[i] = e.ackID
		}

		var (
			statuses map[string]pub.AckStatus
			err      error
		)
		switch q.kind {
		case KindModAck:
			statuses, err = q.acker.ModifyAckDeadline(ctx, q.sub, ids, group[0].deadline)
		default:
			statuses, err = q.acker.Acknowledge(ctx, q.sub, ids)
		}
		if err != nil {
			lastErr = err
			q.logger.Error("acknowledgment rpc failed", zap.Int("count", len(ids)), zap.Error(err))
		}

		for _, e := range group {
			e.attempts++
			status := classify(e.ackID, statuses, err, exactlyOnce)
			if status == pub.AckStatusTransient && (maxAttempts <= 0 || e.attempts < maxAttempts) {
				retry = append(retry, e)
				continue
			}

			q.recorder.RecordAckStatus(q.kind.String(), status)
			if status == pub.AckStatusSuccess {
				e.settle(nil)
				continue
			}
			if status == pub.AckStatusTransient {
				status = pub.AckStatusOther
			}
			e.settle(&pub.AckError{Status: status, AckID: e.ackID, Err: err})
		}
	}

	return retry, lastErr
}

// group splits a batch into one request per distinct deadline, keeping order.
func (q *Queue) group(batch []*entry) [][]*entry {
	if q.kind == KindAck {
		return [][]*entry{batch}
	}

	var (
		groups [][]*entry
		slot   = make(map[time.Duration]int)
	)
	for _, e := range batch {
		i, ok := slot[e.deadline]
		if !ok {
			i = len(groups)
			slot[e.deadline] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}

	return groups
}

// classify maps the RPC outcome of one ack id to a status. Per-entry statuses
// are only honoured for exactly-once subscriptions.
func classify(ackID string, statuses map[string]pub.AckStatus, err error, exactlyOnce bool) pub.AckStatus {
	if err != nil {
		if exactlyOnce && pub.IsTransient(err) {
			return pub.AckStatusTransient
		}
		return pub.AckStatusOther
	}
	if !exactlyOnce {
		return pub.AckStatusSuccess
	}
	if status, ok := statuses[ackID]; ok {
		return status
	}
	return pub.AckStatusSuccess
}

func closeAll(chs []chan struct{}) {
	for _, ch := range chs {
		close(ch)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordQueueFlush(string, int, time.Duration, error) {}
func (nopRecorder) RecordAckStatus(string, pub.AckStatus)              {}

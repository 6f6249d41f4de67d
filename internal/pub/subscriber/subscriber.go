// Package subscriber is the client-side delivery engine of a streaming pull
// subscription: it leases received messages under flow control, adapts the
// ack deadline to observed latency and batches acknowledgments.
package subscriber

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pullsub/internal/pub"
	"pullsub/internal/pub/ackqueue"
	"pullsub/internal/pub/histogram"
	"pullsub/internal/pub/lease"
	"pullsub/internal/validator"
)

// Handler processes one message. It runs on its own goroutine; ctx is
// cancelled when the subscriber closes.
type Handler func(ctx context.Context, msg *Message)

// Option customises a Subscriber.
type Option func(*Subscriber)

// WithTelemetry installs lifecycle hooks.
func WithTelemetry(t Telemetry) Option {
	return func(s *Subscriber) { s.telemetry = t }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Subscriber) { s.recorder = r }
}

// Subscriber is closed until Open and after Close; it can be reopened.
type Subscriber struct {
	sub       string
	stream    pub.MessageStream
	acker     pub.Acknowledger
	handler   Handler
	logger    *zap.Logger
	telemetry Telemetry
	recorder  Recorder

	latencies       *histogram.Histogram
	modAckLatencies *histogram.Histogram
	inventory       *lease.Manager[*Message]

	mu          sync.Mutex
	opts        Options
	open        bool
	session     uint64
	receipts    *sync.WaitGroup
	ackDeadline time.Duration
	props       pub.SubscriptionProperties
	acks        *ackqueue.Queue
	modAcks     *ackqueue.Queue
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
}

// New creates a closed Subscriber for the subscription sub.
func New(
	sub string,
	stream pub.MessageStream,
	acker pub.Acknowledger,
	handler Handler,
	opts Options,
	logger *zap.Logger,
	options ...Option,
) (*Subscriber, error) {
	if err := validator.Validate("subscriber", sub, stream, acker, handler, logger); err != nil {
		return nil, fmt.Errorf("failed to validate subscriber deps: %w", err)
	}

	opts = normalize(opts)
	done := make(chan struct{})
	close(done)

	s := &Subscriber{
		sub:             sub,
		stream:          stream,
		acker:           acker,
		handler:         handler,
		logger:          logger.Named("subscriber").With(zap.String("sub", sub)),
		telemetry:       nopTelemetry{},
		recorder:        nopRecorder{},
		latencies:       histogram.New(histogram.DefaultOptions()),
		modAckLatencies: histogram.New(histogram.Options{Max: defaultMaxAckDeadline, Default: defaultAckDeadline}),
		opts:            opts,
		ackDeadline:     opts.AckDeadline,
		done:            done,
	}
	for _, o := range options {
		o(s)
	}
	s.inventory = lease.New[*Message](opts.FlowControl, flowControl{s}, s.logger)

	return s, nil
}

// Open starts delivery. It is a no-op when already open.
func (s *Subscriber) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}

	acks, err := ackqueue.New(ackqueue.KindAck, s.sub, s.acker, s.opts.Batching, s.recorder, s.logger)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create ack queue: %w", err)
	}
	modAcks, err := ackqueue.New(ackqueue.KindModAck, s.sub, s.acker, s.opts.Batching, s.recorder, s.logger)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create modack queue: %w", err)
	}
	acks.SetExactlyOnce(s.props.ExactlyOnceDeliveryEnabled)
	modAcks.SetExactlyOnce(s.props.ExactlyOnceDeliveryEnabled)

	s.inventory.SetOptions(s.opts.FlowControl)
	s.acks, s.modAcks = acks, modAcks
	s.receipts = &sync.WaitGroup{}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.done = make(chan struct{})
	s.err = nil
	s.open = true
	s.session++
	handler := streamHandler{s: s, session: s.session}

	runCtx := s.ctx
	streamOpts := pub.StreamOptions{
		Subscription: s.sub,
		MaxStreams:   s.opts.Streaming.MaxStreams,
		AckDeadline:  s.ackDeadline,
	}
	s.mu.Unlock()

	if err := s.stream.Start(ctx, handler, streamOpts); err != nil {
		s.mu.Lock()
		s.open = false
		s.cancel()
		close(s.done)
		s.mu.Unlock()
		acks.Close()
		modAcks.Close()
		return fmt.Errorf("failed to start message stream: %w", err)
	}

	go s.extendLeases(runCtx)

	s.logger.Info("subscriber opened",
		zap.Int("maxStreams", streamOpts.MaxStreams),
		zap.Duration("ackDeadline", streamOpts.AckDeadline),
	)

	return nil
}

// Close stops the stream, flushes pending acknowledgments and nacks every
// message still leased. It is a no-op when not open.
func (s *Subscriber) Close(ctx context.Context) error {
	return s.close(ctx, 0)
}

// close ends the current session, or only the given one when session is not zero.
func (s *Subscriber) close(ctx context.Context, session uint64) error {
	s.mu.Lock()
	if !s.open || (session != 0 && session != s.session) {
		s.mu.Unlock()
		return nil
	}
	// late stream data is nacked from here on
	s.open = false
	acks, modAcks := s.acks, s.modAcks
	receipts := s.receipts
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.logger.Info("closing subscriber")
	s.stream.Destroy(nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range []*ackqueue.Queue{acks, modAcks} {
		g.Go(func() error { return drain(gctx, q) })
	}
	err := g.Wait()

	if err == nil {
		err = waitGroup(ctx, receipts)
	}

	remaining := s.inventory.Clear()
	for _, m := range remaining {
		if m.Handled() {
			continue
		}
		s.telemetry.Shutdown(m)
		s.recorder.RecordShutdownNack(s.sub)
		m.Nack()
	}
	s.recorder.RecordLeases(s.sub, 0, 0)

	if err == nil {
		err = drain(ctx, modAcks)
	}

	acks.Close()
	modAcks.Close()
	cancel()
	close(done)

	if err != nil {
		s.logger.Warn("subscriber closed before acknowledgments drained", zap.Error(err))
		return fmt.Errorf("failed to drain acknowledgments: %w", err)
	}

	s.logger.Info("subscriber closed", zap.Int("nacked", len(remaining)))

	return nil
}

// SetOptions merges opts into the current options. While open, flow control
// and batching changes take effect immediately.
func (s *Subscriber) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = normalize(merge(s.opts, opts))
	deadlineChanged := opts.AckDeadline > 0 && opts.AckDeadline != s.ackDeadline
	if opts.AckDeadline > 0 {
		s.ackDeadline = opts.AckDeadline
	}
	cur, deadline, open := s.opts, s.ackDeadline, s.open
	acks, modAcks := s.acks, s.modAcks
	s.mu.Unlock()

	if open {
		s.inventory.SetOptions(cur.FlowControl)
		acks.SetOptions(cur.Batching)
		modAcks.SetOptions(cur.Batching)
	}
	if deadlineChanged {
		s.publishDeadline(deadline)
	}
}

// Options returns the effective options.
func (s *Subscriber) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// AckDeadline is the deadline granted to new deliveries and lease extensions.
func (s *Subscriber) AckDeadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackDeadline
}

// ModAckLatency estimates how long a modack takes to reach the broker.
func (s *Subscriber) ModAckLatency() time.Duration {
	s.mu.Lock()
	delay, modAcks := s.opts.Batching.MaxDelay, s.modAcks
	s.mu.Unlock()

	if modAcks != nil {
		delay = modAcks.MaxDelay()
	}

	return s.modAckLatencies.Percentile(99) + delay
}

// IsOpen reports whether the subscriber is delivering.
func (s *Subscriber) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// ExactlyOnce reports whether the last batch announced exactly-once delivery.
func (s *Subscriber) ExactlyOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.ExactlyOnceDeliveryEnabled
}

// Done is closed once the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the stream error that closed the subscriber, if any.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Leased returns the number and cumulative size of leased messages.
func (s *Subscriber) Leased() (messages, bytes int) {
	return s.inventory.Size(), s.inventory.Bytes()
}

// ingest receives a batch of the stream started for session. Batches of any
// other session are nacked.
func (s *Subscriber) ingest(batch pub.Batch, session uint64) {
	if s.current(session) {
		s.setProperties(batch.Properties)
	}

	s.mu.Lock()
	open := s.open && s.session == session
	exactlyOnce := s.props.ExactlyOnceDeliveryEnabled
	deadline := s.ackDeadline
	receipts := s.receipts
	if open && exactlyOnce {
		// counted under mu so Close waits for every receipt it could miss
		receipts.Add(len(batch.Messages))
	}
	s.mu.Unlock()

	s.recorder.RecordReceived(s.sub, len(batch.Messages))
	now := time.Now()

	for _, rm := range batch.Messages {
		m := newMessage(s, rm, now)

		if !open {
			s.logger.Debug("nacking message of a closed session", zap.String("ackId", m.ackID))
			m.Nack()
			continue
		}

		s.telemetry.ReceiptStarted(m)
		receipt := s.modAck(m, deadline)

		if !exactlyOnce {
			s.telemetry.ReceiptEnded(m)
			s.lease(m, session)
			continue
		}

		go s.awaitReceipt(m, receipt, session, receipts)
	}
}

func (s *Subscriber) current(session uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && s.session == session
}

func (s *Subscriber) awaitReceipt(m *Message, receipt *ackqueue.Result, session uint64, receipts *sync.WaitGroup) {
	defer receipts.Done()

	<-receipt.Ready()
	if err := receipt.Err(); err != nil {
		if pub.IsPermanent(err) {
			s.logger.Warn("discarding message with failed receipt", zap.String("ackId", m.ackID), zap.Error(err))
			s.telemetry.Discarded(m, err)
			s.recorder.RecordDiscard(s.sub)
		} else {
			s.logger.Debug("receipt not confirmed", zap.String("ackId", m.ackID), zap.Error(err))
		}
		s.telemetry.ReceiptEnded(m)
		return
	}

	s.telemetry.ReceiptEnded(m)
	s.lease(m, session)
}

// lease adds m to the inventory and dispatches it, or nacks it when session
// is no longer the open one.
func (s *Subscriber) lease(m *Message, session uint64) {
	s.mu.Lock()
	if !s.open || s.session != session {
		s.mu.Unlock()
		m.Nack()
		return
	}
	// holding mu orders the add before a concurrent Close clears the inventory
	added := s.inventory.Add(m)
	ctx := s.ctx
	s.mu.Unlock()

	if !added {
		return
	}

	s.recorder.RecordLeases(s.sub, s.inventory.Size(), s.inventory.Bytes())
	s.logger.Debug("leased message", zap.String("ackId", m.ackID), zap.Int("bytes", m.length))

	go s.handler(ctx, m)
}

func (s *Subscriber) ack(m *Message) *ackqueue.Result {
	s.latencies.Add(time.Since(m.received))

	s.mu.Lock()
	changed := s.updateAckDeadlineLocked()
	deadline, acks := s.ackDeadline, s.acks
	s.mu.Unlock()

	if changed {
		s.publishDeadline(deadline)
	}
	if acks == nil {
		return ackqueue.Resolved(pub.ErrSubscriberClosed)
	}

	res := acks.Add(m.ackID, 0)
	go s.release(m, res)

	return res
}

func (s *Subscriber) nack(m *Message) *ackqueue.Result {
	res := s.modAck(m, 0)
	go s.release(m, res)

	return res
}

func (s *Subscriber) modAck(m *Message, deadline time.Duration) *ackqueue.Result {
	s.mu.Lock()
	modAcks := s.modAcks
	s.mu.Unlock()

	if modAcks == nil {
		return ackqueue.Resolved(pub.ErrSubscriberClosed)
	}

	start := time.Now()
	res := modAcks.Add(m.ackID, deadline)
	go func() {
		<-res.Ready()
		if res.Err() != nil {
			return
		}
		s.modAckLatencies.Add(time.Since(start))
		s.recorder.RecordModAckLatency(s.sub, s.ModAckLatency())
	}()

	return res
}

// release drops the lease of m once the request ending it completed.
func (s *Subscriber) release(m *Message, res *ackqueue.Result) {
	<-res.Ready()
	if s.inventory.Remove(m) {
		s.recorder.RecordLeases(s.sub, s.inventory.Size(), s.inventory.Bytes())
	}
}

func (s *Subscriber) setProperties(props pub.SubscriptionProperties) {
	s.mu.Lock()
	prev := s.props
	s.props = props

	var changed bool
	if prev.ExactlyOnceDeliveryEnabled != props.ExactlyOnceDeliveryEnabled {
		changed = s.updateAckDeadlineLocked()
		if s.acks != nil {
			s.acks.SetExactlyOnce(props.ExactlyOnceDeliveryEnabled)
			s.modAcks.SetExactlyOnce(props.ExactlyOnceDeliveryEnabled)
		}
		s.logger.Info("exactly-once delivery changed", zap.Bool("enabled", props.ExactlyOnceDeliveryEnabled))
	}
	deadline := s.ackDeadline
	s.mu.Unlock()

	if changed {
		s.publishDeadline(deadline)
	}
}

// updateAckDeadlineLocked recomputes the deadline from the p99 ack latency.
// Must be called with mu held.
func (s *Subscriber) updateAckDeadlineLocked() bool {
	lo, hi := s.deadlineBoundsLocked()
	deadline := min(max(s.latencies.Percentile(99), lo), hi)

	changed := deadline != s.ackDeadline
	s.ackDeadline = deadline

	return changed
}

func (s *Subscriber) deadlineBoundsLocked() (lo, hi time.Duration) {
	lo = s.opts.MinAckDeadline
	if lo == 0 {
		lo = defaultMinAckDeadline
		if s.props.ExactlyOnceDeliveryEnabled {
			lo = exactlyOnceMinDeadline
		}
	}

	return lo, s.opts.MaxAckDeadline
}

func (s *Subscriber) publishDeadline(deadline time.Duration) {
	s.logger.Debug("ack deadline changed", zap.Duration("ackDeadline", deadline))
	s.stream.SetStreamAckDeadline(deadline)
	s.recorder.RecordAckDeadline(s.sub, deadline)
}

// extendLeases keeps leased messages from expiring at the broker until they
// are handled or held longer than FlowControl.MaxExtension.
func (s *Subscriber) extendLeases(ctx context.Context) {
	for {
		deadline := s.AckDeadline()
		// extend ahead of the deadline, with jitter so streams do not align
		wait := time.Duration(float64(deadline) * (0.8 + 0.1*rand.Float64()))
		if wait < minExtensionInterval {
			wait = minExtensionInterval
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		extend, expired := s.inventory.Extend(time.Now())
		if len(expired) > 0 {
			s.logger.Warn("lease extension limit reached", zap.Int("count", len(expired)))
			s.recorder.RecordLeaseExpired(s.sub, len(expired))
		}

		deadline = s.AckDeadline()
		for _, m := range extend {
			if m.Handled() {
				continue
			}
			s.modAck(m, deadline)
		}
	}
}

// drain sends what is pending and waits until no RPC of q is in flight.
func drain(ctx context.Context, q *ackqueue.Queue) error {
	if q.NumPending() > 0 {
		flushed := q.OnFlush()
		if err := q.Flush(ctx); err != nil {
			return err
		}
		// a timer flush may have taken the batch and completed first
		select {
		case <-flushed:
		case <-q.OnDrain():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if q.NumInFlight() == 0 {
		return nil
	}

	select {
	case <-q.OnDrain():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// streamHandler binds stream events to the session that started the stream.
type streamHandler struct {
	s       *Subscriber
	session uint64
}

func (h streamHandler) OnData(batch pub.Batch) {
	h.s.ingest(batch, h.session)
}

func (h streamHandler) OnError(err error) {
	h.s.mu.Lock()
	if h.s.session == h.session && h.s.err == nil {
		h.s.err = err
	}
	h.s.mu.Unlock()

	h.s.logger.Error("message stream failed", zap.Error(err))
}

func (h streamHandler) OnClose() {
	go func() {
		if err := h.s.close(context.Background(), h.session); err != nil {
			h.s.logger.Error("failed to close subscriber", zap.Error(err))
		}
	}()
}

// flowControl pauses the stream while the inventory is full.
type flowControl struct {
	s *Subscriber
}

func (f flowControl) Full() {
	f.s.logger.Info("flow control limit reached, pausing stream")
	f.s.stream.Pause()
	f.s.recorder.RecordFlowControl(f.s.sub, true)
}

func (f flowControl) Free() {
	f.s.logger.Info("flow control released, resuming stream")
	f.s.stream.Resume()
	f.s.recorder.RecordFlowControl(f.s.sub, false)
}

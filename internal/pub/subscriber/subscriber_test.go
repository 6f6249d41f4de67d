package subscriber

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pullsub/internal/pub"
	"pullsub/internal/pub/lease"
	"pullsub/internal/pub/pubtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingTelemetry struct {
	mu        sync.Mutex
	started   []string
	ended     []string
	discarded []string
	shutdown  []string
}

func (r *recordingTelemetry) ReceiptStarted(m *Message) { r.append(&r.started, m.AckID()) }
func (r *recordingTelemetry) ReceiptEnded(m *Message)   { r.append(&r.ended, m.AckID()) }
func (r *recordingTelemetry) Discarded(m *Message, _ error) {
	r.append(&r.discarded, m.AckID())
}
func (r *recordingTelemetry) Shutdown(m *Message) { r.append(&r.shutdown, m.AckID()) }

func (r *recordingTelemetry) append(to *[]string, id string) {
	r.mu.Lock()
	*to = append(*to, id)
	r.mu.Unlock()
}

func (r *recordingTelemetry) get(from *[]string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(*from)
}

type harness struct {
	sub       *Subscriber
	stream    *pubtest.Stream
	acker     *pubtest.Acknowledger
	telemetry *recordingTelemetry
	delivered chan *Message
}

// newHarness opens a subscriber whose handler only collects messages.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		stream:    pubtest.NewStream(),
		acker:     pubtest.NewAcknowledger(),
		telemetry: &recordingTelemetry{},
		delivered: make(chan *Message, 100),
	}
	handler := func(_ context.Context, m *Message) { h.delivered <- m }

	s, err := New("sub", h.stream, h.acker, handler, opts, zaptest.NewLogger(t), WithTelemetry(h.telemetry))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	h.sub = s
	return h
}

func fastOptions() Options {
	o := DefaultOptions()
	o.Batching.MaxDelay = tick
	return o
}

func manualOptions() Options {
	o := DefaultOptions()
	o.Batching.MaxDelay = time.Hour
	return o
}

func batch(exactlyOnce bool, ids ...string) pub.Batch {
	b := pub.Batch{Properties: pub.SubscriptionProperties{ExactlyOnceDeliveryEnabled: exactlyOnce}}
	for _, id := range ids {
		b.Messages = append(b.Messages, pub.ReceivedMessage{
			AckID:           pub.AckID(id, 1),
			Message:         pub.Message{ID: id, Data: []byte("payload-" + id), PublishTime: time.Now()},
			DeliveryAttempt: 1,
		})
	}
	return b
}

func (h *harness) next(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-h.delivered:
		return m
	case <-time.After(waitFor):
		require.FailNow(t, "no message delivered")
		return nil
	}
}

func (h *harness) leased() int {
	n, _ := h.sub.Leased()
	return n
}

func modAcksWithDeadline(acker *pubtest.Acknowledger, deadline time.Duration) []string {
	var ids []string
	for _, c := range acker.CallsOf("modack") {
		if c.Deadline == deadline {
			ids = append(ids, c.AckIDs...)
		}
	}
	return ids
}

func TestNewValidatesDeps(t *testing.T) {
	handler := func(context.Context, *Message) {}

	_, err := New("", pubtest.NewStream(), pubtest.NewAcknowledger(), handler, Options{}, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = New("sub", nil, pubtest.NewAcknowledger(), handler, Options{}, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = New("sub", pubtest.NewStream(), pubtest.NewAcknowledger(), nil, Options{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	require.NoError(t, h.sub.Open(context.Background()))
	assert.Equal(t, 1, h.stream.Starts())
	assert.True(t, h.sub.IsOpen())

	opts := h.stream.Options()
	assert.Equal(t, "sub", opts.Subscription)
	assert.Equal(t, 5, opts.MaxStreams)
	assert.Equal(t, 10*time.Second, opts.AckDeadline)
}

func TestOpenFailsWhenStreamDoesNotStart(t *testing.T) {
	stream := pubtest.NewStream()
	stream.FailStart(errors.New("connection refused"))

	s, err := New("sub", stream, pubtest.NewAcknowledger(), func(context.Context, *Message) {}, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.Error(t, s.Open(context.Background()))
	assert.False(t, s.IsOpen())
	assert.Zero(t, stream.Starts())

	select {
	case <-s.Done():
	default:
		assert.Fail(t, "done must be closed while not open")
	}
}

func TestIngestBestEffortLeasesAfterReceipt(t *testing.T) {
	h := newHarness(t, fastOptions())

	h.stream.Deliver(batch(false, "m1"))

	m := h.next(t)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "m1#1", m.AckID())
	assert.Equal(t, []byte("payload-m1"), m.Data)
	assert.Equal(t, 1, m.DeliveryAttempt)
	assert.Equal(t, 1, h.leased())

	require.Eventually(t, func() bool { return len(h.acker.CallsOf("modack")) == 1 }, waitFor, tick)
	calls := h.acker.CallsOf("modack")
	assert.Equal(t, []string{"m1#1"}, calls[0].AckIDs)
	assert.Equal(t, 10*time.Second, calls[0].Deadline)

	assert.Equal(t, []string{"m1#1"}, h.telemetry.get(&h.telemetry.started))
	assert.Equal(t, []string{"m1#1"}, h.telemetry.get(&h.telemetry.ended))
}

func TestIngestExactlyOnceLeasesOnSuccessfulReceipt(t *testing.T) {
	h := newHarness(t, fastOptions())

	h.stream.Deliver(batch(true, "m1"))

	m := h.next(t)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, 1, h.leased())
	assert.True(t, h.sub.ExactlyOnce())
	assert.Equal(t, []string{"m1#1"}, h.telemetry.get(&h.telemetry.ended))
	assert.Empty(t, h.telemetry.get(&h.telemetry.discarded))

	calls := h.acker.CallsOf("modack")
	require.Len(t, calls, 1)
	assert.Equal(t, 60*time.Second, calls[0].Deadline, "exactly-once raises the deadline floor before the receipt")
}

func TestIngestExactlyOnceDiscardsOnPermanentFailure(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.acker.SetStatus("bad#1", pub.AckStatusInvalid)

	h.stream.Deliver(batch(true, "bad", "good"))

	m := h.next(t)
	assert.Equal(t, "good", m.ID)

	require.Eventually(t, func() bool {
		return len(h.telemetry.get(&h.telemetry.discarded)) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"bad#1"}, h.telemetry.get(&h.telemetry.discarded))
	assert.Equal(t, 1, h.leased())

	select {
	case m := <-h.delivered:
		assert.Failf(t, "discarded message delivered", "got %s", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAckRemovesLeaseOnlyAfterFlush(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.stream.Deliver(batch(false, "m1"))
	m := h.next(t)
	require.Eventually(t, func() bool { return len(h.acker.CallsOf("modack")) == 1 }, waitFor, tick)

	release := h.acker.Hold()
	m.Ack()
	assert.True(t, m.Handled())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.leased(), "lease is held while the ack is in flight")

	release()
	require.Eventually(t, func() bool { return h.leased() == 0 }, waitFor, tick)
	assert.Equal(t, []string{"m1#1"}, h.acker.AckIDs("ack"))
}

func TestAckClampsDeadlineToMax(t *testing.T) {
	opts := fastOptions()
	opts.MaxAckDeadline = 60 * time.Second
	h := newHarness(t, opts)

	h.stream.Deliver(batch(false, "m1"))
	m := h.next(t)
	m.received = time.Now().Add(-598 * time.Second)

	m.Ack()

	assert.Equal(t, 60*time.Second, h.sub.AckDeadline())
	deadlines := h.stream.Deadlines()
	assert.Equal(t, 60*time.Second, deadlines[len(deadlines)-1])
}

func TestAckTracksP99Latency(t *testing.T) {
	h := newHarness(t, fastOptions())

	h.stream.Deliver(batch(false, "m1"))
	m := h.next(t)
	m.received = time.Now().Add(-42 * time.Second)

	m.Ack()

	assert.Equal(t, 43*time.Second, h.sub.AckDeadline())
}

func TestExactlyOnceDeadlineFloor(t *testing.T) {
	t.Run("implicit minimum is 60s", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		h.stream.Deliver(batch(true, "m1"))
		m := h.next(t)

		m.Ack()

		assert.Equal(t, 60*time.Second, h.sub.AckDeadline())
	})

	t.Run("explicit minimum wins", func(t *testing.T) {
		opts := fastOptions()
		opts.MinAckDeadline = 20 * time.Second
		h := newHarness(t, opts)
		h.stream.Deliver(batch(true, "m1"))
		m := h.next(t)

		m.Ack()

		assert.Equal(t, 20*time.Second, h.sub.AckDeadline())
	})

	t.Run("disabling restores the default floor", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		h.stream.Deliver(batch(true, "m1"))
		h.next(t)
		require.Equal(t, 60*time.Second, h.sub.AckDeadline())

		h.stream.Deliver(batch(false, "m2"))
		h.next(t)

		assert.Equal(t, 10*time.Second, h.sub.AckDeadline())
	})
}

func TestNackSendsZeroDeadlineAndReleasesLease(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.stream.Deliver(batch(false, "m1"))
	m := h.next(t)

	m.Nack()

	require.Eventually(t, func() bool { return h.leased() == 0 }, waitFor, tick)
	assert.Equal(t, []string{"m1#1"}, modAcksWithDeadline(h.acker, 0))
	assert.Empty(t, h.acker.AckIDs("ack"))
}

func TestModAckKeepsLease(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.stream.Deliver(batch(false, "m1"))
	m := h.next(t)

	require.NoError(t, m.ModAckWithResponse(context.Background(), 30*time.Second))

	assert.Equal(t, []string{"m1#1"}, modAcksWithDeadline(h.acker, 30*time.Second))
	assert.Equal(t, 1, h.leased())
	assert.False(t, m.Handled())
}

func TestCloseFlushesPendingAndNacksLeased(t *testing.T) {
	h := newHarness(t, manualOptions())
	h.stream.Deliver(batch(false, "acked", "leased"))

	byID := map[string]*Message{}
	for range 2 {
		m := h.next(t)
		byID[m.ID] = m
	}
	byID["acked"].Ack()
	assert.Empty(t, h.acker.Calls(), "nothing is sent before the batching delay")
	assert.Equal(t, 1, h.sub.acks.NumPending())

	require.NoError(t, h.sub.Close(context.Background()))

	assert.False(t, h.sub.IsOpen())
	assert.Equal(t, 1, h.stream.Destroys())
	assert.Equal(t, []string{"acked#1"}, h.acker.AckIDs("ack"))
	assert.Len(t, h.acker.CallsOf("ack"), 1)
	assert.Equal(t, []string{"leased#1"}, modAcksWithDeadline(h.acker, 0))
	assert.Equal(t, []string{"leased#1"}, h.telemetry.get(&h.telemetry.shutdown))
	assert.Zero(t, h.leased())

	select {
	case <-h.sub.Done():
	default:
		assert.Fail(t, "done must be closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, fastOptions())

	require.NoError(t, h.sub.Close(context.Background()))
	require.NoError(t, h.sub.Close(context.Background()))
	assert.Equal(t, 1, h.stream.Destroys())
}

func TestBatchAfterCloseIsNacked(t *testing.T) {
	h := newHarness(t, manualOptions())
	h.stream.Deliver(batch(false, "m1"))
	h.next(t)

	handler := h.stream.Handler()
	release := h.acker.Hold()

	closed := make(chan error, 1)
	go func() { closed <- h.sub.Close(context.Background()) }()
	require.Eventually(t, func() bool { return !h.sub.IsOpen() }, waitFor, tick)

	handler.OnData(batch(false, "late"))
	release()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "close did not complete")
	}

	assert.ElementsMatch(t, []string{"m1#1", "late#1"}, modAcksWithDeadline(h.acker, 0))
	assert.Equal(t, []string{"m1#1"}, h.telemetry.get(&h.telemetry.started))
	assert.Empty(t, h.delivered)
}

func TestFlowControlPausesAndResumesStream(t *testing.T) {
	opts := fastOptions()
	opts.FlowControl.MaxMessages = 2
	h := newHarness(t, opts)

	h.stream.Deliver(batch(false, "m1", "m2"))
	m1, _ := h.next(t), h.next(t)

	assert.True(t, h.stream.Paused())
	assert.Equal(t, 1, h.stream.Pauses())

	m1.Ack()

	require.Eventually(t, func() bool { return !h.stream.Paused() }, waitFor, tick)
	assert.Equal(t, 1, h.stream.Resumes())
}

func TestSetOptionsClampsMaxStreams(t *testing.T) {
	h := newHarness(t, fastOptions())

	h.sub.SetOptions(Options{
		FlowControl: lease.Options{MaxMessages: 2},
		Streaming:   StreamingOptions{MaxStreams: 10},
	})

	got := h.sub.Options()
	assert.Equal(t, 2, got.FlowControl.MaxMessages)
	assert.Equal(t, 2, got.Streaming.MaxStreams)
	assert.Equal(t, 10*time.Second, got.AckDeadline, "unset fields are kept")
}

func TestSetOptionsAppliesFlowControlWhileOpen(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.stream.Deliver(batch(false, "m1", "m2"))
	h.next(t)
	h.next(t)
	require.False(t, h.stream.Paused())

	h.sub.SetOptions(Options{FlowControl: lease.Options{MaxMessages: 2}})

	assert.True(t, h.stream.Paused())
}

func TestNewClampsMaxStreams(t *testing.T) {
	opts := DefaultOptions()
	opts.FlowControl.MaxMessages = 3
	opts.Streaming.MaxStreams = 10
	h := newHarness(t, opts)

	assert.Equal(t, 3, h.stream.Options().MaxStreams)
}

func TestStreamErrorClosesSubscriber(t *testing.T) {
	h := newHarness(t, fastOptions())
	boom := errors.New("stream reset")

	h.stream.Destroy(boom)

	select {
	case <-h.sub.Done():
	case <-time.After(waitFor):
		require.FailNow(t, "subscriber did not close")
	}
	assert.False(t, h.sub.IsOpen())
	assert.ErrorIs(t, h.sub.Err(), boom)
}

func TestReopenAfterClose(t *testing.T) {
	h := newHarness(t, fastOptions())
	require.NoError(t, h.sub.Close(context.Background()))

	require.NoError(t, h.sub.Open(context.Background()))

	assert.True(t, h.sub.IsOpen())
	assert.Equal(t, 2, h.stream.Starts())
	h.stream.Deliver(batch(false, "m1"))
	assert.Equal(t, "m1", h.next(t).ID)
}

func TestModAckLatencyTracksReceipts(t *testing.T) {
	h := newHarness(t, fastOptions())
	assert.Equal(t, 10*time.Second+tick, h.sub.ModAckLatency(), "no samples yet")

	h.stream.Deliver(batch(false, "m1"))
	h.next(t)

	require.Eventually(t, func() bool { return h.sub.ModAckLatency() == time.Second+tick }, waitFor, tick)
}

func TestManyMessagesEachReceiveOneReceipt(t *testing.T) {
	h := newHarness(t, fastOptions())

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	h.stream.Deliver(batch(false, ids...))

	for range ids {
		h.next(t)
	}
	assert.Equal(t, len(ids), h.leased())

	require.Eventually(t, func() bool { return len(h.acker.AckIDs("modack")) == len(ids) }, waitFor, tick)
	assert.Len(t, h.telemetry.get(&h.telemetry.started), len(ids))
}

func TestCloseWaitsForInFlightAcks(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.stream.Deliver(batch(false, "m1"))
	m := h.next(t)
	require.Eventually(t, func() bool { return len(h.acker.CallsOf("modack")) == 1 }, waitFor, tick)

	release := h.acker.Hold()
	m.Ack()
	require.Eventually(t, func() bool { return h.sub.acks.NumInFlight() == 1 }, waitFor, tick)
	assert.Zero(t, h.sub.acks.NumPending())

	closed := make(chan error, 1)
	go func() { closed <- h.sub.Close(context.Background()) }()

	select {
	case <-closed:
		require.FailNow(t, "close returned while an ack was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		require.FailNow(t, "close did not complete")
	}
	assert.Equal(t, []string{"m1#1"}, h.acker.AckIDs("ack"))
	assert.Zero(t, h.leased())
}

func TestBatchFromPreviousSessionIsNacked(t *testing.T) {
	h := newHarness(t, fastOptions())
	stale := h.stream.Handler()
	require.NoError(t, h.sub.Close(context.Background()))
	require.NoError(t, h.sub.Open(context.Background()))

	stale.OnData(batch(true, "stale"))

	require.Eventually(t, func() bool {
		return slices.Contains(modAcksWithDeadline(h.acker, 0), "stale#1")
	}, waitFor, tick)
	assert.Zero(t, h.leased())
	assert.Empty(t, h.telemetry.get(&h.telemetry.started))
	assert.False(t, h.sub.ExactlyOnce(), "stale batches do not change subscription properties")
	assert.Empty(t, h.delivered)
}

func TestReopenAfterCloseTimeout(t *testing.T) {
	h := newHarness(t, fastOptions())
	release := h.acker.Hold()
	h.stream.Deliver(batch(true, "m1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, h.sub.Close(ctx), "the receipt is still in flight")

	release()
	require.NoError(t, h.sub.Open(context.Background()))
	h.stream.Deliver(batch(true, "m2"))

	assert.Equal(t, "m2", h.next(t).ID, "the receipt of the closed session does not lease m1")
	require.NoError(t, h.sub.Close(context.Background()))
	assert.Empty(t, h.delivered)
}

// ackGate holds ack requests until released. Modacks pass through.
type ackGate struct {
	*pubtest.Acknowledger
	open chan struct{}
	once sync.Once
}

func newAckGate() *ackGate {
	return &ackGate{Acknowledger: pubtest.NewAcknowledger(), open: make(chan struct{})}
}

func (g *ackGate) Acknowledge(ctx context.Context, sub string, ackIDs []string) (map[string]pub.AckStatus, error) {
	select {
	case <-g.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Acknowledger.Acknowledge(ctx, sub, ackIDs)
}

func (g *ackGate) release() {
	g.once.Do(func() { close(g.open) })
}

type expiryRecorder struct {
	nopRecorder
	expired atomic.Int64
}

func (r *expiryRecorder) RecordLeaseExpired(_ string, count int) {
	r.expired.Add(int64(count))
}

const extensionDeadline = 200 * time.Millisecond

// extensionOptions pins the ack deadline so extensions happen every 160-180ms.
func extensionOptions() Options {
	o := fastOptions()
	o.AckDeadline = extensionDeadline
	o.MinAckDeadline = extensionDeadline / 2
	o.MaxAckDeadline = extensionDeadline
	return o
}

func occurrences(ids []string, id string) int {
	var n int
	for _, got := range ids {
		if got == id {
			n++
		}
	}
	return n
}

func receive(t *testing.T, delivered <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-delivered:
		return m
	case <-time.After(waitFor):
		require.FailNow(t, "no message delivered")
		return nil
	}
}

func TestLeaseExtensionModAcksUnhandledMessages(t *testing.T) {
	acker := newAckGate()
	stream := pubtest.NewStream()
	delivered := make(chan *Message, 10)
	handler := func(_ context.Context, m *Message) { delivered <- m }

	s, err := New("sub", stream, acker, handler, extensionOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() {
		acker.release()
		_ = s.Close(context.Background())
	})

	stream.Deliver(batch(false, "pending", "acked"))
	byID := map[string]*Message{}
	for range 2 {
		m := receive(t, delivered)
		byID[m.ID] = m
	}
	byID["acked"].Ack()

	require.Eventually(t, func() bool {
		return occurrences(modAcksWithDeadline(acker.Acknowledger, extensionDeadline), "pending#1") >= 3
	}, waitFor, tick, "one receipt and at least two extensions")

	assert.Equal(t, 1, occurrences(modAcksWithDeadline(acker.Acknowledger, extensionDeadline), "acked#1"),
		"an acked message is not extended while its ack is in flight")
	leased, _ := s.Leased()
	assert.Equal(t, 2, leased)
	assert.Equal(t, extensionDeadline, s.AckDeadline())

	acker.release()
	require.NoError(t, s.Close(context.Background()))
	sent := len(modAcksWithDeadline(acker.Acknowledger, extensionDeadline))

	time.Sleep(3 * extensionDeadline)
	assert.Len(t, modAcksWithDeadline(acker.Acknowledger, extensionDeadline), sent, "no extensions after close")
}

func TestLeaseExtensionDropsLeasesPastMaxExtension(t *testing.T) {
	opts := extensionOptions()
	opts.FlowControl.MaxExtension = 50 * time.Millisecond
	recorder := &expiryRecorder{}
	acker := pubtest.NewAcknowledger()
	stream := pubtest.NewStream()
	delivered := make(chan *Message, 10)
	handler := func(_ context.Context, m *Message) { delivered <- m }

	s, err := New("sub", stream, acker, handler, opts, zaptest.NewLogger(t), WithRecorder(recorder))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	stream.Deliver(batch(false, "m1"))
	m := receive(t, delivered)

	require.Eventually(t, func() bool {
		n, _ := s.Leased()
		return n == 0
	}, waitFor, tick)
	assert.Equal(t, int64(1), recorder.expired.Load())
	assert.False(t, m.Handled())

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []string{"m1#1"}, acker.AckIDs("modack"), "only the receipt: no extension and no shutdown nack")
}

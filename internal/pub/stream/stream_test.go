package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pullsub/internal/pub"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type puller struct {
	mu       sync.Mutex
	requests []pub.PullRequest
	results  []pullResult
}

type pullResult struct {
	msgs []pub.ReceivedMessage
	err  error
}

// script queues outcomes for the next pulls; once drained pulls return nothing.
func (p *puller) script(results ...pullResult) {
	p.mu.Lock()
	p.results = append(p.results, results...)
	p.mu.Unlock()
}

func (p *puller) Pull(_ context.Context, req pub.PullRequest) ([]pub.ReceivedMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.results) == 0 {
		return nil, nil
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r.msgs, r.err
}

func (p *puller) pulls() []pub.PullRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pub.PullRequest(nil), p.requests...)
}

type handler struct {
	mu      sync.Mutex
	batches []pub.Batch
	errs    []error
	closed  chan struct{}
}

func newHandler() *handler {
	return &handler{closed: make(chan struct{})}
}

func (h *handler) OnData(b pub.Batch) {
	h.mu.Lock()
	h.batches = append(h.batches, b)
	h.mu.Unlock()
}

func (h *handler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *handler) OnClose() { close(h.closed) }

func (h *handler) received() []pub.Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pub.Batch(nil), h.batches...)
}

func (h *handler) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *handler) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(waitFor):
		require.FailNow(t, "stream did not close")
	}
}

func delivery(id string) pub.ReceivedMessage {
	return pub.ReceivedMessage{AckID: pub.AckID(id, 1), Message: pub.Message{ID: id}, DeliveryAttempt: 1}
}

func newStream(t *testing.T, p Puller) *Stream {
	t.Helper()
	opts := DefaultOptions()
	opts.Topic = "orders"
	opts.Shard = 2
	opts.PollInterval = tick
	opts.RetryWindow = time.Second
	opts.Properties.ExactlyOnceDeliveryEnabled = true

	s, err := New(p, opts, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func start(t *testing.T, s *Stream, h pub.StreamHandler, streams int) {
	t.Helper()
	require.NoError(t, s.Start(context.Background(), h, pub.StreamOptions{
		Subscription: "sub",
		MaxStreams:   streams,
		AckDeadline:  10 * time.Second,
	}))
	t.Cleanup(func() { s.Destroy(nil) })
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(nil, DefaultOptions(), nil, zaptest.NewLogger(t))
	require.Error(t, err)

	_, err = New(&puller{}, DefaultOptions(), nil, zaptest.NewLogger(t))
	require.Error(t, err, "topic is required")
}

func TestStreamDeliversBatchesWithProperties(t *testing.T) {
	p := &puller{}
	p.script(pullResult{msgs: []pub.ReceivedMessage{delivery("a"), delivery("b")}})
	s := newStream(t, p)
	h := newHandler()

	start(t, s, h, 1)

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, waitFor, tick)
	b := h.received()[0]
	assert.True(t, b.Properties.ExactlyOnceDeliveryEnabled)
	require.Len(t, b.Messages, 2)
	assert.Equal(t, "a#1", b.Messages[0].AckID)

	req := p.pulls()[0]
	assert.Equal(t, "orders", req.Topic)
	assert.Equal(t, "sub", req.Sub)
	assert.Equal(t, 2, req.Shard)
	assert.Equal(t, 100, req.Max)
	assert.Equal(t, 10*time.Second, req.AckDeadline)
}

func TestSetStreamAckDeadlineAppliesToNextPull(t *testing.T) {
	p := &puller{}
	s := newStream(t, p)
	start(t, s, newHandler(), 1)

	s.SetStreamAckDeadline(42 * time.Second)

	require.Eventually(t, func() bool {
		pulls := p.pulls()
		return len(pulls) > 0 && pulls[len(pulls)-1].AckDeadline == 42*time.Second
	}, waitFor, tick)
}

func TestPauseStopsPulling(t *testing.T) {
	p := &puller{}
	s := newStream(t, p)
	start(t, s, newHandler(), 1)
	require.Eventually(t, func() bool { return len(p.pulls()) > 0 }, waitFor, tick)

	s.Pause()
	s.Pause()
	time.Sleep(4 * tick)
	paused := len(p.pulls())
	time.Sleep(10 * tick)
	assert.LessOrEqual(t, len(p.pulls()), paused+1, "at most one pull already in progress")

	s.Resume()
	require.Eventually(t, func() bool { return len(p.pulls()) > paused+1 }, waitFor, tick)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	p := &puller{}
	p.script(
		pullResult{err: pub.Transient(errors.New("timeout"))},
		pullResult{err: pub.Transient(errors.New("timeout"))},
		pullResult{msgs: []pub.ReceivedMessage{delivery("a")}},
	)
	s := newStream(t, p)
	h := newHandler()

	start(t, s, h, 1)

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, waitFor, tick)
	assert.Empty(t, h.errors())
}

func TestPermanentErrorClosesStream(t *testing.T) {
	p := &puller{}
	boom := errors.New("permission denied")
	p.script(pullResult{err: boom})
	s := newStream(t, p)
	h := newHandler()

	start(t, s, h, 1)

	h.waitClosed(t)
	require.Len(t, h.errors(), 1)
	assert.ErrorIs(t, h.errors()[0], boom)
	<-s.Done()
}

func TestDestroyClosesWithoutError(t *testing.T) {
	s := newStream(t, &puller{})
	h := newHandler()
	start(t, s, h, 3)

	s.Destroy(nil)

	h.waitClosed(t)
	assert.Empty(t, h.errors())
}

func TestDestroyReportsError(t *testing.T) {
	s := newStream(t, &puller{})
	h := newHandler()
	start(t, s, h, 1)
	reason := errors.New("shutting down")

	s.Destroy(reason)

	h.waitClosed(t)
	assert.Equal(t, []error{reason}, h.errors())
}

func TestStartTwiceFails(t *testing.T) {
	s := newStream(t, &puller{})
	start(t, s, newHandler(), 1)

	err := s.Start(context.Background(), newHandler(), pub.StreamOptions{Subscription: "sub"})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestRestartAfterDestroy(t *testing.T) {
	p := &puller{}
	s := newStream(t, p)
	first := newHandler()
	start(t, s, first, 1)
	s.Destroy(nil)
	first.waitClosed(t)

	p.script(pullResult{msgs: []pub.ReceivedMessage{delivery("a")}})
	second := newHandler()
	start(t, s, second, 1)

	require.Eventually(t, func() bool { return len(second.received()) == 1 }, waitFor, tick)
	assert.Empty(t, first.received())
}

func TestMultipleStreamsPullConcurrently(t *testing.T) {
	p := &puller{}
	s := newStream(t, p)

	start(t, s, newHandler(), 4)

	require.Eventually(t, func() bool { return len(p.pulls()) >= 4 }, waitFor, tick)
}

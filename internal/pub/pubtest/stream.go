package pubtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"pullsub/internal/pub"
)

// Stream is a MessageStream driven by the test: batches are delivered
// synchronously with Deliver.
type Stream struct {
	mu        sync.Mutex
	handler   pub.StreamHandler
	opts      pub.StreamOptions
	startErr  error
	starts    int
	destroys  int
	pauses    int
	resumes   int
	paused    bool
	deadlines []time.Duration
}

func NewStream() *Stream {
	return &Stream{}
}

// FailStart makes the next Start return err.
func (s *Stream) FailStart(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

func (s *Stream) Start(_ context.Context, handler pub.StreamHandler, opts pub.StreamOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startErr; err != nil {
		s.startErr = nil
		return err
	}
	s.handler = handler
	s.opts = opts
	s.starts++
	s.deadlines = append(s.deadlines, opts.AckDeadline)

	return nil
}

func (s *Stream) SetStreamAckDeadline(deadline time.Duration) {
	s.mu.Lock()
	s.deadlines = append(s.deadlines, deadline)
	s.mu.Unlock()
}

func (s *Stream) Pause() {
	s.mu.Lock()
	s.pauses++
	s.paused = true
	s.mu.Unlock()
}

func (s *Stream) Resume() {
	s.mu.Lock()
	s.resumes++
	s.paused = false
	s.mu.Unlock()
}

func (s *Stream) Destroy(err error) {
	s.mu.Lock()
	s.destroys++
	h := s.handler
	s.handler = nil
	s.mu.Unlock()

	if h == nil {
		return
	}
	if err != nil {
		h.OnError(err)
	}
	h.OnClose()
}

// Deliver hands batch to the handler of the last Start, even after Destroy.
func (s *Stream) Deliver(batch pub.Batch) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h.OnData(batch)
	}
}

// Handler returns the handler of the last Start, or nil once destroyed.
func (s *Stream) Handler() pub.StreamHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Stream) Options() pub.StreamOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func (s *Stream) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Stream) Destroys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroys
}

func (s *Stream) Pauses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauses
}

func (s *Stream) Resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Deadlines returns every ack deadline the stream was given, starting with the one passed to Start.
func (s *Stream) Deadlines() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.deadlines)
}

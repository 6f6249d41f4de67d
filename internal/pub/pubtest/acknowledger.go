// Package pubtest provides in-memory implementations of the pub contracts for tests.
package pubtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"pullsub/internal/pub"
)

// Call is one recorded acknowledgment RPC.
type Call struct {
	Kind     string
	Sub      string
	AckIDs   []string
	Deadline time.Duration
}

// Acknowledger records every request and answers with scripted outcomes.
type Acknowledger struct {
	mu       sync.Mutex
	calls    []Call
	statuses map[string][]pub.AckStatus
	errs     []error
	gate     chan struct{}
}

func NewAcknowledger() *Acknowledger {
	return &Acknowledger{statuses: make(map[string][]pub.AckStatus)}
}

// SetStatus scripts the outcomes of ackID, one per request carrying it. The
// last outcome repeats.
func (a *Acknowledger) SetStatus(ackID string, statuses ...pub.AckStatus) {
	a.mu.Lock()
	a.statuses[ackID] = statuses
	a.mu.Unlock()
}

// FailNext makes the next len(errs) requests fail as a whole.
func (a *Acknowledger) FailNext(errs ...error) {
	a.mu.Lock()
	a.errs = append(a.errs, errs...)
	a.mu.Unlock()
}

// Hold blocks requests until the returned function is called.
func (a *Acknowledger) Hold() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.gate = nil
			a.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the recorded requests.
func (a *Acknowledger) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

// CallsOf returns the recorded requests of one kind ("ack" or "modack").
func (a *Acknowledger) CallsOf(kind string) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// AckIDs returns every ack id sent with kind requests, in order.
func (a *Acknowledger) AckIDs(kind string) []string {
	var out []string
	for _, c := range a.CallsOf(kind) {
		out = append(out, c.AckIDs...)
	}
	return out
}

func (a *Acknowledger) Acknowledge(ctx context.Context, sub string, ackIDs []string) (map[string]pub.AckStatus, error) {
	return a.handle(ctx, Call{Kind: "ack", Sub: sub, AckIDs: slices.Clone(ackIDs)})
}

func (a *Acknowledger) ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, deadline time.Duration) (map[string]pub.AckStatus, error) {
	return a.handle(ctx, Call{Kind: "modack", Sub: sub, AckIDs: slices.Clone(ackIDs), Deadline: deadline})
}

func (a *Acknowledger) handle(ctx context.Context, call Call) (map[string]pub.AckStatus, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, call)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return nil, err
	}

	out := make(map[string]pub.AckStatus)
	for _, id := range call.AckIDs {
		scripted := a.statuses[id]
		if len(scripted) == 0 {
			continue
		}
		out[id] = scripted[0]
		if len(scripted) > 1 {
			a.statuses[id] = scripted[1:]
		}
	}

	return out, nil
}

package ackqueue

import "context"

// Result is the deferred outcome of one queued acknowledgment. It settles
// once, after the RPC carrying the entry completes.
type Result struct {
	done chan struct{}
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Resolved returns a Result that has already settled with err.
func Resolved(err error) *Result {
	r := newResult()
	r.resolve(err)
	return r
}

func (r *Result) resolve(err error) {
	r.err = err
	close(r.done)
}

// Ready is closed once the Result has settled.
func (r *Result) Ready() <-chan struct{} {
	return r.done
}

// Err returns the settled outcome; nil until Ready is closed.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the Result settles or ctx is done.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package pub

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSubscriberClosed is returned for work handed to a subscriber that is not open.
var ErrSubscriberClosed = errors.New("subscriber is closed")

// AckStatus is the broker's per-ack-id outcome of an acknowledgment RPC.
type AckStatus int

const (
	AckStatusSuccess AckStatus = iota
	AckStatusInvalid
	AckStatusPermissionDenied
	AckStatusFailedPrecondition
	AckStatusOther
	// AckStatusTransient is retried by the client and never surfaced to callers.
	AckStatusTransient
)

func (s AckStatus) String() string {
	switch s {
	case AckStatusSuccess:
		return "success"
	case AckStatusInvalid:
		return "invalid"
	case AckStatusPermissionDenied:
		return "permission_denied"
	case AckStatusFailedPrecondition:
		return "failed_precondition"
	case AckStatusOther:
		return "other"
	case AckStatusTransient:
		return "transient"
	default:
		return fmt.Sprintf("AckStatus(%d)", int(s))
	}
}

// Permanent reports whether the status is a final failure.
func (s AckStatus) Permanent() bool {
	return s != AckStatusSuccess && s != AckStatusTransient
}

// AckError is the permanent failure of a single acknowledgment.
type AckError struct {
	Status AckStatus
	AckID  string
	Err    error
}

func (e *AckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ack %s failed (%s): %v", e.AckID, e.Status, e.Err)
	}
	return fmt.Sprintf("ack %s failed (%s)", e.AckID, e.Status)
}

func (e *AckError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent acknowledgment failure.
func IsPermanent(err error) bool {
	var ackErr *AckError
	return errors.As(err, &ackErr) && ackErr.Status.Permanent()
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Acknowledger is the acknowledgment RPC contract. The returned map carries a
// status per ack id; ids missing from the map succeeded. A returned error
// applies to the whole request.
type Acknowledger interface {
	// Acknowledge marks the deliveries as processed.
	Acknowledge(ctx context.Context, sub string, ackIDs []string) (map[string]AckStatus, error)

	// ModifyAckDeadline sets the deadline of the deliveries to deadline from now.
	// A zero deadline makes the messages immediately eligible for redelivery.
	ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, deadline time.Duration) (map[string]AckStatus, error)
}

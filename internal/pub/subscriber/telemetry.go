package subscriber

import (
	"time"

	"pullsub/internal/pub"
	"pullsub/internal/pub/ackqueue"
)

// Telemetry receives side-channel notifications about message lifecycles.
// Implementations must not block.
type Telemetry interface {
	// ReceiptStarted is called when a delivery is received, before its receipt modack.
	ReceiptStarted(msg *Message)
	// ReceiptEnded is called once the delivery is either leased or discarded.
	ReceiptEnded(msg *Message)
	// Discarded is called for a delivery whose exactly-once receipt failed permanently.
	Discarded(msg *Message, err error)
	// Shutdown is called for every message still leased when the subscriber closes.
	Shutdown(msg *Message)
}

// Recorder observes subscriber state for metrics.
type Recorder interface {
	ackqueue.Recorder

	RecordReceived(sub string, count int)
	RecordLeases(sub string, messages, bytes int)
	RecordAckDeadline(sub string, deadline time.Duration)
	RecordModAckLatency(sub string, latency time.Duration)
	RecordFlowControl(sub string, paused bool)
	RecordDiscard(sub string)
	RecordLeaseExpired(sub string, count int)
	RecordShutdownNack(sub string)
}

type nopTelemetry struct{}

func (nopTelemetry) ReceiptStarted(*Message)   {}
func (nopTelemetry) ReceiptEnded(*Message)     {}
func (nopTelemetry) Discarded(*Message, error) {}
func (nopTelemetry) Shutdown(*Message)         {}

type nopRecorder struct{}

func (nopRecorder) RecordQueueFlush(string, int, time.Duration, error) {}
func (nopRecorder) RecordAckStatus(string, pub.AckStatus)              {}
func (nopRecorder) RecordReceived(string, int)                         {}
func (nopRecorder) RecordLeases(string, int, int)                      {}
func (nopRecorder) RecordAckDeadline(string, time.Duration)            {}
func (nopRecorder) RecordModAckLatency(string, time.Duration)          {}
func (nopRecorder) RecordFlowControl(string, bool)                     {}
func (nopRecorder) RecordDiscard(string)                               {}
func (nopRecorder) RecordLeaseExpired(string, int)                     {}
func (nopRecorder) RecordShutdownNack(string)                          {}

package subscriber

import (
	"context"
	"sync"
	"time"

	"pullsub/internal/pub"
	"pullsub/internal/pub/ackqueue"
)

// Message is one delivery handed to user code. Ack, Nack and ModAck are safe
// for concurrent use; after the first Ack or Nack every further call is a no-op.
type Message struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	OrderingKey     string
	PublishTime     time.Time
	DeliveryAttempt int

	ackID    string
	length   int
	received time.Time
	// sub is used for delegation only; the subscriber does not own the message.
	sub *Subscriber

	mu       sync.Mutex
	handled  bool
	terminal *ackqueue.Result
	response *ackqueue.Result
}

func newMessage(sub *Subscriber, rm pub.ReceivedMessage, received time.Time) *Message {
	return &Message{
		ID:              rm.Message.ID,
		Data:            rm.Message.Data,
		Attributes:      rm.Message.Attributes,
		OrderingKey:     rm.Message.OrderingKey,
		PublishTime:     rm.Message.PublishTime,
		DeliveryAttempt: rm.DeliveryAttempt,
		ackID:           rm.AckID,
		length:          len(rm.Message.Data),
		received:        received,
		sub:             sub,
	}
}

// AckID is the broker token of this delivery.
func (m *Message) AckID() string { return m.ackID }

// Length is the payload size at delivery. It does not follow later changes to Data.
func (m *Message) Length() int { return m.length }

// Received is when the subscriber received the delivery.
func (m *Message) Received() time.Time { return m.received }

// Handled reports whether the message was acked or nacked.
func (m *Message) Handled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled
}

// Ack acknowledges the message.
func (m *Message) Ack() {
	m.settle(m.sub.ack)
}

// Nack makes the message immediately eligible for redelivery.
func (m *Message) Nack() {
	m.settle(m.sub.nack)
}

// ModAck sets the deadline of the message to deadline from now.
func (m *Message) ModAck(deadline time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handled {
		return
	}
	m.sub.modAck(m, deadline)
}

// AckWithResponse acknowledges the message and waits for the broker's outcome.
// Permanent failures are returned as *pub.AckError. Later calls replay the
// outcome of the first Ack or Nack.
func (m *Message) AckWithResponse(ctx context.Context) error {
	return m.settleWithResponse(ctx, m.sub.ack)
}

// NackWithResponse is Nack that waits for the broker's outcome.
func (m *Message) NackWithResponse(ctx context.Context) error {
	return m.settleWithResponse(ctx, m.sub.nack)
}

// ModAckWithResponse is ModAck that waits for the broker's outcome. The first
// outcome is cached and returned by later calls without another request.
func (m *Message) ModAckWithResponse(ctx context.Context, deadline time.Duration) error {
	m.mu.Lock()
	res := m.response
	switch {
	case res != nil:
	case m.handled:
		res = m.terminal
	default:
		res = m.sub.modAck(m, deadline)
		m.response = res
	}
	m.mu.Unlock()

	return res.Wait(ctx)
}

func (m *Message) settle(delegate func(*Message) *ackqueue.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handled {
		return
	}
	m.handled = true
	m.terminal = delegate(m)
}

func (m *Message) settleWithResponse(ctx context.Context, delegate func(*Message) *ackqueue.Result) error {
	m.mu.Lock()
	if !m.handled {
		m.handled = true
		m.terminal = delegate(m)
	}
	res := m.terminal
	m.mu.Unlock()

	return res.Wait(ctx)
}

package pub

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"pullsub/internal/couchbase"
)

// Message is a published message as stored by the broker.
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Shard       int               `json:"shard"`
	Offset      uint64            `json:"offset"`
	Data        []byte            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OrderingKey string            `json:"orderingKey,omitempty"`
	PublishTime time.Time         `json:"publishTime"`

	couchbase.Cas `json:"-"`
}

// ReceivedMessage is one delivery of a message to a subscription.
type ReceivedMessage struct {
	AckID   string
	Message Message
	// DeliveryAttempt is 0 when the broker does not track attempts.
	DeliveryAttempt int
}

// SubscriptionProperties is the snapshot of subscription settings the broker
// sends along with every batch.
type SubscriptionProperties struct {
	ExactlyOnceDeliveryEnabled bool `env:"EXACTLY_ONCE_DELIVERY" envDefault:"false"`
	MessageOrderingEnabled     bool `env:"MESSAGE_ORDERING" envDefault:"false"`
}

// Batch is the unit of delivery of a MessageStream.
type Batch struct {
	Properties SubscriptionProperties
	Messages   []ReceivedMessage
}

func NewMessagesStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Message], error) {
	return newStore[Message](cluster, bucket, scope, "messages")
}

func MessageKey(topic string, shard int, offset uint64) string {
	return fmt.Sprintf("message::%s::%d::%d", topic, shard, offset)
}

// Package pub holds the documents and contracts shared by the broker backend,
// the streaming pull transport and the subscriber runtime.
package pub

import (
	"fmt"

	"github.com/couchbase/gocb/v2"

	"pullsub/internal/couchbase"
)

// ReceiptKey identifies the acknowledgment receipt of a message for a subscription.
func ReceiptKey(sub, msgID string) string {
	return fmt.Sprintf("receipt::%s::%s", sub, msgID)
}

// DeliveryKey identifies the delivery attempt counter of a message for a subscription.
func DeliveryKey(sub, msgID string) string {
	return fmt.Sprintf("delivery::%s::%s", sub, msgID)
}

// NewDeliveriesStore holds the per-subscription delivery attempt counters.
func NewDeliveriesStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[uint64], error) {
	return newStore[uint64](cluster, bucket, scope, "deliveries")
}

func newStore[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, scope, name string) (*couchbase.Couchbase[T], error) {
	collection := bucket.Scope(scope).Collection(name)
	store, err := couchbase.NewCouchbase[T](cluster, bucket, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", name, err)
	}

	return store, nil
}

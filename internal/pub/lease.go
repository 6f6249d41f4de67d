package pub

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"

	"pullsub/internal/couchbase"
)

// Lease is the broker-side record of a delivered, unacknowledged message.
// The document expires with the ack deadline, which makes the message
// eligible for redelivery.
type Lease struct {
	ID        string    `json:"id"`
	Sub       string    `json:"sub"`
	MessageID string    `json:"messageID"`
	Topic     string    `json:"topic"`
	Shard     int       `json:"shard"`
	Offset    uint64    `json:"offset"`
	Attempt   int       `json:"attempt"`
	Expires   time.Time `json:"expires"`

	couchbase.Cas `json:"-"`
}

func NewLeasesStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Lease], error) {
	return newStore[Lease](cluster, bucket, scope, "leases")
}

func LeaseKey(sub, msgID string) string {
	return fmt.Sprintf("lease::%s::%s", sub, msgID)
}

// AckID builds the opaque token handed out with one delivery attempt of a message.
func AckID(msgID string, attempt int) string {
	return msgID + "#" + strconv.Itoa(attempt)
}

// ParseAckID splits an ack id built by AckID.
func ParseAckID(ackID string) (msgID string, attempt int, err error) {
	i := strings.LastIndexByte(ackID, '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed ack id %q", ackID)
	}

	attempt, err = strconv.Atoi(ackID[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed ack id %q: %w", ackID, err)
	}

	return ackID[:i], attempt, nil
}

package pub

import (
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"pullsub/internal/couchbase"
)

// Cursor is the lowest offset of a topic shard that a subscription has not
// acknowledged yet.
type Cursor struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Sub    string `json:"sub"`
	Shard  int    `json:"shard"`
	Offset uint64 `json:"offset"`

	couchbase.Cas `json:"-"`
}

// Receipt marks a message as acknowledged by a subscription. Receipts let the
// cursor advance over messages that were acknowledged out of order.
type Receipt struct {
	ID        string    `json:"id"`
	Sub       string    `json:"sub"`
	MessageID string    `json:"messageID"`
	AckedAt   time.Time `json:"ackedAt"`
}

func NewCursorsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Cursor], error) {
	return newStore[Cursor](cluster, bucket, scope, "cursors")
}

func NewReceiptsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Receipt], error) {
	return newStore[Receipt](cluster, bucket, scope, "receipts")
}

func CursorKey(topic, sub string, shard int) string {
	return fmt.Sprintf("cursor::%s::%s::%d", topic, sub, shard)
}

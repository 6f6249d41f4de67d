package pub

import (
	"fmt"

	"github.com/couchbase/gocb/v2"

	"pullsub/internal/couchbase"
)

// Offset is the next write position of a topic shard.
type Offset struct {
	ID string `json:"id"`
	N  uint64 `json:"n"`

	couchbase.Cas `json:"-"`
}

func NewOffsetsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Offset], error) {
	return newStore[Offset](cluster, bucket, scope, "offsets")
}

func OffsetKey(topic string, shard int) string {
	return fmt.Sprintf("offset::%s::%d", topic, shard)
}

package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrShardUnavailable means the resolved shard table does not exist,
	// i.e. schema replication has not been run against this shard set.
	ErrShardUnavailable = errors.New("shard table does not exist")

	ErrInvalidStatusTransition = errors.New("invalid order status transition")

	ErrInvalidAmounts = errors.New("order amounts violate pay = total - discount + freight")
)

// PartialResultsError is returned by scatter-gather when some shards
// failed or timed out. It carries the rows gathered from the shards that
// answered together with the failed shard indices, so the caller can
// retry the failed shards or accept partial data.
type PartialResultsError struct {
	Rows         []Order
	FailedShards []int
}

func (e *PartialResultsError) Error() string {
	return fmt.Sprintf("scatter-gather returned partial results: %d shards failed %v, %d rows gathered", len(e.FailedShards), e.FailedShards, len(e.Rows))
}

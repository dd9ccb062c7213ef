package broker

import (
	"context"
	"time"

	"locstream/internal/domain"
)

// DefaultTopic is the topic location updates are appended to.
const DefaultTopic = "driver-location-updates"

// OffsetEarliest asks a reader to start from the first retained record.
const OffsetEarliest int64 = -1

// Record is one entry of a partitioned log. Offset and Timestamp are filled
// by the broker on append.
type Record struct {
	Key       []byte
	Value     []byte
	Partition domain.PartitionID
	Offset    int64
	Timestamp time.Time
}

// Producer appends records to the partition named in the record.
type Producer interface {
	// Produce blocks until the broker acknowledged or rejected the record,
	// or ctx expired. The returned record carries the assigned offset.
	Produce(ctx context.Context, rec Record) (Record, error)
}

// Reader consumes a single partition in log order.
type Reader interface {
	// Fetch blocks until at least one record is available or ctx is done.
	// It returns at most max records.
	Fetch(ctx context.Context, max int) ([]Record, error)
	Close() error
}

// Log is the consume side of the broker.
type Log interface {
	Partitions() uint32
	OpenReader(ctx context.Context, partition domain.PartitionID, from int64) (Reader, error)
	// EndOffset returns the offset the next appended record will get.
	EndOffset(ctx context.Context, partition domain.PartitionID) (int64, error)
}

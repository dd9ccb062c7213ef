package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"locstream/internal/domain"
)

// MemoryLog is an in-process partitioned append log. It backs local runs and
// tests; it offers the same ordering and offset semantics as the Kafka
// adapter but nothing survives the process.
type MemoryLog struct {
	mu         sync.Mutex
	partitions [][]Record
	appended   chan struct{}

	// ProduceHook, when set, runs before each Produce and can reject it.
	ProduceHook func(Record) error
}

func NewMemoryLog(partitions uint32) *MemoryLog {
	if partitions == 0 {
		partitions = 1
	}
	return &MemoryLog{partitions: make([][]Record, partitions), appended: make(chan struct{})}
}

func (m *MemoryLog) Partitions() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.partitions))
}

func (m *MemoryLog) Produce(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if m.ProduceHook != nil {
		if err := m.ProduceHook(rec); err != nil {
			return Record{}, err
		}
	}
	return m.Append(rec.Partition, rec.Key, rec.Value)
}

// Append writes raw bytes to a partition without any validation.
func (m *MemoryLog) Append(partition domain.PartitionID, key, value []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(partition) >= len(m.partitions) {
		return Record{}, fmt.Errorf("partition %d out of range [0,%d)", partition, len(m.partitions))
	}
	rec := Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Partition: partition,
		Offset:    int64(len(m.partitions[partition])),
		Timestamp: time.Now().UTC(),
	}
	m.partitions[partition] = append(m.partitions[partition], rec)
	close(m.appended)
	m.appended = make(chan struct{})
	return rec, nil
}

// Records returns a copy of the partition contents.
func (m *MemoryLog) Records(partition domain.PartitionID) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(partition) >= len(m.partitions) {
		return nil
	}
	return append([]Record(nil), m.partitions[partition]...)
}

func (m *MemoryLog) EndOffset(_ context.Context, partition domain.PartitionID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(partition) >= len(m.partitions) {
		return 0, fmt.Errorf("partition %d out of range [0,%d)", partition, len(m.partitions))
	}
	return int64(len(m.partitions[partition])), nil
}

func (m *MemoryLog) OpenReader(_ context.Context, partition domain.PartitionID, from int64) (Reader, error) {
	if int(partition) >= int(m.Partitions()) {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	if from < 0 {
		from = 0
	}
	return &memoryReader{log: m, partition: partition, next: from}, nil
}

type memoryReader struct {
	log       *MemoryLog
	partition domain.PartitionID
	next      int64
}

func (r *memoryReader) Fetch(ctx context.Context, max int) ([]Record, error) {
	if max <= 0 {
		max = 1
	}
	for {
		r.log.mu.Lock()
		recs := r.log.partitions[r.partition]
		wait := r.log.appended
		if r.next < int64(len(recs)) {
			end := r.next + int64(max)
			if end > int64(len(recs)) {
				end = int64(len(recs))
			}
			out := append([]Record(nil), recs[r.next:end]...)
			r.next = end
			r.log.mu.Unlock()
			return out, nil
		}
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (r *memoryReader) Close() error { return nil }

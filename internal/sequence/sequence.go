package sequence

import (
	"context"
	"hash/fnv"
	"sync"
)

// Store hands out per-driver sequence numbers. Next returns 1 for a driver
// it has never seen and strictly increasing values afterwards.
type Store interface {
	Next(ctx context.Context, driverID string) (uint64, error)
	// Seed raises the counter of a driver to at least last. It never lowers it.
	Seed(ctx context.Context, driverID string, last uint64) error
}

const shardCount = 64

// Memory is a sharded in-process Store.
type Memory struct {
	shards [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i].counters = make(map[string]uint64)
	}
	return m
}

func (m *Memory) shardFor(driverID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Next(_ context.Context, driverID string) (uint64, error) {
	s := m.shardFor(driverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[driverID]++
	return s.counters[driverID], nil
}

func (m *Memory) Seed(_ context.Context, driverID string, last uint64) error {
	s := m.shardFor(driverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if last > s.counters[driverID] {
		s.counters[driverID] = last
	}
	return nil
}

// Last returns the most recently issued sequence, 0 if none.
func (m *Memory) Last(driverID string) uint64 {
	s := m.shardFor(driverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[driverID]
}

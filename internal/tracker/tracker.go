package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"locstream/internal/domain"
)

// Tracker records the last fully handled offset of each partition. Commit
// must not return before the checkpoint is durable in the backend.
type Tracker interface {
	Commit(ctx context.Context, cp domain.Checkpoint) error
	// LastCommitted reports false when the partition has never been committed.
	LastCommitted(ctx context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error)
}

// PersistenceError means a checkpoint could not be stored after all retries.
// Consumers treat it as fatal.
type PersistenceError struct {
	Partition domain.PartitionID
	Offset    int64
	Attempts  int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist checkpoint partition=%d offset=%d after %d attempts: %v", e.Partition, e.Offset, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a PersistenceError.
func IsFatal(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Memory keeps checkpoints in process memory.
type Memory struct {
	mu  sync.Mutex
	cps map[domain.PartitionID]domain.Checkpoint

	// FailCommit, when set, is consulted before every commit.
	FailCommit func(domain.Checkpoint) error
}

func NewMemory() *Memory {
	return &Memory{cps: make(map[domain.PartitionID]domain.Checkpoint)}
}

func (m *Memory) Commit(_ context.Context, cp domain.Checkpoint) error {
	if m.FailCommit != nil {
		if err := m.FailCommit(cp); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cps[cp.Partition]
	if ok && cp.Offset < cur.Offset {
		return nil
	}
	next := cp.Clone()
	if ok {
		for d, s := range cur.Sequences {
			if s > next.Sequences[d] {
				next.Sequences[d] = s
			}
		}
		for d, ts := range cur.Timestamps {
			if ts.After(next.Timestamps[d]) {
				next.Timestamps[d] = ts
			}
		}
	}
	if next.CommittedAt.IsZero() {
		next.CommittedAt = time.Now().UTC()
	}
	m.cps[cp.Partition] = next
	return nil
}

func (m *Memory) LastCommitted(_ context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[partition]
	if !ok {
		return domain.Checkpoint{}, false, nil
	}
	return cp.Clone(), true, nil
}

type retrying struct {
	next     Tracker
	attempts int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
}

// WithRetry retries failed commits with a doubling backoff. When every
// attempt fails the error is a *PersistenceError.
func WithRetry(t Tracker, attempts int, backoff time.Duration) Tracker {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return &retrying{next: t, attempts: attempts, backoff: backoff, sleep: sleepCtx}
}

func (r *retrying) Commit(ctx context.Context, cp domain.Checkpoint) error {
	var err error
	delay := r.backoff
	for i := 1; i <= r.attempts; i++ {
		if err = r.next.Commit(ctx, cp); err == nil {
			return nil
		}
		if i == r.attempts {
			break
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return &PersistenceError{Partition: cp.Partition, Offset: cp.Offset, Attempts: i, Err: errors.Join(err, serr)}
		}
		delay *= 2
	}
	return &PersistenceError{Partition: cp.Partition, Offset: cp.Offset, Attempts: r.attempts, Err: err}
}

func (r *retrying) LastCommitted(ctx context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error) {
	return r.next.LastCommitted(ctx, partition)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

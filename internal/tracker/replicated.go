package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"locstream/internal/domain"
	"locstream/internal/raftengine"
)

const DefaultCommitTimeout = 5 * time.Second

// Replicated proposes every commit to the raft group of its partition. Each
// node applies committed entries into its local tracker, so any node can
// resume the partition after a failover. Commit returns once the entry has
// been applied on this node.
type Replicated struct {
	CommitTimeout time.Duration

	engine *raftengine.Engine
	local  Tracker

	mu      sync.Mutex
	waiters map[string]chan error
}

// NewReplicated builds the raft engine with the apply and ack hooks bound to
// the returned tracker. cfg.Apply and cfg.Ack are overwritten.
func NewReplicated(cfg raftengine.Config, local Tracker) (*Replicated, error) {
	r := &Replicated{local: local, CommitTimeout: DefaultCommitTimeout, waiters: make(map[string]chan error)}
	cfg.Apply = r.apply
	cfg.Ack = r.ack
	e, err := raftengine.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	r.engine = e
	return r, nil
}

func (r *Replicated) Start() { r.engine.Start() }

func (r *Replicated) Stop() error { return r.engine.Stop() }

func (r *Replicated) Engine() *raftengine.Engine { return r.engine }

func (r *Replicated) Commit(ctx context.Context, cp domain.Checkpoint) error {
	if uint32(cp.Partition) >= r.engine.Groups() {
		return fmt.Errorf("partition %d has no raft group", cp.Partition)
	}
	if r.CommitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CommitTimeout)
		defer cancel()
	}
	token := uuid.NewString()
	done := make(chan error, 1)
	r.mu.Lock()
	r.waiters[token] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, token)
		r.mu.Unlock()
	}()

	at := cp.CommittedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	cmd := raftengine.OffsetCommitCommand{
		Group:          uint32(cp.Partition),
		Offset:         cp.Offset,
		Sequences:      cp.Sequences,
		TimestampUTCNs: at.UnixNano(),
		AckToken:       token,
	}
	if len(cp.Timestamps) > 0 {
		cmd.DriverTimesNs = make(map[string]int64, len(cp.Timestamps))
		for d, ts := range cp.Timestamps {
			cmd.DriverTimesNs[d] = ts.UnixNano()
		}
	}
	if err := r.engine.Propose(ctx, cmd); err != nil {
		return fmt.Errorf("propose commit partition=%d: %w", cp.Partition, err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await commit partition=%d: %w", cp.Partition, ctx.Err())
	}
}

func (r *Replicated) LastCommitted(ctx context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error) {
	return r.local.LastCommitted(ctx, partition)
}

func (r *Replicated) apply(group uint32, cmd raftengine.OffsetCommitCommand) error {
	cp := domain.Checkpoint{
		Partition:   domain.PartitionID(group),
		Offset:      cmd.Offset,
		Sequences:   cmd.Sequences,
		Timestamps:  make(map[string]time.Time, len(cmd.DriverTimesNs)),
		CommittedAt: time.Unix(0, cmd.TimestampUTCNs).UTC(),
	}
	for d, ns := range cmd.DriverTimesNs {
		cp.Timestamps[d] = time.Unix(0, ns).UTC()
	}
	return r.local.Commit(context.Background(), cp)
}

func (r *Replicated) ack(token string, err error) {
	r.mu.Lock()
	ch, ok := r.waiters[token]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

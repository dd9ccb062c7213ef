package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"locstream/internal/broker"
	"locstream/internal/codec"
	"locstream/internal/domain"
)

// CheckpointSource exposes committed consumer positions.
type CheckpointSource interface {
	LastCommitted(ctx context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error)
}

// recoverIdle bounds how long Recover waits for a record it expects below
// the end offset. Compacted or transactional logs can leave holes.
const recoverIdle = 2 * time.Second

// RecoveryStats summarizes what Recover found.
type RecoveryStats struct {
	Drivers int
	Records int
}

// Recover raises the sequence counters and timestamp watermarks of every
// driver to what is already in the log, so a restarted publisher never
// reuses a sequence or accepts an older report. Committed checkpoints cover
// the head of each partition; only the uncommitted tail is scanned.
func (p *Publisher) Recover(ctx context.Context, log broker.Log, checkpoints CheckpointSource) (RecoveryStats, error) {
	var stats RecoveryStats
	maxSeq := map[string]uint64{}
	maxTS := map[string]time.Time{}

	for part := uint32(0); part < log.Partitions(); part++ {
		partition := domain.PartitionID(part)
		from := int64(0)
		if checkpoints != nil {
			cp, ok, err := checkpoints.LastCommitted(ctx, partition)
			if err != nil {
				return stats, fmt.Errorf("recover partition=%d: %w", partition, err)
			}
			if ok {
				from = cp.Next()
				for d, s := range cp.Sequences {
					if s > maxSeq[d] {
						maxSeq[d] = s
					}
				}
				for d, ts := range cp.Timestamps {
					if ts.After(maxTS[d]) {
						maxTS[d] = ts
					}
				}
			}
		}
		n, err := scanTail(ctx, log, partition, from, func(u domain.LocationUpdate) {
			if u.Sequence > maxSeq[u.DriverID] {
				maxSeq[u.DriverID] = u.Sequence
			}
			if u.Timestamp.After(maxTS[u.DriverID]) {
				maxTS[u.DriverID] = u.Timestamp
			}
		})
		stats.Records += n
		if err != nil {
			return stats, fmt.Errorf("recover partition=%d: %w", partition, err)
		}
	}

	for d, s := range maxSeq {
		if err := p.seq.Seed(ctx, d, s); err != nil {
			return stats, fmt.Errorf("seed sequence %s: %w", d, err)
		}
	}
	for d, ts := range maxTS {
		p.router.Advance(d, ts)
	}
	stats.Drivers = len(maxSeq)
	p.log.Info("recovered sequences", "drivers", stats.Drivers, "scanned", stats.Records)
	return stats, nil
}

func scanTail(ctx context.Context, log broker.Log, partition domain.PartitionID, from int64, visit func(domain.LocationUpdate)) (int, error) {
	end, err := log.EndOffset(ctx, partition)
	if err != nil {
		return 0, err
	}
	if from >= end {
		return 0, nil
	}
	r, err := log.OpenReader(ctx, partition, from)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	scanned := 0
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, recoverIdle)
		recs, err := r.Fetch(fetchCtx, 512)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return scanned, nil
			}
			return scanned, err
		}
		for _, rec := range recs {
			if rec.Offset >= end {
				return scanned, nil
			}
			scanned++
			u, err := codec.Decode(rec.Value)
			if err != nil {
				continue
			}
			visit(u)
			if rec.Offset == end-1 {
				return scanned, nil
			}
		}
	}
}

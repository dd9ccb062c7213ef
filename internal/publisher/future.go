package publisher

import (
	"context"

	"locstream/internal/domain"
)

// Ack is the broker's acknowledgement of one published update.
type Ack struct {
	DriverID  string
	Sequence  uint64
	Partition domain.PartitionID
	Offset    int64
}

// Future completes once the broker acknowledged the update or every retry
// failed.
type Future struct {
	driverID  string
	seq       uint64
	partition domain.PartitionID
	done      chan struct{}
	ack       Ack
	err       error
}

func newFuture(driverID string, seq uint64, partition domain.PartitionID) *Future {
	return &Future{driverID: driverID, seq: seq, partition: partition, done: make(chan struct{})}
}

func (f *Future) Sequence() uint64 { return f.seq }

func (f *Future) Partition() domain.PartitionID { return f.partition }

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait returns the ack or a *PublishError. A ctx error only means the caller
// stopped waiting; the publish itself carries on.
func (f *Future) Wait(ctx context.Context) (Ack, error) {
	select {
	case <-f.done:
		return f.ack, f.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (f *Future) complete(ack Ack, err error) {
	f.ack, f.err = ack, err
	close(f.done)
}

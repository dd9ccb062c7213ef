package publisher

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Window bounds the number of publishes awaiting a broker ack. A slot is
// reserved before a sequence is assigned and released when the future
// completes either way.
type Window struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

func (w *Window) Capacity() int { return w.capacity }

// InFlight counts reserved slots.
func (w *Window) InFlight() int { return int(w.inFlight.Load()) }

func (w *Window) TryAcquire() bool {
	if !w.sem.TryAcquire(1) {
		return false
	}
	w.inFlight.Add(1)
	return true
}

// Acquire blocks until a slot frees up, ctx is done or abort is closed.
func (w *Window) Acquire(ctx context.Context, abort <-chan struct{}) error {
	if w.TryAcquire() {
		return nil
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-abort:
			cancel()
		case <-actx.Done():
		}
	}()
	if err := w.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}
	w.inFlight.Add(1)
	return nil
}

func (w *Window) release() {
	w.inFlight.Add(-1)
	w.sem.Release(1)
}

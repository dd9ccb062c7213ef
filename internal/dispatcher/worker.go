package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"locstream/internal/broker"
	"locstream/internal/codec"
	"locstream/internal/deadletter"
	"locstream/internal/domain"
	"locstream/internal/metrics"
	"locstream/internal/tracker"
)

type worker struct {
	d         *Dispatcher
	partition domain.PartitionID
	handlers  []namedHandler
	state     *atomic.Int32
	log       logr.Logger

	// watermarks holds the last delivered sequence of every driver seen on
	// the partition. Commits only carry the drivers a batch changed.
	watermarks map[string]uint64
}

func (w *worker) setState(s State) { w.state.Store(int32(s)) }

func (w *worker) run(ctx context.Context) error {
	w.setState(StateIdle)
	defer w.setState(StateStopped)

	from := broker.OffsetEarliest
	cp, ok, err := w.d.tracker.LastCommitted(ctx, w.partition)
	if err != nil {
		return fmt.Errorf("load checkpoint partition=%d: %w", w.partition, err)
	}
	if ok {
		from = cp.Next()
		for driver, seq := range cp.Sequences {
			w.watermarks[driver] = seq
		}
		w.log.Info("resuming", "offset", from, "drivers", len(cp.Sequences))
	} else {
		w.log.Info("no checkpoint, starting from earliest")
	}

	reader, err := w.d.log.OpenReader(ctx, w.partition, from)
	if err != nil {
		return fmt.Errorf("open reader partition=%d: %w", w.partition, err)
	}
	defer reader.Close()

	label := strconv.FormatUint(uint64(w.partition), 10)
	for {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(StatePolling)
		recs, err := reader.Fetch(ctx, w.d.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.FetchErrorsTotal.WithLabelValues(label).Inc()
			w.log.Error(err, "fetch failed")
			_ = w.d.sleep(ctx, w.d.cfg.FetchBackoff)
			continue
		}
		if len(recs) == 0 {
			continue
		}
		if err := w.handleBatch(ctx, recs, label); err != nil {
			return err
		}
	}
}

// handleBatch always runs to completion, even when ctx is cancelled, so a
// polled batch is either fully committed or a fatal error is returned.
func (w *worker) handleBatch(ctx context.Context, recs []broker.Record, label string) error {
	bctx := context.WithoutCancel(ctx)
	start := time.Now()
	w.setState(StateDispatching)

	changed := domain.Checkpoint{Partition: w.partition, Sequences: map[string]uint64{}, Timestamps: map[string]time.Time{}}
	last := int64(-1)
	var stopErr error
	for _, rec := range recs {
		if err := w.process(bctx, rec, &changed); err != nil {
			stopErr = err
			break
		}
		last = rec.Offset
	}
	if last < 0 {
		return stopErr
	}

	w.setState(StateCommitPending)
	changed.Offset = last
	changed.CommittedAt = w.d.now()
	if err := w.d.tracker.Commit(bctx, changed); err != nil {
		metrics.CommitsTotal.WithLabelValues(label, "error").Inc()
		var pe *tracker.PersistenceError
		if !errors.As(err, &pe) {
			err = &tracker.PersistenceError{Partition: w.partition, Offset: last, Attempts: 1, Err: err}
		}
		return err
	}
	metrics.CommitsTotal.WithLabelValues(label, "ok").Inc()
	metrics.CommittedOffset.WithLabelValues(label).Set(float64(last))
	metrics.BatchLatencySeconds.Observe(time.Since(start).Seconds())
	w.log.V(1).Info("committed", "offset", last, "records", len(recs), "drivers", len(changed.Sequences))
	return stopErr
}

// process hands one record to the handlers and records the new watermark in
// changed.
func (w *worker) process(ctx context.Context, rec broker.Record, changed *domain.Checkpoint) error {
	u, err := codec.Decode(rec.Value)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(codec.ErrorKind(err)).Inc()
		return w.deadLetter(ctx, deadletter.Letter{
			Raw:       rec.Value,
			Key:       rec.Key,
			Err:       err,
			Partition: w.partition,
			Offset:    rec.Offset,
			At:        w.d.now(),
		})
	}
	if u.Sequence <= w.watermarks[u.DriverID] {
		metrics.DuplicatesTotal.WithLabelValues(strconv.FormatUint(uint64(w.partition), 10)).Inc()
		w.log.V(1).Info("dropping duplicate", "driver", u.DriverID, "sequence", u.Sequence, "watermark", w.watermarks[u.DriverID], "offset", rec.Offset)
		return nil
	}
	for _, h := range w.handlers {
		if err := invoke(ctx, h, u); err != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(h.name).Inc()
			w.log.Error(err, "handler failed", "handler", h.name, "driver", u.DriverID, "sequence", u.Sequence, "offset", rec.Offset)
			continue
		}
		metrics.DeliveredTotal.WithLabelValues(h.name).Inc()
	}
	w.watermarks[u.DriverID] = u.Sequence
	changed.Sequences[u.DriverID] = u.Sequence
	changed.Timestamps[u.DriverID] = u.Timestamp
	return nil
}

func invoke(ctx context.Context, h namedHandler, u domain.LocationUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	return h.handler.Handle(ctx, u)
}

// deadLetter retries the sink with a doubling backoff. An error means the
// record is not stored anywhere and the worker must not move past it.
func (w *worker) deadLetter(ctx context.Context, l deadletter.Letter) error {
	delay := w.d.cfg.DeadLetterBackoff
	var err error
	for attempt := 1; attempt <= w.d.cfg.DeadLetterRetries; attempt++ {
		if err = w.d.sink.Send(ctx, l); err == nil {
			metrics.DeadLetteredTotal.WithLabelValues("ok").Inc()
			w.log.Info("dead-lettered record", "offset", l.Offset, "reason", l.Reason())
			return nil
		}
		metrics.DeadLetteredTotal.WithLabelValues("error").Inc()
		w.log.Error(err, "dead-letter sink failed", "offset", l.Offset, "attempt", attempt)
		if attempt < w.d.cfg.DeadLetterRetries {
			_ = w.d.sleep(ctx, delay)
			delay *= 2
		}
	}
	return fmt.Errorf("dead-letter partition=%d offset=%d: %w", l.Partition, l.Offset, err)
}

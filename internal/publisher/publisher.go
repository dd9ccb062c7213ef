package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"locstream/internal/broker"
	"locstream/internal/codec"
	"locstream/internal/domain"
	"locstream/internal/hashroute"
	"locstream/internal/metrics"
	"locstream/internal/sequence"
)

type Config struct {
	Partitions uint32
	Window     int
	// MaxRetries is the number of produce retries after the first attempt.
	// A negative value disables retries.
	MaxRetries     int
	AckTimeout     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) withDefaults() {
	if c.Partitions == 0 {
		c.Partitions = hashroute.DefaultPartitionCount
	}
	if c.Window <= 0 {
		c.Window = 1024
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("publisher backoff_max %s is below backoff_initial %s", c.BackoffMax, c.BackoffInitial)
	}
	return nil
}

type publishOptions struct {
	nonBlocking bool
}

type Option func(*publishOptions)

// NonBlocking makes Publish fail with ErrBackpressure instead of waiting for
// a window slot.
func NonBlocking() Option {
	return func(o *publishOptions) { o.nonBlocking = true }
}

// Publisher sequences location updates per driver and appends them to the
// driver's partition. Each driver has a lane that keeps at most one record
// in flight, so retries never reorder a driver's records in the log.
type Publisher struct {
	cfg      Config
	producer broker.Producer
	seq      sequence.Store
	router   *hashroute.Router
	window   *Window
	log      logr.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup

	// base outlives callers; it is cancelled only when Close gives up.
	base   context.Context
	cancel context.CancelFunc

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

type lane struct {
	driverID string

	mu      sync.Mutex
	queue   []*pending
	running bool
}

type pending struct {
	update domain.LocationUpdate
	future *Future
}

func New(cfg Config, producer broker.Producer, seq sequence.Store, log logr.Logger) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if producer == nil || seq == nil {
		return nil, errors.New("publisher requires a producer and a sequence store")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:      cfg,
		producer: producer,
		seq:      seq,
		router:   hashroute.NewRouter(cfg.Partitions),
		window:   NewWindow(cfg.Window),
		log:      log.WithName("publisher"),
		lanes:    make(map[string]*lane),
		closing:  make(chan struct{}),
		base:     base,
		cancel:   cancel,
		sleep:    sleepCtx,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *Publisher) Partitions() uint32 { return p.cfg.Partitions }

// InFlight returns the number of publishes awaiting a broker ack.
func (p *Publisher) InFlight() int { return p.window.InFlight() }

// Publish assigns the next sequence of u.DriverID and hands the update to
// the driver's lane. The returned future completes with the broker ack.
// Concurrent calls for one driver are sequenced in the order they take the
// lane, and that is also their order in the log.
func (p *Publisher) Publish(ctx context.Context, u domain.LocationUpdate, opts ...Option) (*Future, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	check := u
	if check.Timestamp.IsZero() {
		check.Timestamp = p.now()
	}
	if err := codec.Validate(check); err != nil {
		var fe *codec.InvalidFieldError
		if errors.As(err, &fe) {
			metrics.ValidationErrorsTotal.WithLabelValues(fe.Field).Inc()
		}
		return nil, err
	}
	if p.isClosed() {
		return nil, ErrClosed
	}

	if o.nonBlocking {
		if !p.window.TryAcquire() {
			metrics.BackpressureTotal.Inc()
			return nil, &BackpressureError{Window: p.window.Capacity()}
		}
	} else if err := p.window.Acquire(ctx, p.closing); err != nil {
		return nil, err
	}
	metrics.InFlight.Set(float64(p.window.InFlight()))

	f, err := p.enqueue(ctx, u)
	if err != nil {
		p.window.release()
		metrics.InFlight.Set(float64(p.window.InFlight()))
		return nil, err
	}
	return f, nil
}

func (p *Publisher) enqueue(ctx context.Context, u domain.LocationUpdate) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	// Holding a wg slot keeps Close from returning while this call may still
	// start a lane.
	p.wg.Add(1)
	defer p.wg.Done()
	l, ok := p.lanes[u.DriverID]
	if !ok {
		l = &lane{driverID: u.DriverID}
		p.lanes[u.DriverID] = l
	}
	l.mu.Lock()
	p.mu.Unlock()
	defer l.mu.Unlock()

	// Stamped under the lane lock so concurrent unstamped reports for one
	// driver get timestamps in sequence order.
	if u.Timestamp.IsZero() {
		u.Timestamp = p.now()
	}
	if !p.router.Advance(u.DriverID, u.Timestamp) {
		metrics.ValidationErrorsTotal.WithLabelValues("timestamp").Inc()
		return nil, &codec.InvalidFieldError{Field: "timestamp", Reason: "older than the previous report of this driver"}
	}
	seq, err := p.seq.Next(ctx, u.DriverID)
	if err != nil {
		return nil, fmt.Errorf("assign sequence for %s: %w", u.DriverID, err)
	}
	u.Sequence = seq
	partition := domain.PartitionID(hashroute.PartitionFor(u.DriverID, p.cfg.Partitions))
	f := newFuture(u.DriverID, seq, partition)
	l.queue = append(l.queue, &pending{update: u, future: f})
	if !l.running {
		l.running = true
		p.wg.Add(1)
		go p.runLane(l)
	}
	return f, nil
}

func (p *Publisher) runLane(l *lane) {
	defer p.wg.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			p.mu.Lock()
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.running = false
				if p.lanes[l.driverID] == l {
					delete(p.lanes, l.driverID)
				}
				l.mu.Unlock()
				p.mu.Unlock()
				return
			}
			l.mu.Unlock()
			p.mu.Unlock()
			continue
		}
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		p.deliver(next)
	}
}

func (p *Publisher) deliver(pr *pending) {
	u, f := pr.update, pr.future
	ack, err := p.produceWithRetry(u, f.partition)
	p.window.release()
	metrics.InFlight.Set(float64(p.window.InFlight()))
	if err != nil {
		metrics.PublishFailuresTotal.Inc()
		p.log.Error(err, "publish abandoned", "driver", u.DriverID, "sequence", u.Sequence, "partition", f.partition)
		f.complete(Ack{}, err)
		return
	}
	metrics.PublishedTotal.WithLabelValues(strconv.FormatUint(uint64(ack.Partition), 10)).Inc()
	f.complete(ack, nil)
}

func (p *Publisher) produceWithRetry(u domain.LocationUpdate, partition domain.PartitionID) (Ack, error) {
	payload, err := codec.Encode(u)
	if err != nil {
		return Ack{}, &PublishError{DriverID: u.DriverID, Sequence: u.Sequence, Cause: err}
	}
	rec := broker.Record{Key: []byte(u.DriverID), Value: payload, Partition: partition}

	delay := p.cfg.BackoffInitial
	attempts := 0
	for {
		attempts++
		ctx, cancel := context.WithTimeout(p.base, p.cfg.AckTimeout)
		out, err := p.producer.Produce(ctx, rec)
		cancel()
		if err == nil {
			return Ack{DriverID: u.DriverID, Sequence: u.Sequence, Partition: out.Partition, Offset: out.Offset}, nil
		}
		if attempts > p.cfg.MaxRetries || p.base.Err() != nil {
			return Ack{}, &PublishError{DriverID: u.DriverID, Sequence: u.Sequence, Attempts: attempts, Cause: err}
		}
		metrics.PublishRetriesTotal.Inc()
		p.log.V(1).Info("retrying publish", "driver", u.DriverID, "sequence", u.Sequence, "attempt", attempts, "backoff", delay, "err", err.Error())
		if serr := p.sleep(p.base, delay); serr != nil {
			return Ack{}, &PublishError{DriverID: u.DriverID, Sequence: u.Sequence, Attempts: attempts, Cause: errors.Join(err, serr)}
		}
		delay *= 2
		if delay > p.cfg.BackoffMax {
			delay = p.cfg.BackoffMax
		}
	}
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops accepting publishes and waits for queued ones to finish. When
// ctx expires first, outstanding produce attempts are aborted and their
// futures fail.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
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

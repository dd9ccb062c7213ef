package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"locstream/internal/broker"
	"locstream/internal/deadletter"
	"locstream/internal/domain"
	"locstream/internal/tracker"
)

// Handler consumes decoded location updates. Handlers of one partition are
// called sequentially in log order.
type Handler interface {
	Handle(ctx context.Context, u domain.LocationUpdate) error
}

type HandlerFunc func(ctx context.Context, u domain.LocationUpdate) error

func (f HandlerFunc) Handle(ctx context.Context, u domain.LocationUpdate) error { return f(ctx, u) }

var ErrAlreadyRunning = errors.New("dispatcher already running")

type Config struct {
	// Partitions lists the partitions this process consumes. Empty means all.
	Partitions        []domain.PartitionID
	BatchSize         int
	FetchBackoff      time.Duration
	DeadLetterRetries int
	DeadLetterBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 500 * time.Millisecond
	}
	if c.DeadLetterRetries <= 0 {
		c.DeadLetterRetries = 5
	}
	if c.DeadLetterBackoff <= 0 {
		c.DeadLetterBackoff = 100 * time.Millisecond
	}
}

type namedHandler struct {
	name    string
	handler Handler
}

// Dispatcher runs one worker per partition. A worker resumes after the last
// committed offset, dead-letters undecodable records, drops redelivered
// sequences, fans each update out to the registered handlers and commits
// the batch.
type Dispatcher struct {
	cfg     Config
	log     broker.Log
	tracker tracker.Tracker
	sink    deadletter.Sink
	logger  logr.Logger

	mu       sync.Mutex
	handlers []namedHandler
	running  bool

	states map[domain.PartitionID]*atomic.Int32
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

func New(cfg Config, log broker.Log, tr tracker.Tracker, sink deadletter.Sink, logger logr.Logger) (*Dispatcher, error) {
	cfg.withDefaults()
	if log == nil || tr == nil || sink == nil {
		return nil, errors.New("dispatcher requires a log, a tracker and a dead-letter sink")
	}
	if len(cfg.Partitions) == 0 {
		for p := uint32(0); p < log.Partitions(); p++ {
			cfg.Partitions = append(cfg.Partitions, domain.PartitionID(p))
		}
	}
	states := make(map[domain.PartitionID]*atomic.Int32, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		if uint32(p) >= log.Partitions() {
			return nil, fmt.Errorf("partition %d out of range [0,%d)", p, log.Partitions())
		}
		if _, dup := states[p]; dup {
			return nil, fmt.Errorf("partition %d listed twice", p)
		}
		states[p] = new(atomic.Int32)
	}
	return &Dispatcher{
		cfg:     cfg,
		log:     log,
		tracker: tr,
		sink:    sink,
		logger:  logger.WithName("dispatcher"),
		states:  states,
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register appends a handler. Handlers run in registration order.
func (d *Dispatcher) Register(name string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	for _, existing := range d.handlers {
		if existing.name == name {
			return fmt.Errorf("handler %q already registered", name)
		}
	}
	d.handlers = append(d.handlers, namedHandler{name: name, handler: h})
	return nil
}

// State reports the worker state of a partition. Partitions not consumed by
// this dispatcher report StateIdle.
func (d *Dispatcher) State(partition domain.PartitionID) State {
	s, ok := d.states[partition]
	if !ok {
		return StateIdle
	}
	return State(s.Load())
}

// Run consumes until ctx is cancelled or a worker fails fatally. A fatal
// error stops the other workers after their current batch and is returned;
// a *tracker.PersistenceError means a checkpoint could not be stored.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	handlers := append([]namedHandler(nil), d.handlers...)
	d.mu.Unlock()

	d.logger.Info("starting", "partitions", len(d.cfg.Partitions), "handlers", len(handlers))
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.cfg.Partitions {
		w := &worker{
			d:          d,
			partition:  p,
			handlers:   handlers,
			state:      d.states[p],
			log:        d.logger.WithValues("partition", p),
			watermarks: map[string]uint64{},
		}
		g.Go(func() error { return w.run(gctx) })
	}
	err := g.Wait()
	if err != nil {
		d.logger.Error(err, "dispatcher stopped")
	}
	return err
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

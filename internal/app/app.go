// Package app assembles a locstream node from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"locstream/internal/broker"
	"locstream/internal/broker/kafka"
	"locstream/internal/config"
	"locstream/internal/deadletter"
	"locstream/internal/deadletter/rabbitmq"
	"locstream/internal/dispatcher"
	"locstream/internal/domain"
	"locstream/internal/handlers"
	"locstream/internal/handlers/ridertracking"
	"locstream/internal/ingest/httpapi"
	"locstream/internal/ingest/socket"
	"locstream/internal/publisher"
	"locstream/internal/raftengine"
	"locstream/internal/sequence"
	redisstore "locstream/internal/storage/redis"
	"locstream/internal/storage/sqlite"
	"locstream/internal/tracker"
)

type App struct {
	cfg config.Config
	log logr.Logger

	Log        broker.Log
	Publisher  *publisher.Publisher
	Tracker    tracker.Tracker
	Dispatcher *dispatcher.Dispatcher
	HTTP       *httpapi.Server
	Socket     *socket.Server
	Hub        *ridertracking.Hub

	kafka      *kafka.Broker
	replicated *tracker.Replicated
	closers    []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New connects every configured backend. On error whatever was opened so
// far is closed again.
func New(ctx context.Context, cfg config.Config, log logr.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	built := false
	defer func() {
		if !built {
			_ = a.close()
		}
	}()

	if err := a.buildBroker(); err != nil {
		return nil, err
	}

	var (
		rdb *goredis.Client
		err error
	)
	if cfg.Sequence.Kind == "redis" || cfg.Tracker.Kind == "redis" || cfg.HasHandler(config.HandlerLatest) {
		rdb, err = redisstore.Open(ctx, redisstore.Config{URL: cfg.Redis.URL, Prefix: cfg.Redis.Prefix})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb)
	}

	var seq sequence.Store = sequence.NewMemory()
	if cfg.Sequence.Kind == "redis" {
		seq = redisstore.NewSequenceStore(rdb, cfg.Redis.Prefix)
	}

	tr, err := a.buildTracker(rdb)
	if err != nil {
		return nil, err
	}
	a.Tracker = tracker.WithRetry(tr, cfg.Tracker.Retries, cfg.Tracker.RetryBackoff)

	pub, err := publisher.New(publisher.Config{
		Partitions:     cfg.Broker.Partitions,
		Window:         cfg.Publisher.Window,
		MaxRetries:     cfg.Publisher.MaxRetries,
		AckTimeout:     cfg.Publisher.AckTimeout,
		BackoffInitial: cfg.Publisher.BackoffInitial,
		BackoffMax:     cfg.Publisher.BackoffMax,
	}, a.Log.(broker.Producer), seq, log)
	if err != nil {
		return nil, err
	}
	a.Publisher = pub

	if cfg.HasHandler(config.HandlerRiderTracking) {
		a.Hub = ridertracking.NewHub(log)
	}
	var latest *redisstore.LatestStore
	if cfg.HasHandler(config.HandlerLatest) {
		latest = redisstore.NewLatestStore(rdb, cfg.Redis.Prefix, cfg.Redis.LatestTTL)
	}

	if cfg.Dispatcher.Enabled {
		sink, err := a.buildDeadLetter(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.buildDispatcher(sink, latest); err != nil {
			return nil, err
		}
	}

	if cfg.HTTP.Enabled {
		var opts []httpapi.Option
		if a.Hub != nil {
			opts = append(opts, httpapi.WithTracker(a.Hub))
		}
		if latest != nil {
			opts = append(opts, httpapi.WithLatest(latest))
		}
		a.HTTP = httpapi.New(httpapi.Config{Address: cfg.HTTP.Address, ShutdownTimeout: cfg.HTTP.ShutdownTimeout}, pub, log, opts...)
	}
	if cfg.Socket.Enabled {
		a.Socket = socket.NewServer(socket.Config{
			Address:     cfg.Socket.Address,
			AuthToken:   cfg.Socket.AuthToken,
			MaxInflight: cfg.Socket.MaxInflight,
			Queues:      cfg.Broker.Partitions,
			AckTimeout:  cfg.Publisher.AckTimeout,
		}, pub, log)
	}
	built = true
	return a, nil
}

func (a *App) buildBroker() error {
	if a.cfg.Broker.Kind != "kafka" {
		a.Log = broker.NewMemoryLog(a.cfg.Broker.Partitions)
		return nil
	}
	kc := a.cfg.Broker.Kafka
	kcfg := kafka.Config{
		Brokers:     kc.Brokers,
		Topic:       a.cfg.Broker.Topic,
		ClientID:    kc.ClientID,
		Partitions:  a.cfg.Broker.Partitions,
		Replication: kc.Replication,
		CreateTopic: kc.CreateTopic,
	}
	if a.cfg.DeadLetter.Kind == "kafka" {
		kcfg.DeadLetterTopic = a.cfg.DeadLetter.Kafka.Topic
	}
	kcfg.Auth.TLS.Enabled = kc.TLS
	kcfg.Auth.SASL = kafka.SASLConfig{Enabled: kc.SASL.Enabled, Username: kc.SASL.Username, Password: kc.SASL.Password}
	b, err := kafka.New(kcfg, a.log)
	if err != nil {
		return err
	}
	a.kafka = b
	a.Log = b
	a.closers = append(a.closers, b)
	return nil
}

func (a *App) buildTracker(rdb *goredis.Client) (tracker.Tracker, error) {
	switch a.cfg.Tracker.Kind {
	case "sqlite":
		store, err := sqlite.NewOffsetStore(a.cfg.Tracker.SQLite.Dir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case "redis":
		return redisstore.NewOffsetStore(rdb, a.cfg.Redis.Prefix), nil
	case "replicated":
		rc := a.cfg.Tracker.Raft
		store, err := sqlite.NewOffsetStore(filepath.Join(a.cfg.Tracker.SQLite.Dir, fmt.Sprintf("node-%d", rc.NodeID)))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		r, err := tracker.NewReplicated(raftengine.Config{
			NodeID:              rc.NodeID,
			Address:             rc.Address,
			PeerAddresses:       a.cfg.RaftPeers(),
			Groups:              a.cfg.Broker.Partitions,
			BootstrapNewCluster: rc.Bootstrap,
			Logger:              a.log,
		}, store)
		if err != nil {
			return nil, err
		}
		if rc.CommitTimeout > 0 {
			r.CommitTimeout = rc.CommitTimeout
		}
		a.replicated = r
		return r, nil
	default:
		return tracker.NewMemory(), nil
	}
}

func (a *App) buildDeadLetter(ctx context.Context) (deadletter.Sink, error) {
	switch a.cfg.DeadLetter.Kind {
	case "rabbitmq":
		rc := a.cfg.DeadLetter.RabbitMQ
		s, err := rabbitmq.NewSink(rabbitmq.Config{Enabled: true, URL: rc.URL, Exchange: rc.Exchange, RoutingKey: rc.RoutingKey}, a.log)
		if err != nil {
			return nil, err
		}
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		return s, nil
	case "kafka":
		return kafka.NewDeadLetterSink(a.kafka, a.cfg.DeadLetter.Kafka.Topic)
	default:
		return deadletter.NewLogSink(a.log), nil
	}
}

func (a *App) buildDispatcher(sink deadletter.Sink, latest *redisstore.LatestStore) error {
	parts := make([]domain.PartitionID, 0, len(a.cfg.Dispatcher.Partitions))
	for _, p := range a.cfg.Dispatcher.Partitions {
		parts = append(parts, domain.PartitionID(p))
	}
	d, err := dispatcher.New(dispatcher.Config{Partitions: parts, BatchSize: a.cfg.Dispatcher.BatchSize}, a.Log, a.Tracker, sink, a.log)
	if err != nil {
		return err
	}
	for _, name := range a.cfg.Dispatcher.Handlers {
		var h dispatcher.Handler
		switch name {
		case config.HandlerNotification:
			h = handlers.NewNotification(a.log)
		case config.HandlerRiderTracking:
			h = a.Hub
		case config.HandlerLatest:
			h = latest
		}
		if err := d.Register(name, h); err != nil {
			return err
		}
	}
	a.Dispatcher = d
	return nil
}

// Run starts every enabled component and blocks until ctx is cancelled or
// one of them fails. A fatal dispatcher error is returned so the process
// exits non-zero.
func (a *App) Run(ctx context.Context) error {
	if a.kafka != nil {
		if err := a.kafka.EnsureTopic(ctx); err != nil {
			return err
		}
	}
	if a.replicated != nil {
		a.replicated.Start()
		a.closers = append(a.closers, closerFunc(a.replicated.Stop))
	}
	if a.cfg.Publisher.Recover {
		stats, err := a.Publisher.Recover(ctx, a.Log, a.Tracker)
		if err != nil {
			return fmt.Errorf("recover publisher state: %w", err)
		}
		a.log.Info("publisher recovered", "drivers", stats.Drivers, "records", stats.Records)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Dispatcher != nil {
		g.Go(func() error { return a.Dispatcher.Run(gctx) })
	}
	if a.HTTP != nil {
		g.Go(func() error { return a.HTTP.Run(gctx) })
	}
	if a.Socket != nil {
		g.Go(func() error { return a.Socket.Start(gctx) })
	}
	a.log.Info("locstream started", "node", a.cfg.Server.NodeID, "broker", a.cfg.Broker.Kind, "tracker", a.cfg.Tracker.Kind)
	return g.Wait()
}

// Shutdown drains the publisher and releases every backend.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Socket != nil {
		errs = append(errs, a.Socket.Close())
	}
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close(ctx))
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

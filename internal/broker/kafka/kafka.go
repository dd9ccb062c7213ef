package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"locstream/internal/broker"
	"locstream/internal/domain"
)

type Config struct {
	Brokers    []string
	Topic      string
	ClientID   string
	Partitions uint32
	// Replication is used only when the topic is created on startup.
	Replication int16
	CreateTopic bool
	// DeadLetterTopic is created next to Topic, with one partition, when set.
	DeadLetterTopic string
	Auth            AuthConfig
	Fetch           FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = broker.DefaultTopic
	}
	if c.Partitions == 0 {
		c.Partitions = 12
	}
	if c.Replication <= 0 {
		c.Replication = 1
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.Auth.SASL.Enabled && c.Auth.SASL.Username == "" {
		return errors.New("kafka.auth.sasl.username is required when sasl is enabled")
	}
	return nil
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.Auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: c.Auth.TLS.InsecureSkipVerify}))
	}
	if c.Auth.SASL.Enabled {
		opts = append(opts, kgo.SASL(plain.Auth{User: c.Auth.SASL.Username, Pass: c.Auth.SASL.Password}.AsMechanism()))
	}
	return opts
}

// Broker implements broker.Producer and broker.Log on a Kafka cluster.
// Records go to the partition chosen by the caller; franz-go's own
// partitioner is disabled.
type Broker struct {
	cfg    Config
	log    logr.Logger
	client *kgo.Client
	admin  *kadm.Client
	opts   []kgo.Opt

	produceSync func(context.Context, *kgo.Record) (*kgo.Record, error)
	endOffset   func(context.Context, domain.PartitionID) (int64, error)
	newPoller   func(domain.PartitionID, int64) (poller, error)
	createTopic func(ctx context.Context, partitions int32, topic string) error
}

type poller interface {
	PollRecords(ctx context.Context, max int) kgo.Fetches
	Close()
}

func New(cfg Config, log logr.Logger, opts ...kgo.Opt) (*Broker, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := append(cfg.baseOpts(),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	b := &Broker{
		cfg:    cfg,
		log:    log.WithName("kafka"),
		client: cl,
		admin:  kadm.NewClient(cl),
		opts:   opts,
	}
	b.produceSync = func(ctx context.Context, r *kgo.Record) (*kgo.Record, error) {
		return cl.ProduceSync(ctx, r).First()
	}
	b.endOffset = b.listEndOffset
	b.newPoller = b.openPoller
	b.createTopic = func(ctx context.Context, partitions int32, topic string) error {
		resp, err := b.admin.CreateTopic(ctx, partitions, b.cfg.Replication, nil, topic)
		if err != nil {
			return err
		}
		return resp.Err
	}
	return b, nil
}

type topicSpec struct {
	name       string
	partitions int32
}

// EnsureTopic creates the topic with the configured partition count, and
// the dead letter topic when one is configured, unless they exist already.
func (b *Broker) EnsureTopic(ctx context.Context) error {
	if !b.cfg.CreateTopic {
		return nil
	}
	topics := []topicSpec{{b.cfg.Topic, int32(b.cfg.Partitions)}}
	if b.cfg.DeadLetterTopic != "" {
		topics = append(topics, topicSpec{b.cfg.DeadLetterTopic, 1})
	}
	for _, t := range topics {
		if err := b.createTopic(ctx, t.partitions, t.name); err != nil && !isTopicExists(err) {
			return fmt.Errorf("create topic %s: %w", t.name, err)
		}
		b.log.Info("topic ready", "topic", t.name, "partitions", t.partitions)
	}
	return nil
}

func (b *Broker) Partitions() uint32 { return b.cfg.Partitions }

func (b *Broker) Produce(ctx context.Context, rec broker.Record) (broker.Record, error) {
	out, err := b.produceSync(ctx, &kgo.Record{
		Topic:     b.cfg.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Partition: int32(rec.Partition),
	})
	if err != nil {
		return broker.Record{}, fmt.Errorf("produce partition=%d: %w", rec.Partition, err)
	}
	return fromKgo(out), nil
}

func (b *Broker) EndOffset(ctx context.Context, partition domain.PartitionID) (int64, error) {
	return b.endOffset(ctx, partition)
}

func (b *Broker) listEndOffset(ctx context.Context, partition domain.PartitionID) (int64, error) {
	listed, err := b.admin.ListEndOffsets(ctx, b.cfg.Topic)
	if err != nil {
		return 0, fmt.Errorf("list end offsets: %w", err)
	}
	lo, ok := listed.Lookup(b.cfg.Topic, int32(partition))
	if !ok {
		return 0, fmt.Errorf("no end offset for %s/%d", b.cfg.Topic, partition)
	}
	if lo.Err != nil {
		return 0, fmt.Errorf("end offset %s/%d: %w", b.cfg.Topic, partition, lo.Err)
	}
	return lo.Offset, nil
}

func (b *Broker) OpenReader(_ context.Context, partition domain.PartitionID, from int64) (broker.Reader, error) {
	if uint32(partition) >= b.cfg.Partitions {
		return nil, fmt.Errorf("partition %d out of range [0,%d)", partition, b.cfg.Partitions)
	}
	p, err := b.newPoller(partition, from)
	if err != nil {
		return nil, err
	}
	return &reader{poller: p, partition: partition}, nil
}

// openPoller builds a dedicated client consuming one partition directly,
// without a consumer group. Offsets are owned by the delivery tracker.
func (b *Broker) openPoller(partition domain.PartitionID, from int64) (poller, error) {
	offset := kgo.NewOffset().AtStart()
	if from >= 0 {
		offset = kgo.NewOffset().At(from)
	}
	kopts := append(b.cfg.baseOpts(),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			b.cfg.Topic: {int32(partition): offset},
		}),
		kgo.FetchMaxWait(b.cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(b.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(b.cfg.Fetch.MaxBytes),
	)
	kopts = append(kopts, b.opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka reader partition=%d: %w", partition, err)
	}
	return cl, nil
}

func (b *Broker) Close() error {
	b.client.Close()
	return nil
}

type reader struct {
	poller    poller
	partition domain.PartitionID
	pending   []broker.Record
}

func (r *reader) Fetch(ctx context.Context, max int) ([]broker.Record, error) {
	if max <= 0 {
		max = 1
	}
	for len(r.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetches := r.poller.PollRecords(ctx, max)
		if fetches.IsClientClosed() {
			return nil, kgo.ErrClientClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			r.pending = append(r.pending, fromKgo(rec))
		})
	}
	n := max
	if n > len(r.pending) {
		n = len(r.pending)
	}
	out := r.pending[:n:n]
	r.pending = r.pending[n:]
	return out, nil
}

func (r *reader) Close() error {
	r.poller.Close()
	return nil
}

func fromKgo(rec *kgo.Record) broker.Record {
	return broker.Record{
		Key:       rec.Key,
		Value:     rec.Value,
		Partition: domain.PartitionID(rec.Partition),
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp.UTC(),
	}
}

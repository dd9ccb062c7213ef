package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Socket     SocketConfig     `mapstructure:"socket"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Sequence   SequenceConfig   `mapstructure:"sequence"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SocketConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Address     string `mapstructure:"address"`
	AuthToken   string `mapstructure:"auth_token"`
	MaxInflight int    `mapstructure:"max_inflight"`
}

type BrokerConfig struct {
	Kind       string      `mapstructure:"kind"`
	Topic      string      `mapstructure:"topic"`
	Partitions uint32      `mapstructure:"partitions"`
	Kafka      KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	ClientID    string   `mapstructure:"client_id"`
	Replication int16    `mapstructure:"replication"`
	CreateTopic bool     `mapstructure:"create_topic"`
	TLS         bool     `mapstructure:"tls"`
	SASL        struct {
		Enabled  bool   `mapstructure:"enabled"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"sasl"`
}

type PublisherConfig struct {
	Window         int           `mapstructure:"window"`
	MaxRetries     int           `mapstructure:"max_retries"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Recover        bool          `mapstructure:"recover"`
}

type SequenceConfig struct {
	Kind string `mapstructure:"kind"`
}

type DispatcherConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Partitions []uint32 `mapstructure:"partitions"`
	BatchSize  int      `mapstructure:"batch_size"`
	Handlers   []string `mapstructure:"handlers"`
}

type TrackerConfig struct {
	Kind         string        `mapstructure:"kind"`
	Retries      int           `mapstructure:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	SQLite       SQLiteConfig  `mapstructure:"sqlite"`
	Raft         RaftConfig    `mapstructure:"raft"`
}

type SQLiteConfig struct {
	Dir string `mapstructure:"dir"`
}

type RaftConfig struct {
	NodeID        uint64        `mapstructure:"node_id"`
	Address       string        `mapstructure:"address"`
	Peers         []PeerConfig  `mapstructure:"peers"`
	Bootstrap     bool          `mapstructure:"bootstrap"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

type PeerConfig struct {
	ID      uint64 `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

type DeadLetterConfig struct {
	Kind     string               `mapstructure:"kind"`
	RabbitMQ RabbitMQDeadLetter   `mapstructure:"rabbitmq"`
	Kafka    KafkaDeadLetterTopic `mapstructure:"kafka"`
}

type RabbitMQDeadLetter struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type KafkaDeadLetterTopic struct {
	Topic string `mapstructure:"topic"`
}

type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	Prefix    string        `mapstructure:"prefix"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Handler names accepted in dispatcher.handlers.
const (
	HandlerNotification  = "notification"
	HandlerRiderTracking = "ridertracking"
	HandlerLatest        = "latest"
)

// Load reads path (yaml or toml) and applies LOCSTREAM_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("locstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "locstream-1")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("socket.enabled", false)
	v.SetDefault("socket.address", ":7070")
	v.SetDefault("socket.max_inflight", 256)
	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.topic", "driver-location-updates")
	v.SetDefault("broker.partitions", 12)
	v.SetDefault("broker.kafka.client_id", "locstream")
	v.SetDefault("broker.kafka.replication", 1)
	v.SetDefault("publisher.window", 1024)
	v.SetDefault("publisher.max_retries", 3)
	v.SetDefault("publisher.ack_timeout", 30*time.Second)
	v.SetDefault("publisher.backoff_initial", 100*time.Millisecond)
	v.SetDefault("publisher.backoff_max", 5*time.Second)
	v.SetDefault("publisher.recover", true)
	v.SetDefault("sequence.kind", "memory")
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.handlers", []string{HandlerNotification, HandlerRiderTracking})
	v.SetDefault("tracker.kind", "memory")
	v.SetDefault("tracker.retries", 5)
	v.SetDefault("tracker.retry_backoff", 100*time.Millisecond)
	v.SetDefault("tracker.sqlite.dir", "data")
	v.SetDefault("tracker.raft.node_id", 1)
	v.SetDefault("tracker.raft.address", "127.0.0.1:7400")
	v.SetDefault("tracker.raft.bootstrap", true)
	v.SetDefault("tracker.raft.commit_timeout", "5s")
	v.SetDefault("deadletter.kind", "log")
	v.SetDefault("deadletter.rabbitmq.exchange", "locstream.dead")
	v.SetDefault("deadletter.rabbitmq.routing_key", "driver-location-updates.dead")
	v.SetDefault("deadletter.kafka.topic", "driver-location-updates.dead")
	v.SetDefault("redis.prefix", "locstream:")
	v.SetDefault("redis.latest_ttl", 10*time.Minute)
	v.SetDefault("log.level", "info")
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s=%q must be one of %s", field, value, strings.Join(allowed, "|"))
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(oneOf("broker.kind", c.Broker.Kind, "memory", "kafka"))
	add(oneOf("sequence.kind", c.Sequence.Kind, "memory", "redis"))
	add(oneOf("tracker.kind", c.Tracker.Kind, "memory", "sqlite", "redis", "replicated"))
	add(oneOf("deadletter.kind", c.DeadLetter.Kind, "log", "rabbitmq", "kafka"))

	if c.Broker.Partitions == 0 || c.Broker.Partitions > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("broker.partitions must be in [1, %d]", math.MaxUint16))
	}
	for _, p := range c.Dispatcher.Partitions {
		if p >= c.Broker.Partitions {
			errs = append(errs, fmt.Errorf("dispatcher.partitions: %d out of range", p))
		}
	}
	if c.Publisher.Window < 0 {
		errs = append(errs, errors.New("publisher.window must not be negative"))
	}
	if c.Socket.Enabled && c.Socket.MaxInflight <= 0 {
		errs = append(errs, errors.New("socket.max_inflight must be positive"))
	}
	if !c.HTTP.Enabled && !c.Socket.Enabled && !c.Dispatcher.Enabled {
		errs = append(errs, errors.New("nothing to run: http, socket and dispatcher are all disabled"))
	}

	needsKafka := c.Broker.Kind == "kafka"
	if c.DeadLetter.Kind == "kafka" && !needsKafka {
		errs = append(errs, errors.New("deadletter.kind=kafka requires broker.kind=kafka"))
	}
	if needsKafka && len(c.Broker.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("broker.kafka.brokers is required for broker.kind=kafka"))
	}
	if c.DeadLetter.Kind == "rabbitmq" && c.DeadLetter.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("deadletter.rabbitmq.url is required for deadletter.kind=rabbitmq"))
	}
	if c.needsRedis() && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required by the configured sequence, tracker or handlers"))
	}
	if c.Tracker.Kind == "replicated" {
		if c.Tracker.Raft.NodeID == 0 {
			errs = append(errs, errors.New("tracker.raft.node_id is required"))
		}
		if c.Tracker.Raft.Address == "" {
			errs = append(errs, errors.New("tracker.raft.address is required"))
		}
	}
	for _, h := range c.Dispatcher.Handlers {
		add(oneOf("dispatcher.handlers", h, HandlerNotification, HandlerRiderTracking, HandlerLatest))
	}
	if c.Dispatcher.Enabled && len(c.Dispatcher.Handlers) == 0 {
		errs = append(errs, errors.New("dispatcher.handlers must not be empty when the dispatcher is enabled"))
	}
	return errors.Join(errs...)
}

func (c Config) needsRedis() bool {
	if c.Sequence.Kind == "redis" || c.Tracker.Kind == "redis" {
		return true
	}
	for _, h := range c.Dispatcher.Handlers {
		if h == HandlerLatest {
			return true
		}
	}
	return false
}

// HasHandler reports whether name is listed in dispatcher.handlers.
func (c Config) HasHandler(name string) bool {
	for _, h := range c.Dispatcher.Handlers {
		if h == name {
			return true
		}
	}
	return false
}

// RaftPeers returns the peer address map including this node.
func (c Config) RaftPeers() map[uint64]string {
	peers := map[uint64]string{c.Tracker.Raft.NodeID: c.Tracker.Raft.Address}
	for _, p := range c.Tracker.Raft.Peers {
		peers[p.ID] = p.Address
	}
	return peers
}

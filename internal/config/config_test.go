package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("LOCSTREAM_BROKER_PARTITIONS", "24")
	t.Setenv("LOCSTREAM_SOCKET_ENABLED", "true")

	path := writeFile(t, "locstream.yaml", `
server:
  node_id: n1
broker:
  kind: kafka
  partitions: 6
  kafka:
    brokers: ["127.0.0.1:9092"]
publisher:
  window: 64
  ack_timeout: 2s
deadletter:
  kind: kafka
dispatcher:
  partitions: [0, 20]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Broker.Partitions != 24 {
		t.Fatalf("expected env override of partitions, got %d", cfg.Broker.Partitions)
	}
	if !cfg.Socket.Enabled {
		t.Fatalf("expected env override to enable socket")
	}
	if cfg.Publisher.Window != 64 || cfg.Publisher.AckTimeout != 2*time.Second {
		t.Fatalf("unexpected publisher config: %+v", cfg.Publisher)
	}
	if cfg.Broker.Kafka.Brokers[0] != "127.0.0.1:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Broker.Kafka.Brokers)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "locstream.toml", `
[server]
node_id = "n2"

[tracker]
kind = "sqlite"

[tracker.sqlite]
dir = "/var/lib/locstream"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Server.NodeID != "n2" {
		t.Fatalf("unexpected node id: %q", cfg.Server.NodeID)
	}
	if cfg.Tracker.Kind != "sqlite" || cfg.Tracker.SQLite.Dir != "/var/lib/locstream" {
		t.Fatalf("unexpected tracker config: %+v", cfg.Tracker)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Broker.Kind != "memory" || cfg.Broker.Partitions != 12 || cfg.Broker.Topic != "driver-location-updates" {
		t.Fatalf("unexpected broker defaults: %+v", cfg.Broker)
	}
	if cfg.Publisher.Window != 1024 || cfg.Publisher.MaxRetries != 3 {
		t.Fatalf("unexpected publisher defaults: %+v", cfg.Publisher)
	}
	if !cfg.HasHandler(HandlerNotification) || !cfg.HasHandler(HandlerRiderTracking) || cfg.HasHandler(HandlerLatest) {
		t.Fatalf("unexpected handlers: %v", cfg.Dispatcher.Handlers)
	}
	if cfg.Tracker.Raft.CommitTimeout != 5*time.Second {
		t.Fatalf("unexpected raft commit timeout: %v", cfg.Tracker.Raft.CommitTimeout)
	}
	if cfg.HTTP.Address != ":8080" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected http/log defaults: %+v %+v", cfg.HTTP, cfg.Log)
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"node id", func(c *Config) { c.Server.NodeID = "" }, "server.node_id"},
		{"broker kind", func(c *Config) { c.Broker.Kind = "nats" }, "broker.kind"},
		{"zero partitions", func(c *Config) { c.Broker.Partitions = 0 }, "broker.partitions"},
		{"dispatcher partition", func(c *Config) { c.Dispatcher.Partitions = []uint32{12} }, "out of range"},
		{"kafka brokers", func(c *Config) { c.Broker.Kind = "kafka" }, "broker.kafka.brokers"},
		{"kafka dlq without kafka", func(c *Config) { c.DeadLetter.Kind = "kafka" }, "requires broker.kind=kafka"},
		{"rabbitmq url", func(c *Config) { c.DeadLetter.Kind = "rabbitmq" }, "deadletter.rabbitmq.url"},
		{"redis sequence", func(c *Config) { c.Sequence.Kind = "redis" }, "redis.url"},
		{"latest handler", func(c *Config) { c.Dispatcher.Handlers = []string{HandlerLatest} }, "redis.url"},
		{"unknown handler", func(c *Config) { c.Dispatcher.Handlers = []string{"sms"} }, "dispatcher.handlers"},
		{"raft node", func(c *Config) { c.Tracker.Kind = "replicated"; c.Tracker.Raft.NodeID = 0 }, "tracker.raft.node_id"},
		{"nothing to run", func(c *Config) { c.HTTP.Enabled = false; c.Dispatcher.Enabled = false }, "nothing to run"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestRaftPeersIncludesSelf(t *testing.T) {
	cfg := validConfig(t)
	cfg.Tracker.Raft.Peers = []PeerConfig{{ID: 2, Address: "10.0.0.2:7400"}}
	peers := cfg.RaftPeers()
	if len(peers) != 2 || peers[1] != "127.0.0.1:7400" || peers[2] != "10.0.0.2:7400" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}

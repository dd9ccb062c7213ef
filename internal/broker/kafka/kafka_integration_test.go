package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"locstream/internal/broker"
	"locstream/internal/deadletter"
)

func TestRedpandaRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	addr := fmt.Sprintf("%s:%s", host, port.Port())

	b, err := New(Config{Brokers: []string{addr}, Partitions: 3, CreateTopic: true, DeadLetterTopic: "locations.dlq"}, logr.Discard())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	defer b.Close()

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.EnsureTopic(runCtx); err != nil {
		t.Fatalf("ensure topic: %v", err)
	}
	for i := 0; i < 3; i++ {
		ack, err := b.Produce(runCtx, broker.Record{Key: []byte("d1"), Value: []byte{byte(i)}, Partition: 1})
		if err != nil {
			t.Fatalf("produce %d: %v", i, err)
		}
		if ack.Offset != int64(i) {
			t.Fatalf("offset = %d, want %d", ack.Offset, i)
		}
	}
	end, err := b.EndOffset(runCtx, 1)
	if err != nil || end != 3 {
		t.Fatalf("end offset = %d, %v", end, err)
	}

	r, err := b.OpenReader(runCtx, 1, 1)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	var got []broker.Record
	for len(got) < 2 {
		recs, err := r.Fetch(runCtx, 10)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		got = append(got, recs...)
	}
	if got[0].Offset != 1 || got[0].Value[0] != 1 || got[1].Value[0] != 2 {
		t.Fatalf("unexpected records: %+v", got)
	}

	if err := b.EnsureTopic(runCtx); err != nil {
		t.Fatalf("ensure existing topics: %v", err)
	}
	sink, err := NewDeadLetterSink(b, "locations.dlq")
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(runCtx, deadletter.Letter{Raw: []byte{0xff}, Key: []byte("d1"), Err: errors.New("bad frame"), Partition: 1, Offset: 2}); err != nil {
		t.Fatalf("dead letter to created topic: %v", err)
	}
}

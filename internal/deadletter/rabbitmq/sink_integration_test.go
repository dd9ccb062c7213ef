package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"locstream/internal/deadletter"
)

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return url, func() { _ = c.Terminate(ctx) }
}

func TestSinkPublishesToBoundQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	s, err := NewSink(Config{Enabled: true, URL: url, Exchange: "locstream.dead"}, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var connectErr error
	for i := 0; i < 20; i++ {
		if connectErr = s.Connect(ctx); connectErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if connectErr != nil {
		t.Fatalf("connect: %v", connectErr)
	}
	defer s.Close()

	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatal(err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.QueueBind(q.Name, "driver-location-updates.dead", "locstream.dead", false, nil); err != nil {
		t.Fatal(err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatal(err)
	}

	letter := deadletter.Letter{Raw: []byte{0xff, 0x01}, Key: []byte("d1"), Err: errors.New("corrupt payload: truncated"), Partition: 3, Offset: 42}
	if err := s.Send(ctx, letter); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case d := <-deliveries:
		if string(d.Body) != string(letter.Raw) {
			t.Fatalf("body = %x", d.Body)
		}
		if d.Headers["error"] != "corrupt payload: truncated" || d.Headers["offset"] != int64(42) || d.Headers["key"] != "d1" {
			t.Fatalf("headers = %v", d.Headers)
		}
	case <-ctx.Done():
		t.Fatal("dead letter never delivered")
	}
}

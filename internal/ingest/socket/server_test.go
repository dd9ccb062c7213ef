package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"locstream/internal/broker"
	"locstream/internal/codec"
	"locstream/internal/hashroute"
	"locstream/internal/metrics"
	"locstream/internal/publisher"
	"locstream/internal/sequence"
)

const testPartitions = 4

func startTestServer(t *testing.T, window int, log *broker.MemoryLog) (*Server, *publisher.Publisher, string) {
	t.Helper()
	pub, err := publisher.New(publisher.Config{Partitions: testPartitions, Window: window}, log, sequence.NewMemory(), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0", MaxInflight: 64, GlobalQueueLimit: 2048, AuthToken: "secret", Queues: testPartitions}, pub, logr.Discard())
	go func() { _ = s.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
		_ = pub.Close(context.Background())
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, pub, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server not started")
	return nil, nil, ""
}

func publishReq(id, driver string, lat float64) *SocketRequest {
	return &SocketRequest{
		RequestId: id,
		AuthToken: "secret",
		Operation: int32(OperationPublish),
		Publish:   &PublishRequest{DriverId: driver, Latitude: lat, Longitude: 3.39},
	}
}

func request(t *testing.T, addr string, req *SocketRequest) *SocketResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := DialAndRequest(ctx, "tcp", addr, req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestPublishReturnsBrokerAck(t *testing.T) {
	log := broker.NewMemoryLog(testPartitions)
	_, _, addr := startTestServer(t, 16, log)

	for i := 1; i <= 2; i++ {
		resp := request(t, addr, publishReq(fmt.Sprint(i), "d1", 6.45))
		if resp.ErrorCode != int32(ErrorCodeOK) || resp.Ack == nil || !resp.Ack.Accepted {
			t.Fatalf("bad response: %+v", resp)
		}
		if resp.Ack.Sequence != uint64(i) || resp.Ack.Offset != int64(i-1) {
			t.Fatalf("ack %d: %+v", i, resp.Ack)
		}
		if resp.Ack.Partition != hashroute.PartitionFor("d1", testPartitions) {
			t.Fatalf("unexpected partition %d", resp.Ack.Partition)
		}
	}
	if n := len(log.Records(0)) + len(log.Records(1)) + len(log.Records(2)) + len(log.Records(3)); n != 2 {
		t.Fatalf("expected 2 records in the log, got %d", n)
	}
}

func TestRejectsBadToken(t *testing.T) {
	_, _, addr := startTestServer(t, 16, broker.NewMemoryLog(testPartitions))
	req := publishReq("r1", "d1", 1)
	req.AuthToken = "wrong"
	if resp := request(t, addr, req); resp.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %+v", resp)
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	_, _, addr := startTestServer(t, 16, broker.NewMemoryLog(testPartitions))
	cases := map[string]*SocketRequest{
		"latitude":     publishReq("r1", "d1", 120),
		"empty driver": publishReq("r2", "", 1),
		"no payload":   {RequestId: "r3", AuthToken: "secret", Operation: int32(OperationPublish)},
		"no operation": {RequestId: "r4", AuthToken: "secret"},
	}
	for name, req := range cases {
		if resp := request(t, addr, req); resp.ErrorCode != int32(ErrorCodeBadRequest) || resp.RequestId != req.RequestId {
			t.Fatalf("%s: expected bad request, got %+v", name, resp)
		}
	}
}

func TestPingAndHealth(t *testing.T) {
	_, _, addr := startTestServer(t, 16, broker.NewMemoryLog(testPartitions))
	resp := request(t, addr, &SocketRequest{RequestId: "p", AuthToken: "secret", Operation: int32(OperationPing), Ping: &PingRequest{}})
	if resp.ErrorCode != int32(ErrorCodeOK) || resp.Pong == nil || resp.Pong.UnixTimeNs == 0 {
		t.Fatalf("bad pong: %+v", resp)
	}
	resp = request(t, addr, &SocketRequest{RequestId: "h", AuthToken: "secret", Operation: int32(OperationHealth)})
	if resp.Health == nil || !resp.Health.Ok {
		t.Fatalf("bad health: %+v", resp)
	}
}

func TestOverloadedWhenWindowFull(t *testing.T) {
	log := broker.NewMemoryLog(testPartitions)
	release := make(chan struct{})
	log.ProduceHook = func(broker.Record) error {
		<-release
		return nil
	}
	_, pub, addr := startTestServer(t, 1, log)

	first := make(chan *SocketResponse, 1)
	go func() {
		resp, err := DialAndRequest(context.Background(), "tcp", addr, publishReq("r1", "d1", 1))
		if err != nil {
			t.Error(err)
		}
		first <- resp
	}()
	deadline := time.Now().Add(2 * time.Second)
	for pub.InFlight() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first publish never took the window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := request(t, addr, publishReq("r2", "d2", 1))
	if resp.ErrorCode != int32(ErrorCodeOverloaded) || !Retryable(resp.ErrorCode) {
		t.Fatalf("expected overloaded, got %+v", resp)
	}
	close(release)
	if resp := <-first; resp == nil || resp.ErrorCode != int32(ErrorCodeOK) {
		t.Fatalf("first publish: %+v", resp)
	}
}

func TestPipelinedRequestsKeepDriverOrder(t *testing.T) {
	_, _, addr := startTestServer(t, 128, broker.NewMemoryLog(testPartitions))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	const n = 50
	w := bufio.NewWriter(conn)
	for i := 0; i < n; i++ {
		payload, err := MarshalMessage(publishReq(fmt.Sprint(i), "d1", 1))
		if err != nil {
			t.Fatal(err)
		}
		if err := codec.WriteFrame(w, payload); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(conn)
	for i := 0; i < n; i++ {
		frame, err := codec.ReadFrame(r)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := UnmarshalResponse(frame)
		if err != nil {
			t.Fatal(err)
		}
		if resp.ErrorCode != int32(ErrorCodeOK) {
			t.Fatalf("request %s: %+v", resp.RequestId, resp)
		}
		var idx int
		fmt.Sscan(resp.RequestId, &idx)
		if resp.Ack.Sequence != uint64(idx+1) || resp.Ack.Offset != int64(idx) {
			t.Fatalf("request %d got sequence %d offset %d", idx, resp.Ack.Sequence, resp.Ack.Offset)
		}
	}
}

func TestConcurrentLoad(t *testing.T) {
	_, _, addr := startTestServer(t, 1024, broker.NewMemoryLog(testPartitions))

	const clients = 20
	const perClient = 40
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			driver := fmt.Sprintf("driver-%d", c)
			for j := 0; j < perClient; j++ {
				resp, err := DialAndRequest(context.Background(), "tcp", addr, publishReq(fmt.Sprintf("%d-%d", c, j), driver, 1))
				if err != nil {
					errCh <- err
					return
				}
				if resp.ErrorCode != int32(ErrorCodeOK) {
					errCh <- fmt.Errorf("code=%d", resp.ErrorCode)
					return
				}
				if resp.Ack.Sequence != uint64(j+1) {
					errCh <- fmt.Errorf("%s: sequence %d, want %d", driver, resp.Ack.Sequence, j+1)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestCloseStopsServer(t *testing.T) {
	s, _, addr := startTestServer(t, 16, broker.NewMemoryLog(testPartitions))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("close hung with an idle connection open")
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail after close")
	}
}

func TestFullWriterQueueClosesConnection(t *testing.T) {
	s := NewServer(Config{Network: "tcp", Address: "127.0.0.1:0"}, nil, logr.Discard())
	server, client := net.Pipe()
	defer client.Close()
	conn := &connection{c: server, writerQ: make(chan *SocketResponse, 1), inflight: make(chan struct{}, 1)}
	conn.writerQ <- &SocketResponse{RequestId: "queued"}

	dropped := testutil.ToFloat64(metrics.ResponsesDroppedTotal.WithLabelValues("socket"))
	s.reply(conn, &SocketResponse{RequestId: "r2"})

	if got := testutil.ToFloat64(metrics.ResponsesDroppedTotal.WithLabelValues("socket")); got != dropped+1 {
		t.Fatalf("dropped responses = %v, want %v", got, dropped+1)
	}
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected closed connection, got %v", err)
	}
}

package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"locstream/internal/codec"
	"locstream/internal/domain"
	"locstream/internal/hashroute"
	"locstream/internal/metrics"
	"locstream/internal/publisher"
)

var errWriterQueueFull = errors.New("response dropped, writer queue full")

// Publisher is the part of *publisher.Publisher the socket server needs.
type Publisher interface {
	Publish(ctx context.Context, u domain.LocationUpdate, opts ...publisher.Option) (*publisher.Future, error)
	InFlight() int
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	// Queues is the number of ordered worker queues; requests for one
	// driver always share a queue.
	Queues     uint32
	AckTimeout time.Duration
	TLSConfig  *tls.Config
}

func (c *Config) withDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 64
	}
	if c.GlobalQueueLimit <= 0 {
		c.GlobalQueueLimit = 4096
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Queues == 0 {
		c.Queues = hashroute.DefaultPartitionCount
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
}

type Server struct {
	cfg     Config
	pub     Publisher
	log     logr.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool

	mu    sync.Mutex
	conns map[*connection]struct{}

	connWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
	// pending counts requests whose response is not queued yet; writerQ
	// closes only after it drains.
	pending sync.WaitGroup
}

func NewServer(cfg Config, pub Publisher, log logr.Logger) *Server {
	cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		pub:     pub,
		log:     log.WithName("socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, cfg.Queues),
		conns:   make(map[*connection]struct{}),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("socket ingress listening", "network", s.cfg.Network, "address", ln.Addr().String())

	for i := range s.partQ {
		s.workerWG.Add(1)
		go s.runQueueWorker(s.partQ[i])
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting, disconnects clients once their outstanding
// publishes are answered, then stops the workers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	s.connWG.Wait()
	for _, q := range s.partQ {
		close(q)
	}
	s.workerWG.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(2)
	s.mu.Unlock()
	go func() { defer s.connWG.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.connWG.Done()
		s.readLoop(ctx, conn)
		conn.pending.Wait()
		close(conn.writerQ)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
}

func (s *Server) writeLoop(conn *connection) {
	defer conn.c.Close()
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.log.Error(err, "marshal response", "request", res.RequestId)
			continue
		}
		if err := codec.WriteFrame(w, payload); err != nil {
			s.drain(conn)
			return
		}
		if len(conn.writerQ) > 0 {
			continue
		}
		if err := w.Flush(); err != nil {
			s.drain(conn)
			return
		}
	}
}

// drain discards responses after the peer went away so senders never block.
func (s *Server) drain(conn *connection) {
	_ = conn.c.Close()
	for range conn.writerQ {
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := codec.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.reply(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.reply(conn, errResponse(req, ErrorCodeBadRequest, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.reply(conn, errResponse(req, ErrorCodeUnauthenticated, "invalid auth token"))
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.reply(conn, errResponse(req, ErrorCodeOverloaded, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.reply(conn, errResponse(req, ErrorCodeOverloaded, "adapter queue overloaded"))
			continue
		}

		conn.pending.Add(1)
		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[s.queueFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.reply(conn, errResponse(req, ErrorCodeOverloaded, "queue overloaded"))
			conn.pending.Done()
		}
	}
}

func (s *Server) queueFor(req *SocketRequest) uint32 {
	if req.Publish != nil {
		return hashroute.PartitionFor(req.Publish.DriverId, s.cfg.Queues)
	}
	return 0
}

// runQueueWorker hands requests to the publisher in arrival order. Acks are
// awaited off the worker so one slow broker write does not stall the queue.
func (s *Server) runQueueWorker(q chan queuedRequest) {
	defer s.workerWG.Done()
	for qr := range q {
		if Operation(qr.req.Operation) != OperationPublish {
			res := s.handleRequest(qr.req)
			qr.release()
			s.reply(qr.conn, res)
			qr.conn.pending.Done()
			continue
		}
		f, res := s.publish(qr.ctx, qr.req)
		if f == nil {
			qr.release()
			s.reply(qr.conn, res)
			qr.conn.pending.Done()
			continue
		}
		go func(qr queuedRequest) {
			res := s.awaitAck(f, qr.req)
			qr.release()
			s.reply(qr.conn, res)
			qr.conn.pending.Done()
		}(qr)
	}
}

func (s *Server) handleRequest(req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		res.Health = &HealthResponse{Ok: !s.closed.Load(), InFlight: int64(s.pub.InFlight())}
	default:
		return errResponse(req, ErrorCodeBadRequest, "unknown operation")
	}
	return res
}

func (s *Server) publish(ctx context.Context, req *SocketRequest) (*publisher.Future, *SocketResponse) {
	p := req.Publish
	u := domain.LocationUpdate{DriverID: p.DriverId, Latitude: p.Latitude, Longitude: p.Longitude}
	if p.TimestampUtcMs != 0 {
		u.Timestamp = time.UnixMilli(p.TimestampUtcMs).UTC()
	}
	f, err := s.pub.Publish(ctx, u, publisher.NonBlocking())
	if err != nil {
		return nil, s.errorFor(req, err)
	}
	return f, nil
}

func (s *Server) awaitAck(f *publisher.Future, req *SocketRequest) *SocketResponse {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	ack, err := f.Wait(ctx)
	if err != nil {
		return s.errorFor(req, err)
	}
	return &SocketResponse{
		RequestId: req.RequestId,
		ErrorCode: int32(ErrorCodeOK),
		Ack: &AckResponse{
			Accepted:  true,
			DriverId:  ack.DriverID,
			Sequence:  ack.Sequence,
			Partition: uint32(ack.Partition),
			Offset:    ack.Offset,
		},
	}
}

func (s *Server) errorFor(req *SocketRequest, err error) *SocketResponse {
	var fe *codec.InvalidFieldError
	switch {
	case errors.As(err, &fe):
		return errResponse(req, ErrorCodeBadRequest, err.Error())
	case errors.Is(err, publisher.ErrBackpressure), errors.Is(err, publisher.ErrClosed):
		return errResponse(req, ErrorCodeOverloaded, err.Error())
	default:
		s.log.Error(err, "publish failed", "request", req.RequestId)
		return errResponse(req, ErrorCodeInternal, err.Error())
	}
}

func errResponse(req *SocketRequest, code ErrorCode, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(code), ErrorMessage: msg}
}

func (s *Server) reply(conn *connection, res *SocketResponse) {
	metrics.IngressRequestsTotal.WithLabelValues("socket", ErrorCode(res.ErrorCode).String()).Inc()
	select {
	case conn.writerQ <- res:
	default:
		metrics.ResponsesDroppedTotal.WithLabelValues("socket").Inc()
		s.log.Error(errWriterQueueFull, "closing connection", "request", res.RequestId, "remote", conn.c.RemoteAddr().String())
		_ = conn.c.Close()
	}
}

// DialAndRequest sends one request on a fresh connection and reads the reply.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := codec.WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := codec.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }

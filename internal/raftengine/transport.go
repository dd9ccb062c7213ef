package raftengine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/raft/v3/raftpb"

	"locstream/internal/codec"
)

// Group ids travel as two bytes in front of every message.
const maxGroups = math.MaxUint16

const (
	dialTimeout  = 500 * time.Millisecond
	writeTimeout = time.Second
	peerIdle     = 30 * time.Second
	peerQueue    = 1024
)

type messageHandler func(group uint32, msg raftpb.Message)

type envelope struct {
	group uint32
	msg   raftpb.Message
}

// tcpTransport keeps one outbound connection per peer and multiplexes every
// group over it. Messages that cannot be delivered are dropped; raft
// retransmits what matters.
type tcpTransport struct {
	nodeID   uint64
	log      logr.Logger
	handler  messageHandler
	listener net.Listener
	groups   uint32

	outbound map[uint64]chan envelope
	closed   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	inbound map[net.Conn]struct{}
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, groups uint32, log logr.Logger, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raft listen %s: %w", addr, err)
	}
	t := &tcpTransport{
		nodeID:   nodeID,
		log:      log,
		handler:  handler,
		listener: ln,
		groups:   groups,
		outbound: make(map[uint64]chan envelope, len(peers)),
		closed:   make(chan struct{}),
		inbound:  make(map[net.Conn]struct{}),
	}
	for peer, peerAddr := range peers {
		if peer == nodeID {
			continue
		}
		ch := make(chan envelope, peerQueue)
		t.outbound[peer] = ch
		t.wg.Add(1)
		go t.sender(peer, peerAddr, ch)
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) send(to uint64, group uint32, msg raftpb.Message) error {
	ch, ok := t.outbound[to]
	if !ok {
		return fmt.Errorf("unknown peer %d", to)
	}
	if group >= t.groups {
		return fmt.Errorf("unknown group %d", group)
	}
	select {
	case ch <- envelope{group: group, msg: msg}:
		return nil
	default:
		return fmt.Errorf("peer %d queue full", to)
	}
}

func (t *tcpTransport) sender(peer uint64, addr string, ch <-chan envelope) {
	defer t.wg.Done()
	var (
		conn net.Conn
		w    *bufio.Writer
	)
	drop := func() {
		if conn != nil {
			_ = conn.Close()
			conn, w = nil, nil
		}
	}
	defer drop()
	for {
		select {
		case <-t.closed:
			return
		case env := <-ch:
			if conn == nil {
				c, err := net.DialTimeout("tcp", addr, dialTimeout)
				if err != nil {
					t.log.V(2).Info("peer unreachable", "peer", peer, "err", err.Error())
					continue
				}
				conn, w = c, bufio.NewWriter(c)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := writeEnvelope(w, env.group, env.msg); err != nil {
				t.log.V(1).Info("peer write failed", "peer", peer, "err", err.Error())
				drop()
				continue
			}
			if len(ch) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				t.log.V(1).Info("peer flush failed", "peer", peer, "err", err.Error())
				drop()
			}
		}
	}
}

func (t *tcpTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.receive(conn)
	}
}

func (t *tcpTransport) receive(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()
	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(peerIdle))
		group, msg, err := readEnvelope(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.V(1).Info("peer connection closed", "remote", conn.RemoteAddr().String(), "err", err.Error())
			}
			return
		}
		t.handler(group, msg)
	}
}

func (t *tcpTransport) close() error {
	close(t.closed)
	err := t.listener.Close()
	t.mu.Lock()
	for c := range t.inbound {
		_ = c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return err
}

func writeEnvelope(w io.Writer, group uint32, msg raftpb.Message) error {
	if group > maxGroups {
		return fmt.Errorf("group %d out of range", group)
	}
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	payload := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(payload, uint16(group))
	copy(payload[2:], b)
	return codec.WriteFrame(w, payload)
}

func readEnvelope(r *bufio.Reader) (uint32, raftpb.Message, error) {
	buf, err := codec.ReadFrame(r)
	if err != nil {
		return 0, raftpb.Message{}, err
	}
	if len(buf) < 2 {
		return 0, raftpb.Message{}, fmt.Errorf("envelope of %d bytes has no group header", len(buf))
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf[2:]); err != nil {
		return 0, raftpb.Message{}, err
	}
	return uint32(binary.BigEndian.Uint16(buf)), msg, nil
}

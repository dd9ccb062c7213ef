package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

var ErrNotLeader = errors.New("partition leader required")

// ApplyFunc runs on every node, in log order, for each committed command of
// a group. Its error is handed to the AckFunc of the proposing node.
type ApplyFunc func(group uint32, cmd OffsetCommitCommand) error
type AckFunc func(token string, err error)

const DefaultGroups = 12

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	Groups              uint32
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Persistence         *Persistence
	Apply               ApplyFunc
	Ack                 AckFunc
	BootstrapNewCluster bool
	Logger              logr.Logger
}

func (c *Config) withDefaults() {
	if c.Persistence == nil {
		c.Persistence = NewPersistence()
	}
	if c.Groups == 0 {
		c.Groups = DefaultGroups
	}
	if c.TickInterval == 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if c.ElectionTicks == 0 {
		c.ElectionTicks = 10
	}
	if c.HeartbeatTicks == 0 {
		c.HeartbeatTicks = 1
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1024 * 1024
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
}

func (c Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("raft node_id must be non-zero")
	}
	if c.Address == "" {
		return errors.New("raft address is required")
	}
	if _, ok := c.PeerAddresses[c.NodeID]; !ok {
		return fmt.Errorf("raft peers must include node %d", c.NodeID)
	}
	if c.Groups > maxGroups {
		return fmt.Errorf("raft groups %d exceeds %d", c.Groups, maxGroups)
	}
	return nil
}

// Persistence holds the raft logs of every group. It outlives an Engine so
// a restarted node catches up from its own log.
type Persistence struct {
	mu      sync.Mutex
	storage map[uint32]*raft.MemoryStorage
}

func NewPersistence() *Persistence { return &Persistence{storage: map[uint32]*raft.MemoryStorage{}} }

func (p *Persistence) forGroup(group uint32) *raft.MemoryStorage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.storage[group]; ok {
		return s
	}
	s := raft.NewMemoryStorage()
	p.storage[group] = s
	return s
}

// Engine runs one raft group per log partition.
type Engine struct {
	cfg       Config
	log       logr.Logger
	transport *tcpTransport
	workers   []*groupWorker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type groupWorker struct {
	group   uint32
	node    raft.Node
	storage *raft.MemoryStorage
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, log: cfg.Logger.WithName("raft"), stopCh: make(chan struct{})}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, cfg.Groups, e.log.WithName("transport"), func(group uint32, msg raftpb.Message) {
		if group >= uint32(len(e.workers)) {
			return
		}
		_ = e.workers[group].node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.transport = t

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	e.workers = make([]*groupWorker, cfg.Groups)
	for g := uint32(0); g < cfg.Groups; g++ {
		ms := cfg.Persistence.forGroup(g)
		rc := &raft.Config{ID: cfg.NodeID, ElectionTick: cfg.ElectionTicks, HeartbeatTick: cfg.HeartbeatTicks, Storage: ms, MaxSizePerMsg: cfg.MaxMessageSize, MaxInflightMsgs: cfg.MaxInflightMsgs, CheckQuorum: true, PreVote: true}
		var n raft.Node
		if cfg.BootstrapNewCluster {
			n = raft.StartNode(rc, peers)
		} else {
			n = raft.RestartNode(rc)
		}
		e.workers[g] = &groupWorker{group: g, node: n, storage: ms}
	}
	return e, nil
}

func (e *Engine) Groups() uint32 { return e.cfg.Groups }

func (e *Engine) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go e.runGroup(w)
	}
}

func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		for _, w := range e.workers {
			w.node.Stop()
		}
		e.wg.Wait()
		err = e.transport.close()
	})
	return err
}

func (e *Engine) Leader(group uint32) uint64 { return e.workers[group].node.Status().Lead }

func (e *Engine) IsLeader(group uint32) bool {
	return e.workers[group].node.Status().RaftState == raft.StateLeader
}

// WaitLeader blocks until some node leads the group.
func (e *Engine) WaitLeader(ctx context.Context, group uint32) (uint64, error) {
	if group >= e.cfg.Groups {
		return 0, fmt.Errorf("invalid group %d", group)
	}
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if lead := e.Leader(group); lead != raft.None {
			return lead, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) Propose(ctx context.Context, cmd OffsetCommitCommand) error {
	if cmd.Group >= e.cfg.Groups {
		return fmt.Errorf("invalid group %d", cmd.Group)
	}
	cmd.FillTimestamp()
	w := e.workers[cmd.Group]
	if st := w.node.Status(); st.RaftState != raft.StateLeader {
		return fmt.Errorf("%w: group=%d leader=%d", ErrNotLeader, cmd.Group, st.Lead)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.node.Propose(ctx, b)
}

func (e *Engine) runGroup(w *groupWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			w.node.Tick()
		case rd := <-w.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = w.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = w.storage.SetHardState(rd.HardState)
			}
			_ = w.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				if err := e.transport.send(m.To, w.group, m); err != nil {
					e.log.V(1).Info("raft message dropped", "group", w.group, "to", m.To, "err", err.Error())
				}
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
					continue
				}
				var cmd OffsetCommitCommand
				if err := json.Unmarshal(ent.Data, &cmd); err != nil {
					e.log.Error(err, "skip undecodable raft entry", "group", w.group, "index", ent.Index)
					continue
				}
				var applyErr error
				if e.cfg.Apply != nil {
					applyErr = e.cfg.Apply(w.group, cmd)
					if applyErr != nil {
						e.log.Error(applyErr, "apply offset commit", "group", w.group, "offset", cmd.Offset)
					}
				}
				if e.cfg.Ack != nil && cmd.AckToken != "" {
					e.cfg.Ack(cmd.AckToken, applyErr)
				}
			}
			w.node.Advance()
		}
	}
}

package fsm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	defaultApplyTimeout     = 5 * time.Second
	defaultSnapshotRetain   = 2
	defaultTransportPool    = 3
	defaultTransportTimeout = 10 * time.Second
)

var (
	ErrNotLeader = errors.New("node is not the raft leader")
	ErrNoLeader  = errors.New("raft cluster has no leader")
)

// NodeConfig configures the raft node replicating the transaction table.
type NodeConfig struct {
	ID          string
	Address     string
	RaftAddress string
	DataDir     string
	Bootstrap   bool
	// InMemory keeps the log and snapshots in memory and shortens the raft
	// timeouts. Transport must then be set, or an in-memory one is created.
	InMemory  bool
	Transport raft.Transport

	ApplyTimeout     time.Duration
	SnapshotRetain   int
	TransportPool    int
	TransportTimeout time.Duration
}

// Node runs raft over the transaction table FSM.
type Node struct {
	cfg    NodeConfig
	logger *zap.Logger
	fsm    *FSM
	raft   *raft.Raft
	bolt   *raftboltdb.BoltStore
}

// NewNode starts a raft node. With Bootstrap set it forms a single node
// cluster; other nodes are added by the leader through Join.
func NewNode(cfg NodeConfig, logger *zap.Logger) (*Node, error) {
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = defaultSnapshotRetain
	}
	if cfg.TransportPool <= 0 {
		cfg.TransportPool = defaultTransportPool
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = defaultTransportTimeout
	}
	logger = logger.Named("raft_node").With(zap.String("node_id", cfg.ID))

	n := &Node{cfg: cfg, logger: logger, fsm: NewFSM(logger)}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.ID)
	config.Logger = NewZapRaftLogger(logger.Named("raft"))

	var (
		logs      raft.LogStore
		stable    raft.StableStore
		snapshots raft.SnapshotStore
		transport = cfg.Transport
	)
	if cfg.InMemory {
		config.HeartbeatTimeout = 50 * time.Millisecond
		config.ElectionTimeout = 50 * time.Millisecond
		config.LeaderLeaseTimeout = 50 * time.Millisecond
		config.CommitTimeout = 5 * time.Millisecond
		store := raft.NewInmemStore()
		logs, stable = store, store
		snapshots = raft.NewInmemSnapshotStore()
		if transport == nil {
			_, transport = raft.NewInmemTransport(raft.ServerAddress(cfg.RaftAddress))
		}
	} else {
		raftDataPath := filepath.Join(cfg.DataDir, cfg.ID, "raft_meta")
		if err := os.MkdirAll(raftDataPath, 0700); err != nil {
			return nil, fmt.Errorf("failed to create raft data directory %s: %w", raftDataPath, err)
		}
		if transport == nil {
			addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddress)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.RaftAddress, err)
			}
			tcp, err := raft.NewTCPTransportWithLogger(cfg.RaftAddress, addr, cfg.TransportPool, cfg.TransportTimeout, config.Logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
			}
			transport = tcp
		}
		fileSnapshots, err := raft.NewFileSnapshotStoreWithLogger(raftDataPath, cfg.SnapshotRetain, config.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store at %s: %w", raftDataPath, err)
		}
		snapshots = fileSnapshots
		bolt, err := raftboltdb.NewBoltStore(filepath.Join(raftDataPath, "raft.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create bolt store: %w", err)
		}
		n.bolt = bolt
		logs, stable = bolt, bolt
	}

	r, err := raft.NewRaft(config, n.fsm, logs, stable, snapshots, transport)
	if err != nil {
		n.closeBolt()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}
	n.raft = r

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = n.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
		}
		logger.Info("Raft cluster bootstrapped")
	}
	return n, nil
}

func (n *Node) FSM() *FSM { return n.fsm }

// Self is the member record of this node.
func (n *Node) Self() Member {
	return Member{ID: n.cfg.ID, Address: n.cfg.Address, RaftAddress: n.cfg.RaftAddress}
}

func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// Leader returns the member record of the current leader.
func (n *Node) Leader() (Member, bool) {
	_, id := n.raft.LeaderWithID()
	if id == "" {
		return Member{}, false
	}
	return n.fsm.Member(string(id))
}

// WaitForLeader blocks until the cluster has a leader.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Apply replicates cmd. It must run on the leader.
func (n *Node) Apply(ctx context.Context, cmd Command) (*Result, error) {
	if !n.IsLeader() {
		return nil, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	timeout := n.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply command to raft: %w", err)
	}
	res, ok := future.Response().(*Result)
	if !ok {
		return nil, fmt.Errorf("unexpected FSM response %T", future.Response())
	}
	return res, res.Err()
}

// Join adds m as a voter and registers it as a member. It must run on the
// leader. Joining twice is harmless.
func (n *Node) Join(ctx context.Context, m Member) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	configFuture := n.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return fmt.Errorf("failed to get raft configuration: %w", err)
	}
	known := false
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(m.ID) {
			known = true
			break
		}
	}
	if !known {
		if err := n.raft.AddVoter(raft.ServerID(m.ID), raft.ServerAddress(m.RaftAddress), 0, n.cfg.ApplyTimeout).Error(); err != nil {
			return fmt.Errorf("failed to add voter %s: %w", m.ID, err)
		}
	}
	if _, err := n.Apply(ctx, Command{Op: OpAddMember, Member: &m}); err != nil {
		return err
	}
	n.logger.Info("Member joined", zap.String("member", m.ID), zap.String("address", m.Address))
	return nil
}

// Leave removes the member id from raft and from the registry. It must run on
// the leader.
func (n *Node) Leave(ctx context.Context, id string) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	m, ok := n.fsm.Member(id)
	if !ok {
		m = Member{ID: id}
	}
	if _, err := n.Apply(ctx, Command{Op: OpRemoveMember, Member: &m}); err != nil {
		return err
	}
	if err := n.raft.RemoveServer(raft.ServerID(id), 0, n.cfg.ApplyTimeout).Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", id, err)
	}
	n.logger.Info("Member left", zap.String("member", id))
	return nil
}

// Stats exposes the raft statistics.
func (n *Node) Stats() map[string]string { return n.raft.Stats() }

// Shutdown stops raft and closes the stores.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	n.closeBolt()
	return err
}

func (n *Node) closeBolt() {
	if n.bolt == nil {
		return
	}
	if err := n.bolt.Close(); err != nil {
		n.logger.Warn("Failed to close bolt store", zap.Error(err))
	}
}

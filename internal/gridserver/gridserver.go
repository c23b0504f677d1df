// Package gridserver assembles a gojogrid server from its configuration: the
// caches, the transaction coordinator, the replicated transaction table and
// the gRPC endpoint.
package gridserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/api/txrpc"
	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/core/cache"
	"github.com/sushant-115/gojogrid/core/cluster"
	fsm "github.com/sushant-115/gojogrid/core/replication/raft_consensus"
	"github.com/sushant-115/gojogrid/core/tx/server"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	defaultJoinTimeout = 30 * time.Second
	joinRetryInterval  = time.Second
	leaveTimeout       = 5 * time.Second
)

// GridServer is one running member of the grid.
type GridServer struct {
	cfg     *config.ServerConfig
	logger  *zap.Logger
	address string

	listener net.Listener
	grpc     *grpc.Server
	srv      *server.Server
	caches   []*cache.Cache

	node  *fsm.Node
	pool  *connection.ConnectionPoolManager
	peers *txrpc.PeerClient

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a server and binds its listener. When the configured address
// asks for port 0 the bound address becomes the identity of the node.
func New(cfg *config.ServerConfig, logger *zap.Logger, tel *telemetry.Telemetry) (*GridServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		var err error
		if tel, _, err = telemetry.New(telemetry.Config{}); err != nil {
			return nil, err
		}
	}

	serverCreds, err := cfg.TLS.ServerOption()
	if err != nil {
		return nil, fmt.Errorf("load server credentials: %w", err)
	}
	dialCreds, err := cfg.TLS.DialOption()
	if err != nil {
		return nil, fmt.Errorf("load peer credentials: %w", err)
	}
	grpcMetrics, err := internaltelemetry.NewGrpcServerMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create grpc metrics: %w", err)
	}
	txMetrics, err := internaltelemetry.NewTxMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create transaction metrics: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	address := cfg.Address
	if _, port, _ := net.SplitHostPort(cfg.Address); port == "0" {
		address = lis.Addr().String()
	}

	g := &GridServer{
		cfg:      cfg,
		logger:   logger.With(zap.String("node_id", cfg.NodeID), zap.String("address", address)),
		address:  address,
		listener: lis,
		stop:     make(chan struct{}),
	}

	svcOpts := []txrpc.ServiceOption{txrpc.WithTracer(tel.Tracer)}
	if cfg.Raft != nil {
		g.pool = connection.NewConnectionPoolManager(dialCreds)
		g.peers = txrpc.NewPeerClient(g.pool)
		g.node, err = fsm.NewNode(fsm.NodeConfig{
			ID:             cfg.NodeID,
			Address:        address,
			RaftAddress:    cfg.Raft.Address,
			DataDir:        cfg.DataDir,
			Bootstrap:      cfg.Raft.Bootstrap,
			InMemory:       cfg.Raft.InMemory,
			ApplyTimeout:   cfg.Raft.ApplyTimeout,
			SnapshotRetain: cfg.Raft.SnapshotRetain,
		}, g.logger)
		if err != nil {
			g.pool.Close()
			_ = lis.Close()
			return nil, err
		}
		cl := cluster.New(address, g.node.FSM(), g.peers, g.logger)
		g.srv = server.NewServer(fsm.NewStore(g.node, g.peers), cl, g.logger, server.WithObserver(txMetrics))
		cl.Bind(g.srv)
		svcOpts = append(svcOpts, txrpc.WithRaft(g.node, g.peers))
	} else {
		g.srv = server.NewServer(server.NewMemoryStore(), server.LocalCluster{Address: address}, g.logger, server.WithObserver(txMetrics))
	}

	for _, name := range cfg.Caches {
		c := cache.New(name, g.logger)
		g.caches = append(g.caches, c)
		g.srv.AddCache(server.CacheEngine{Cache: c})
	}

	g.grpc = grpc.NewServer(serverCreds, grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	txrpc.NewService(g.srv, g.logger, svcOpts...).Register(g.grpc)
	return g, nil
}

// Address is the gRPC address the node is known by.
func (g *GridServer) Address() string { return g.address }

// Server is the transaction coordinator of the node.
func (g *GridServer) Server() *server.Server { return g.srv }

// Node is the raft node, nil when running standalone.
func (g *GridServer) Node() *fsm.Node { return g.node }

// Start serves gRPC and, when clustered, joins the cluster. It returns once
// the node is a registered member.
func (g *GridServer) Start(ctx context.Context) error {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.grpc.Serve(g.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	if g.cfg.PurgeInterval > 0 {
		g.wg.Add(1)
		go g.purgeLoop(g.cfg.PurgeInterval)
	}

	if g.node != nil {
		if err := g.join(ctx); err != nil {
			return err
		}
	}
	g.logger.Info("Grid server started", zap.Strings("caches", g.cfg.Caches), zap.Bool("clustered", g.node != nil))
	return nil
}

func (g *GridServer) join(ctx context.Context) error {
	timeout := g.cfg.Raft.JoinTimeout
	if timeout <= 0 {
		timeout = defaultJoinTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	self := g.node.Self()
	if g.cfg.Raft.Bootstrap {
		if err := g.waitForLeadership(ctx); err != nil {
			return err
		}
		return g.node.Join(ctx, self)
	}

	ticker := time.NewTicker(joinRetryInterval)
	defer ticker.Stop()
	for {
		for _, seed := range g.cfg.Raft.Join {
			err := g.peers.Join(ctx, seed, self)
			if err == nil {
				g.logger.Info("Joined cluster", zap.String("seed", seed))
				return nil
			}
			g.logger.Warn("Join attempt failed", zap.String("seed", seed), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("join cluster: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *GridServer) waitForLeadership(ctx context.Context) error {
	if err := g.node.WaitForLeader(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !g.node.IsLeader() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for leadership after bootstrap: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (g *GridServer) purgeLoop(interval time.Duration) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			for _, c := range g.caches {
				c.PurgeExpired()
			}
		}
	}
}

// Stop leaves the cluster and shuts the node down. In-flight RPCs get until
// the configured shutdown timeout to finish.
func (g *GridServer) Stop(ctx context.Context) {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.node != nil {
			g.leave(ctx)
		}

		timeout := g.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		stopped := make(chan struct{})
		go func() {
			g.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeout):
			g.logger.Warn("Graceful stop timed out, closing connections")
			g.grpc.Stop()
		}
		g.wg.Wait()

		if g.node != nil {
			if err := g.node.Shutdown(); err != nil {
				g.logger.Warn("Raft shutdown failed", zap.Error(err))
			}
			g.pool.Close()
		}
		g.logger.Info("Grid server stopped")
	})
}

// leave removes this node from the member registry so that peers replay the
// decisions of the transactions it originated.
func (g *GridServer) leave(ctx context.Context) {
	if len(g.node.FSM().Members()) <= 1 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, leaveTimeout)
	defer cancel()

	self := g.node.Self()
	var err error
	if g.node.IsLeader() {
		err = g.node.Leave(ctx, self.ID)
	} else if leader, ok := g.node.Leader(); ok {
		err = g.peers.Leave(ctx, leader.Address, self)
	} else {
		err = fsm.ErrNoLeader
	}
	if err != nil {
		g.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
}

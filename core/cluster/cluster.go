// Package cluster implements server.Cluster on top of the replicated member
// registry and the peer transport.
package cluster

import (
	"context"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFanout = 8

// Membership lists the live members of the grid by address.
type Membership interface {
	Addresses() []string
	HasAddress(addr string) bool
}

// Peers is the transport to other members.
type Peers interface {
	Complete(ctx context.Context, addr string, req server.CompletionRequest) (xa.Code, error)
	Replay(ctx context.Context, addr string, cmd server.ReplayCommand) error
	ForgetLocal(ctx context.Context, addr string, key transaction.CacheXid) error
}

// Handler handles the commands a member delivers to itself.
type Handler interface {
	HandleReplay(ctx context.Context, cmd server.ReplayCommand) error
	HandleForgetLocal(ctx context.Context, key transaction.CacheXid)
}

// Cluster is the server.Cluster of a clustered node.
type Cluster struct {
	address    string
	membership Membership
	peers      Peers
	logger     *zap.Logger
	fanout     int

	mu    sync.RWMutex
	local Handler
}

var _ server.Cluster = (*Cluster)(nil)

// New returns the Cluster of the member listening on address.
func New(address string, membership Membership, peers Peers, logger *zap.Logger) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cluster{
		address:    address,
		membership: membership,
		peers:      peers,
		logger:     logger.Named("cluster"),
		fanout:     defaultFanout,
	}
}

// Bind sets the handler for commands this member sends to itself. It is
// called once the server owning the Cluster exists.
func (c *Cluster) Bind(h Handler) {
	c.mu.Lock()
	c.local = h
	c.mu.Unlock()
}

func (c *Cluster) IsClustered() bool { return true }

func (c *Cluster) LocalAddress() string { return c.address }

func (c *Cluster) IsMember(addr string) bool { return c.membership.HasAddress(addr) }

func (c *Cluster) Forward(ctx context.Context, addr string, req server.CompletionRequest) (xa.Code, error) {
	c.logger.Debug("Forwarding completion", zap.String("to", addr), zap.Stringer("key", req.Key()), zap.Bool("commit", req.Commit))
	return c.peers.Complete(ctx, addr, req)
}

// Broadcast delivers cmd to every member. A member that cannot be reached is
// reported in the returned error but does not stop the others.
func (c *Cluster) Broadcast(ctx context.Context, cmd server.ReplayCommand) error {
	return c.each(ctx, func(ctx context.Context, addr string, local Handler) error {
		if local != nil {
			return local.HandleReplay(ctx, cmd)
		}
		return c.peers.Replay(ctx, addr, cmd)
	})
}

func (c *Cluster) BroadcastForget(ctx context.Context, key transaction.CacheXid) error {
	return c.each(ctx, func(ctx context.Context, addr string, local Handler) error {
		if local != nil {
			local.HandleForgetLocal(ctx, key)
			return nil
		}
		return c.peers.ForgetLocal(ctx, addr, key)
	})
}

// each runs fn for every member; local is set when addr is this member and a
// handler is bound.
func (c *Cluster) each(ctx context.Context, fn func(ctx context.Context, addr string, local Handler) error) error {
	c.mu.RLock()
	self := c.local
	c.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanout)
	for _, addr := range c.membership.Addresses() {
		var local Handler
		if addr == c.address {
			local = self
		}
		g.Go(func() error {
			if err := fn(gctx, addr, local); err != nil {
				c.logger.Warn("Member unreachable", zap.String("member", addr), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sushant-115/gojogrid/core/cache"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap/zaptest"
)

const testCache = "orders"

// network connects in-process servers sharing one Store, standing in for the
// replicated table and the peer transport.
type network struct {
	store Store

	mu         sync.Mutex
	nodes      map[string]*Server
	forwards   []string
	broadcasts []ReplayCommand
	forwardErr error
	forgetErr  error
}

func newNetwork() *network {
	return &network{store: NewMemoryStore(), nodes: make(map[string]*Server)}
}

func (n *network) join(t *testing.T, addr string) (*Server, *cache.Cache) {
	t.Helper()
	c := cache.New(testCache, zaptest.NewLogger(t))
	srv := NewServer(n.store, &netCluster{net: n, addr: addr}, zaptest.NewLogger(t).Named(addr))
	srv.AddCache(CacheEngine{Cache: c})
	n.mu.Lock()
	n.nodes[addr] = srv
	n.mu.Unlock()
	return srv, c
}

func (n *network) leave(addr string) {
	n.mu.Lock()
	delete(n.nodes, addr)
	n.mu.Unlock()
}

func (n *network) members() []*Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Server, 0, len(n.nodes))
	for _, s := range n.nodes {
		out = append(out, s)
	}
	return out
}

type netCluster struct {
	net  *network
	addr string
}

func (c *netCluster) IsClustered() bool { return true }

func (c *netCluster) LocalAddress() string { return c.addr }

func (c *netCluster) IsMember(addr string) bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	_, ok := c.net.nodes[addr]
	return ok
}

func (c *netCluster) Forward(ctx context.Context, addr string, req CompletionRequest) (xa.Code, error) {
	c.net.mu.Lock()
	c.net.forwards = append(c.net.forwards, addr)
	target, ok := c.net.nodes[addr]
	err := c.net.forwardErr
	c.net.mu.Unlock()
	if err != nil {
		return xa.ErrRMFail, err
	}
	if !ok {
		return xa.ErrRMFail, errors.New("no route to " + addr)
	}
	return target.HandleForward(ctx, req)
}

func (c *netCluster) Broadcast(ctx context.Context, cmd ReplayCommand) error {
	c.net.mu.Lock()
	c.net.broadcasts = append(c.net.broadcasts, cmd)
	c.net.mu.Unlock()
	for _, s := range c.net.members() {
		if err := s.HandleReplay(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *netCluster) BroadcastForget(ctx context.Context, key transaction.CacheXid) error {
	c.net.mu.Lock()
	err := c.net.forgetErr
	c.net.mu.Unlock()
	if err != nil {
		return err
	}
	for _, s := range c.net.members() {
		s.HandleForgetLocal(ctx, key)
	}
	return nil
}

func newStandalone(t *testing.T) (*Server, *cache.Cache) {
	t.Helper()
	c := cache.New(testCache, zaptest.NewLogger(t))
	srv := NewServer(NewMemoryStore(), LocalCluster{Address: "local"}, zaptest.NewLogger(t))
	srv.AddCache(CacheEngine{Cache: c})
	return srv, c
}

func put(key, value string) transaction.Modification {
	return transaction.Modification{Key: []byte(key), Value: []byte(value)}
}

type recordingObserver struct {
	mu        sync.Mutex
	prepared  []xa.Code
	completed []xa.Code
	forwarded int
	replayed  int
	forgotten int
	rejected  int
}

func (o *recordingObserver) Prepared(_ context.Context, _ string, code xa.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prepared = append(o.prepared, code)
}

func (o *recordingObserver) Completed(_ context.Context, _ string, _ bool, code xa.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, code)
}

func (o *recordingObserver) Forwarded(context.Context, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forwarded++
}

func (o *recordingObserver) Replayed(context.Context, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayed++
}

func (o *recordingObserver) Forgotten(context.Context, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgotten++
}

func (o *recordingObserver) Rejected(context.Context, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

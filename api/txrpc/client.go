package txrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/gojogrid/core/cache"
	"github.com/sushant-115/gojogrid/core/cluster"
	fsm "github.com/sushant-115/gojogrid/core/replication/raft_consensus"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/client"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"github.com/sushant-115/gojogrid/pkg/connection"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client calls a grid server.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

// Cache returns the handle of the cache called name.
func (c *Client) Cache(name string) *RemoteCache {
	return &RemoteCache{client: c, name: name}
}

// fromStatus turns gRPC status errors back into the errors callers test for.
// An unreachable server means the topology changed, which is retryable.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case grpccodes.Unavailable:
		return fmt.Errorf("%w: %s", transaction.ErrTopologyChanged, st.Message())
	case grpccodes.NotFound:
		return fmt.Errorf("%w: %s", server.ErrUnknownCache, st.Message())
	case grpccodes.Aborted:
		return fmt.Errorf("%w: %s", cache.ErrLockConflict, st.Message())
	case grpccodes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case grpccodes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

// RemoteCache is the client.RemoteCache of one cache reached over gRPC.
type RemoteCache struct {
	client *Client
	name   string
}

var _ client.RemoteCache = (*RemoteCache)(nil)

func (r *RemoteCache) Name() string { return r.name }

func (r *RemoteCache) GetWithMetadata(ctx context.Context, key []byte) (transaction.VersionedValue, bool, error) {
	var out GetResponse
	if err := r.client.invoke(ctx, "Get", &GetRequest{Cache: r.name, Key: key}, &out); err != nil {
		return transaction.VersionedValue{}, false, err
	}
	if !out.Found {
		return transaction.VersionedValue{}, false, nil
	}
	return transaction.VersionedValue{Value: out.Value, Version: out.Version, Lifespan: out.Lifespan, MaxIdle: out.MaxIdle}, true, nil
}

func (r *RemoteCache) Put(ctx context.Context, key, value []byte, lifespan, maxIdle time.Duration) error {
	var out PutResponse
	return r.client.invoke(ctx, "Put", &PutRequest{Cache: r.name, Key: key, Value: value, Lifespan: lifespan, MaxIdle: maxIdle}, &out)
}

func (r *RemoteCache) Remove(ctx context.Context, key []byte) (bool, error) {
	var out RemoveResponse
	if err := r.client.invoke(ctx, "Remove", &RemoveRequest{Cache: r.name, Key: key}, &out); err != nil {
		return false, err
	}
	return out.Removed, nil
}

// Entries returns every live entry of the cache, in key order.
func (r *RemoteCache) Entries(ctx context.Context) ([]transaction.Entry, error) {
	var out EntriesResponse
	if err := r.client.invoke(ctx, "Entries", &EntriesRequest{Cache: r.name}, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (r *RemoteCache) Prepare(ctx context.Context, xid transaction.Xid, onePhase bool, mods []transaction.Modification) (xa.Code, error) {
	var out CodeResponse
	in := &PrepareRequest{Cache: r.name, Xid: xid, OnePhase: onePhase, Modifications: mods}
	if err := r.client.invoke(ctx, "Prepare", in, &out); err != nil {
		return xa.ErrRMFail, err
	}
	return out.Code, nil
}

func (r *RemoteCache) CompleteTransaction(ctx context.Context, xid transaction.Xid, commit bool) (xa.Code, error) {
	var out CodeResponse
	if err := r.client.invoke(ctx, "Complete", &CompleteRequest{Cache: r.name, Xid: xid, Commit: commit}, &out); err != nil {
		return xa.ErrRMFail, err
	}
	return out.Code, nil
}

func (r *RemoteCache) ForgetTransaction(ctx context.Context, xid transaction.Xid) error {
	return r.client.invoke(ctx, "Forget", &ForgetRequest{Cache: r.name, Xid: xid}, &Empty{})
}

func (r *RemoteCache) Recover(ctx context.Context) ([]transaction.Xid, error) {
	var out RecoverResponse
	if err := r.client.invoke(ctx, "Recover", &RecoverRequest{Cache: r.name}, &out); err != nil {
		return nil, err
	}
	return out.Xids, nil
}

// PeerClient is the transport between members. It implements cluster.Peers
// and the raft command forwarder.
type PeerClient struct {
	pool *connection.ConnectionPoolManager
}

var (
	_ cluster.Peers = (*PeerClient)(nil)
	_ fsm.Forwarder = (*PeerClient)(nil)
)

func NewPeerClient(pool *connection.ConnectionPoolManager) *PeerClient {
	return &PeerClient{pool: pool}
}

func (p *PeerClient) client(addr string) (*Client, error) {
	conn, err := p.pool.Get(addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (p *PeerClient) call(ctx context.Context, addr, method string, in, out any) error {
	c, err := p.client(addr)
	if err != nil {
		return err
	}
	err = c.invoke(ctx, method, in, out)
	if errors.Is(err, transaction.ErrTopologyChanged) {
		p.pool.Evict(addr)
	}
	return err
}

func (p *PeerClient) Complete(ctx context.Context, addr string, req server.CompletionRequest) (xa.Code, error) {
	var out CodeResponse
	if err := p.call(ctx, addr, "ForwardComplete", &req, &out); err != nil {
		return xa.ErrRMFail, err
	}
	return out.Code, nil
}

func (p *PeerClient) Replay(ctx context.Context, addr string, cmd server.ReplayCommand) error {
	return p.call(ctx, addr, "Replay", &cmd, &Empty{})
}

func (p *PeerClient) ForgetLocal(ctx context.Context, addr string, key transaction.CacheXid) error {
	return p.call(ctx, addr, "ForgetLocal", &key, &Empty{})
}

func (p *PeerClient) ForwardCommand(ctx context.Context, addr string, cmd fsm.Command) (*fsm.Result, error) {
	var out fsm.Result
	if err := p.call(ctx, addr, "ApplyCommand", &cmd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join asks the member at addr to admit m to the cluster.
func (p *PeerClient) Join(ctx context.Context, addr string, m fsm.Member) error {
	return p.call(ctx, addr, "Join", &m, &Empty{})
}

// Leave asks the member at addr to drop m from the cluster.
func (p *PeerClient) Leave(ctx context.Context, addr string, m fsm.Member) error {
	return p.call(ctx, addr, "Leave", &m, &Empty{})
}

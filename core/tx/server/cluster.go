package server

import (
	"context"
	"errors"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
)

// ErrNotClustered is returned by cluster operations of a single node.
var ErrNotClustered = errors.New("node is not clustered")

// CompletionRequest asks the originator of a transaction to commit or roll it
// back.
type CompletionRequest struct {
	Cache  string          `json:"cache"`
	Xid    transaction.Xid `json:"xid"`
	Commit bool            `json:"commit"`
}

func (r CompletionRequest) Key() transaction.CacheXid {
	return transaction.CacheXid{Cache: r.Cache, Xid: r.Xid}
}

// ReplayCommand carries a decision taken for a transaction whose originator
// left, with the write set to apply on commit. Every member drops its local
// transaction; only Owner, the member that replayed the decision, applies the
// write set.
type ReplayCommand struct {
	Cache         string                     `json:"cache"`
	Xid           transaction.Xid            `json:"xid"`
	Commit        bool                       `json:"commit"`
	Owner         string                     `json:"owner"`
	Modifications []transaction.Modification `json:"modifications,omitempty"`
}

func (c ReplayCommand) Key() transaction.CacheXid {
	return transaction.CacheXid{Cache: c.Cache, Xid: c.Xid}
}

// Cluster is what the coordinator needs from the membership and transport
// layers.
type Cluster interface {
	// IsClustered is false for a standalone node.
	IsClustered() bool
	// LocalAddress is the address of this node, as recorded as originator.
	LocalAddress() string
	// IsMember reports whether addr is a live member.
	IsMember(addr string) bool
	// Forward sends req to addr and waits for its answer.
	Forward(ctx context.Context, addr string, req CompletionRequest) (xa.Code, error)
	// Broadcast delivers cmd to every member, this node included, best effort.
	Broadcast(ctx context.Context, cmd ReplayCommand) error
	// BroadcastForget tells every member to drop its local entry of key.
	BroadcastForget(ctx context.Context, key transaction.CacheXid) error
}

// LocalCluster is the Cluster of a standalone node.
type LocalCluster struct {
	Address string
}

var _ Cluster = LocalCluster{}

func (c LocalCluster) IsClustered() bool { return false }

func (c LocalCluster) LocalAddress() string { return c.Address }

func (c LocalCluster) IsMember(addr string) bool { return addr == c.Address }

func (c LocalCluster) Forward(context.Context, string, CompletionRequest) (xa.Code, error) {
	return xa.ErrRMFail, ErrNotClustered
}

func (c LocalCluster) Broadcast(context.Context, ReplayCommand) error { return ErrNotClustered }

func (c LocalCluster) BroadcastForget(context.Context, transaction.CacheXid) error { return nil }

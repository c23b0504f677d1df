// Package client implements the client side of the transaction coordination
// layer: per-cache transaction contexts that buffer reads and writes, the
// transaction tables that enlist caches into platform transactions and drive
// two-phase commit across them, and a typed cache handle on top.
package client

import (
	"context"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
)

// RemoteCache is the connection to one cache on the server side.
//
// Prepare and CompleteTransaction answer with an XA code; a returned error means
// the request could not be delivered or answered.
type RemoteCache interface {
	Name() string
	GetWithMetadata(ctx context.Context, key []byte) (transaction.VersionedValue, bool, error)
	Put(ctx context.Context, key, value []byte, lifespan, maxIdle time.Duration) error
	Remove(ctx context.Context, key []byte) (bool, error)
	// Entries lists the live entries of the cache.
	Entries(ctx context.Context) ([]transaction.Entry, error)
	Prepare(ctx context.Context, xid transaction.Xid, onePhase bool, mods []transaction.Modification) (xa.Code, error)
	CompleteTransaction(ctx context.Context, xid transaction.Xid, commit bool) (xa.Code, error)
	ForgetTransaction(ctx context.Context, xid transaction.Xid) error
	Recover(ctx context.Context) ([]transaction.Xid, error)
}

package server

import (
	"context"
	"time"

	"github.com/sushant-115/gojogrid/core/cache"
	"github.com/sushant-115/gojogrid/core/transaction"
)

// LocalTransaction is the embedded transaction a node runs for a client
// transaction on one cache.
type LocalTransaction interface {
	Xid() transaction.Xid
	Apply(mods []transaction.Modification) error
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Engine is the cache engine of one named cache.
type Engine interface {
	Name() string
	Get(key []byte) (transaction.VersionedValue, bool)
	Put(key, value []byte, lifespan, maxIdle time.Duration) (uint64, error)
	Remove(key []byte) (bool, error)
	// Entries lists the live entries in key order.
	Entries() []transaction.Entry
	Begin(xid transaction.Xid) LocalTransaction
	// ApplyModifications applies a write set decided elsewhere.
	ApplyModifications(mods []transaction.Modification)
}

// CacheEngine adapts a *cache.Cache to Engine.
type CacheEngine struct {
	*cache.Cache
}

var _ Engine = CacheEngine{}

func (e CacheEngine) Begin(xid transaction.Xid) LocalTransaction {
	return e.Cache.Begin(xid)
}

package client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/gojogrid/core/tx/platform"
	"go.uber.org/zap"
)

// WriteOption tunes a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	lifespan time.Duration
	maxIdle  time.Duration
}

// WithLifespan expires the entry d after it was written.
func WithLifespan(d time.Duration) WriteOption {
	return func(o *writeOptions) { o.lifespan = d }
}

// WithMaxIdle expires the entry when it was not read for d.
func WithMaxIdle(d time.Duration) WriteOption {
	return func(o *writeOptions) { o.maxIdle = d }
}

func applyWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Cache is a typed handle on a remote cache. When ctx carries a platform
// transaction (see platform.WithTransaction) and the handle has a transaction
// table, operations are buffered in the transaction and only reach the server
// when it completes. Otherwise they go straight to the server.
type Cache[K, V any] struct {
	remote     RemoteCache
	marshaller Marshaller[K, V]
	table      TransactionTable
	logger     *zap.Logger
}

// NewCache wraps remote. table may be nil, which disables transactions.
func NewCache[K, V any](remote RemoteCache, marshaller Marshaller[K, V], table TransactionTable, logger *zap.Logger) *Cache[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table != nil {
		table.RegisterCache(remote)
	}
	return &Cache[K, V]{
		remote:     remote,
		marshaller: marshaller,
		table:      table,
		logger:     logger.Named("cache").With(zap.String("cache", remote.Name())),
	}
}

func (c *Cache[K, V]) Name() string { return c.remote.Name() }

// Get returns the value of key and whether it exists.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	tc, err := c.transactionContext(ctx)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if tc != nil {
		type result struct {
			value V
			found bool
		}
		r, err := ComputeRemote(ctx, tc, key, func(e *TransactionEntry[K, V]) result {
			return result{value: e.Value(), found: e.Exists()}
		})
		return r.value, r.found, err
	}

	var zero V
	keyBytes, err := c.marshaller.MarshalKey(key)
	if err != nil {
		return zero, false, err
	}
	meta, found, err := c.remote.GetWithMetadata(ctx, keyBytes)
	if err != nil || !found {
		return zero, false, err
	}
	v, err := c.marshaller.UnmarshalValue(meta.Value)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// ContainsKey reports whether key exists.
func (c *Cache[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	tc, err := c.transactionContext(ctx)
	if err != nil {
		return false, err
	}
	if tc != nil {
		return tc.ContainsKey(ctx, key)
	}
	_, found, err := c.Get(ctx, key)
	return found, err
}

// ContainsValue reports whether some key holds value. Outside a transaction
// every entry of the cache is scanned on the server.
func (c *Cache[K, V]) ContainsValue(ctx context.Context, value V) (bool, error) {
	tc, err := c.transactionContext(ctx)
	if err != nil {
		return false, err
	}
	if tc != nil {
		return tc.ContainsValue(ctx, value)
	}

	want, err := c.marshaller.MarshalValue(value)
	if err != nil {
		return false, err
	}
	entries, err := c.remote.Entries(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if bytes.Equal(want, e.Value) {
			return true, nil
		}
	}
	return false, nil
}

// Put stores value under key.
func (c *Cache[K, V]) Put(ctx context.Context, key K, value V, opts ...WriteOption) error {
	o := applyWriteOptions(opts)
	tc, err := c.transactionContext(ctx)
	if err != nil {
		return err
	}
	if tc != nil {
		_, err := Compute(ctx, tc, key, func(e *TransactionEntry[K, V]) struct{} {
			e.SetValue(value, o.lifespan, o.maxIdle)
			return struct{}{}
		})
		return err
	}

	keyBytes, err := c.marshaller.MarshalKey(key)
	if err != nil {
		return err
	}
	valueBytes, err := c.marshaller.MarshalValue(value)
	if err != nil {
		return err
	}
	return c.remote.Put(ctx, keyBytes, valueBytes, o.lifespan, o.maxIdle)
}

// PutIfAbsent stores value only if key has no value and reports whether it
// did. Outside a transaction the check and the write are two separate
// requests.
func (c *Cache[K, V]) PutIfAbsent(ctx context.Context, key K, value V, opts ...WriteOption) (bool, error) {
	o := applyWriteOptions(opts)
	tc, err := c.transactionContext(ctx)
	if err != nil {
		return false, err
	}
	if tc != nil {
		return ComputeRemote(ctx, tc, key, func(e *TransactionEntry[K, V]) bool {
			if e.Exists() {
				return false
			}
			e.SetValue(value, o.lifespan, o.maxIdle)
			return true
		})
	}

	found, err := c.ContainsKey(ctx, key)
	if err != nil || found {
		return false, err
	}
	return true, c.Put(ctx, key, value, opts...)
}

// Remove deletes key and reports whether it existed.
func (c *Cache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	tc, err := c.transactionContext(ctx)
	if err != nil {
		return false, err
	}
	if tc != nil {
		return ComputeRemote(ctx, tc, key, func(e *TransactionEntry[K, V]) bool {
			existed := e.Exists()
			e.Remove()
			return existed
		})
	}

	keyBytes, err := c.marshaller.MarshalKey(key)
	if err != nil {
		return false, err
	}
	return c.remote.Remove(ctx, keyBytes)
}

// transactionContext returns the context of this cache in the transaction of
// ctx, nil when there is none.
func (c *Cache[K, V]) transactionContext(ctx context.Context) (*TransactionContext[K, V], error) {
	if c.table == nil {
		return nil, nil
	}
	tx := platform.FromContext(ctx)
	if tx == nil {
		return nil, nil
	}
	p, err := c.table.Enlist(ctx, tx, c.remote, func(cfg ContextConfig) Participant {
		return NewTransactionContext[K, V](c.remote, c.marshaller, cfg)
	})
	if err != nil {
		return nil, err
	}
	tc, ok := p.(*TransactionContext[K, V])
	if !ok {
		return nil, fmt.Errorf("cache %s is already used in this transaction with other key or value types", c.remote.Name())
	}
	return tc, nil
}

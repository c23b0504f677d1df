// Package cache is the node-local cache engine the transaction coordinator
// runs its embedded transactions against. Entries are versioned so that a
// transaction can validate at prepare time that nothing it read has changed,
// and prepared transactions hold per-key locks until they complete.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

var (
	// ErrLockConflict is returned when a key is locked by another prepared
	// transaction.
	ErrLockConflict = errors.New("key is locked by another transaction")
	// ErrWriteSkew is returned at prepare time when a key changed after the
	// transaction read it.
	ErrWriteSkew = errors.New("write skew detected")
	// ErrTransactionDone is returned when a completed transaction is used again.
	ErrTransactionDone = errors.New("cache transaction already completed")
)

type entry struct {
	value    []byte
	version  uint64
	lifespan time.Duration
	maxIdle  time.Duration
	created  time.Time
	lastUsed time.Time
}

func (e *entry) expired(now time.Time) bool {
	if e.lifespan > 0 && now.After(e.created.Add(e.lifespan)) {
		return true
	}
	return e.maxIdle > 0 && now.After(e.lastUsed.Add(e.maxIdle))
}

func (e *entry) versioned() transaction.VersionedValue {
	return transaction.VersionedValue{
		Value:    append([]byte(nil), e.value...),
		Version:  e.version,
		Lifespan: e.lifespan,
		MaxIdle:  e.maxIdle,
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, used by expiration.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is a named, in-memory, versioned key/value store.
type Cache struct {
	name   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	data    btree.Map[string, *entry]
	locks   map[string]transaction.Xid
	version uint64
}

// New creates an empty cache.
func New(name string, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		name:   name,
		logger: logger.Named("cache").With(zap.String("cache", name)),
		now:    time.Now,
		locks:  make(map[string]transaction.Xid),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Name() string { return c.name }

// Get returns the live value stored under key. Reading an entry refreshes its
// idle timer.
func (c *Cache) Get(key []byte) (transaction.VersionedValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(string(key))
	if !ok {
		return transaction.VersionedValue{}, false
	}
	e.lastUsed = c.now()
	return e.versioned(), true
}

// Put stores value under key outside of any transaction and returns the new
// version.
func (c *Cache) Put(key, value []byte, lifespan, maxIdle time.Duration) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, locked := c.locks[string(key)]; locked {
		return 0, fmt.Errorf("put %q: %w", key, ErrLockConflict)
	}
	return c.storeLocked(string(key), value, lifespan, maxIdle), nil
}

// Remove deletes key outside of any transaction. It reports whether a live
// entry was removed.
func (c *Cache) Remove(key []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, locked := c.locks[string(key)]; locked {
		return false, fmt.Errorf("remove %q: %w", key, ErrLockConflict)
	}
	_, existed := c.liveLocked(string(key))
	c.data.Delete(string(key))
	return existed, nil
}

// Size counts the live entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	c.data.Scan(func(_ string, e *entry) bool {
		if !e.expired(now) {
			n++
		}
		return true
	})
	return n
}

// Keys returns the live keys in ascending order.
func (c *Cache) Keys() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var keys [][]byte
	c.data.Scan(func(k string, e *entry) bool {
		if !e.expired(now) {
			keys = append(keys, []byte(k))
		}
		return true
	})
	return keys
}

// Entries returns the live entries in ascending key order. Unlike Get it does
// not refresh idle timers.
func (c *Cache) Entries() []transaction.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var entries []transaction.Entry
	c.data.Scan(func(k string, e *entry) bool {
		if !e.expired(now) {
			entries = append(entries, transaction.Entry{Key: []byte(k), VersionedValue: e.versioned()})
		}
		return true
	})
	return entries
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	c.data.Scan(func(k string, e *entry) bool {
		if e.expired(now) {
			expired = append(expired, k)
		}
		return true
	})
	for _, k := range expired {
		c.data.Delete(k)
	}
	if len(expired) > 0 {
		c.logger.Debug("Purged expired entries", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// ApplyModifications applies a write set whose outcome was decided elsewhere,
// without version validation and ignoring locks held by local transactions.
func (c *Cache) ApplyModifications(mods []transaction.Modification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(mods)
}

// Begin starts an embedded transaction identified by xid.
func (c *Cache) Begin(xid transaction.Xid) *Transaction {
	return &Transaction{cache: c, xid: xid, logger: c.logger.With(zap.Stringer("xid", xid))}
}

func (c *Cache) liveLocked(key string) (*entry, bool) {
	e, ok := c.data.Get(key)
	if !ok {
		return nil, false
	}
	if e.expired(c.now()) {
		c.data.Delete(key)
		return nil, false
	}
	return e, true
}

func (c *Cache) storeLocked(key string, value []byte, lifespan, maxIdle time.Duration) uint64 {
	c.version++
	now := c.now()
	c.data.Set(key, &entry{
		value:    append([]byte(nil), value...),
		version:  c.version,
		lifespan: lifespan,
		maxIdle:  maxIdle,
		created:  now,
		lastUsed: now,
	})
	return c.version
}

func (c *Cache) applyLocked(mods []transaction.Modification) {
	for _, m := range mods {
		if m.Remove {
			c.data.Delete(string(m.Key))
			continue
		}
		c.storeLocked(string(m.Key), m.Value, m.Lifespan, m.MaxIdle)
	}
}

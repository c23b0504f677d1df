package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
	"go.uber.org/zap"
)

type txStatus int

const (
	txActive txStatus = iota
	txPrepared
	txCommitted
	txRolledBack
)

// Transaction is an embedded transaction on one cache. Its write set is
// buffered until commit; Prepare locks the written keys and validates the
// versions the client read.
type Transaction struct {
	cache  *Cache
	xid    transaction.Xid
	logger *zap.Logger

	mu     sync.Mutex
	status txStatus
	mods   []transaction.Modification
	locked []string
}

func (t *Transaction) Xid() transaction.Xid { return t.xid }

// Apply replaces the buffered write set with a copy of mods.
func (t *Transaction) Apply(mods []transaction.Modification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != txActive {
		return ErrTransactionDone
	}
	t.mods = transaction.CloneModifications(mods)
	return nil
}

// Modifications returns a copy of the buffered write set.
func (t *Transaction) Modifications() []transaction.Modification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transaction.CloneModifications(t.mods)
}

// Prepare locks every written key and checks the read versions. On failure no
// lock is kept and the transaction stays active so it can be rolled back.
func (t *Transaction) Prepare(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case txPrepared:
		return nil
	case txActive:
	default:
		return ErrTransactionDone
	}

	c := t.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	// 1. Every key must be free or already ours.
	for _, m := range t.mods {
		if owner, locked := c.locks[string(m.Key)]; locked && owner != t.xid {
			return fmt.Errorf("prepare key %q: %w", m.Key, ErrLockConflict)
		}
	}
	// 2. Versions seen by the client must still be current.
	for _, m := range t.mods {
		if !m.Versioned {
			continue
		}
		var current uint64
		if e, ok := c.liveLocked(string(m.Key)); ok {
			current = e.version
		}
		if current != m.Version {
			t.logger.Debug("Version changed since read",
				zap.ByteString("key", m.Key), zap.Uint64("read", m.Version), zap.Uint64("current", current))
			return fmt.Errorf("prepare key %q: %w", m.Key, ErrWriteSkew)
		}
	}
	// 3. Lock.
	for _, m := range t.mods {
		k := string(m.Key)
		if _, locked := c.locks[k]; !locked {
			c.locks[k] = t.xid
			t.locked = append(t.locked, k)
		}
	}
	t.status = txPrepared
	return nil
}

// Commit applies the write set. An active transaction is prepared first, which
// is the one-phase commit path.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()

	switch status {
	case txActive:
		if err := t.Prepare(ctx); err != nil {
			if rbErr := t.Rollback(ctx); rbErr != nil {
				t.logger.Warn("Rollback after failed one-phase prepare failed", zap.Error(rbErr))
			}
			return err
		}
	case txPrepared:
	default:
		return ErrTransactionDone
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cache
	c.mu.Lock()
	c.applyLocked(t.mods)
	t.unlockLocked()
	c.mu.Unlock()
	t.status = txCommitted
	t.logger.Debug("Transaction committed", zap.Int("modifications", len(t.mods)))
	return nil
}

// Rollback discards the write set and releases the locks. Rolling back a
// rolled back transaction is a no-op.
func (t *Transaction) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case txRolledBack:
		return nil
	case txCommitted:
		return ErrTransactionDone
	}

	t.cache.mu.Lock()
	t.unlockLocked()
	t.cache.mu.Unlock()
	t.mods = nil
	t.status = txRolledBack
	t.logger.Debug("Transaction rolled back")
	return nil
}

// unlockLocked releases the key locks; both t.mu and cache.mu must be held.
func (t *Transaction) unlockLocked() {
	for _, k := range t.locked {
		if t.cache.locks[k] == t.xid {
			delete(t.cache.locks, k)
		}
	}
	t.locked = nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
	"go.uber.org/zap"
)

var (
	// ErrTransitionRejected is returned when the global state moved since it
	// was read: another request already decided the transaction.
	ErrTransitionRejected = errors.New("transaction state transition rejected")
	// ErrTransactionExists is returned when a transaction is started with an
	// Xid that is still known to the cluster or to this node.
	ErrTransactionExists = errors.New("transaction already exists")
)

// TransactionTable pairs the replicated global state with the embedded
// transactions running on this node. Local transactions are keyed by cache
// and Xid so one client transaction can touch several caches of the node.
type TransactionTable struct {
	store  Store
	logger *zap.Logger
	local  sync.Map // transaction.CacheXid -> LocalTransaction
}

func NewTransactionTable(store Store, logger *zap.Logger) *TransactionTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionTable{store: store, logger: logger.Named("server_tx_table")}
}

// State returns the global state of key, nil when it is unknown.
func (t *TransactionTable) State(ctx context.Context, key transaction.CacheXid) (*TxState, error) {
	return t.store.Get(ctx, key)
}

// Create stores the initial state of key. It fails with ErrTransactionExists
// when key already has a state.
func (t *TransactionTable) Create(ctx context.Context, key transaction.CacheXid, state *TxState) error {
	existing, err := t.store.PutIfAbsent(ctx, key, state)
	if err != nil {
		return fmt.Errorf("create state of %s: %w", key, err)
	}
	if existing != nil {
		return fmt.Errorf("%s is %s: %w", key, existing.Status(), ErrTransactionExists)
	}
	return nil
}

// Update applies transition to prev and replaces prev with the result. A nil
// result, or a stored value that no longer equals prev, yields
// ErrTransitionRejected.
func (t *TransactionTable) Update(ctx context.Context, key transaction.CacheXid, prev *TxState, transition func(*TxState) *TxState) (*TxState, error) {
	next := transition(prev)
	if next == nil {
		t.logger.Debug("Transition not allowed", zap.Stringer("key", key), zap.Stringer("status", prev.Status()))
		return nil, fmt.Errorf("%s is %s: %w", key, prev.Status(), ErrTransitionRejected)
	}
	ok, err := t.store.Replace(ctx, key, prev, next)
	if err != nil {
		return nil, fmt.Errorf("update state of %s: %w", key, err)
	}
	if !ok {
		t.logger.Debug("Concurrent transition", zap.Stringer("key", key), zap.Stringer("to", next.Status()))
		return nil, fmt.Errorf("%s changed concurrently: %w", key, ErrTransitionRejected)
	}
	return next, nil
}

// RemoveState drops the global state of key.
func (t *TransactionTable) RemoveState(ctx context.Context, key transaction.CacheXid) error {
	return t.store.Remove(ctx, key)
}

// Local returns the transaction this node runs for key.
func (t *TransactionTable) Local(key transaction.CacheXid) (LocalTransaction, bool) {
	v, ok := t.local.Load(key)
	if !ok {
		return nil, false
	}
	return v.(LocalTransaction), true
}

// RegisterLocal records tx as running on this node. It reports false when a
// transaction is already registered for key.
func (t *TransactionTable) RegisterLocal(key transaction.CacheXid, tx LocalTransaction) bool {
	_, loaded := t.local.LoadOrStore(key, tx)
	return !loaded
}

// RemoveLocal forgets the transaction running on this node for key.
func (t *TransactionTable) RemoveLocal(key transaction.CacheXid) {
	t.local.Delete(key)
}

// LocalCount is the number of transactions running on this node.
func (t *TransactionTable) LocalCount() int {
	n := 0
	t.local.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Prepared lists the Xids of cache whose global state is PREPARED.
func (t *TransactionTable) Prepared(ctx context.Context, cache string) ([]transaction.Xid, error) {
	var xids []transaction.Xid
	err := t.store.ForEach(ctx, func(key transaction.CacheXid, state *TxState) bool {
		if key.Cache == cache && state.Status() == StatusPrepared {
			xids = append(xids, key.Xid)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan prepared transactions of %s: %w", cache, err)
	}
	return xids, nil
}

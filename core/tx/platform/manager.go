package platform

import (
	"context"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"go.uber.org/zap"
)

// Manager begins embedded transactions and tracks the ones still running.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	active  sync.Map // transaction.Xid -> *EmbeddedTransaction
}

// NewManager returns a Manager. timeout is handed to every enlisted resource.
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger.Named("platform_tm"),
		timeout: timeout,
	}
}

// Begin starts a transaction and returns a context associated with it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *EmbeddedTransaction) {
	tx := newEmbeddedTransaction(transaction.GenerateXid(), m.logger)
	m.active.Store(tx.Xid(), tx)
	tx.RegisterSynchronization(untrack{m: m, xid: tx.Xid()})
	m.logger.Debug("Transaction started", zap.Stringer("xid", tx.Xid()))
	return WithTransaction(ctx, tx), tx
}

// Timeout is the per-transaction timeout resources should honour.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Lookup returns a running transaction by Xid.
func (m *Manager) Lookup(xid transaction.Xid) (*EmbeddedTransaction, bool) {
	v, ok := m.active.Load(xid)
	if !ok {
		return nil, false
	}
	return v.(*EmbeddedTransaction), true
}

// untrack removes a finished transaction from the manager.
type untrack struct {
	m   *Manager
	xid transaction.Xid
}

func (u untrack) BeforeCompletion(context.Context) error { return nil }

func (u untrack) AfterCompletion(context.Context, Status) { u.m.active.Delete(u.xid) }

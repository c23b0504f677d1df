package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/platform"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// XATable enlists caches into platform transactions as one XAResource per
// transaction, whatever the number of caches used. In ModeFullXA it also
// answers recovery scans and completes in-doubt transactions it has no adapter
// for.
type XATable struct {
	cacheRegistry
	cfg    TableConfig
	logger *zap.Logger

	adapters sync.Map // platform.Transaction -> *xaAdapter
	byXid    sync.Map // transaction.Xid -> *xaAdapter
}

var _ TransactionTable = (*XATable)(nil)

func NewXATable(cfg TableConfig) *XATable {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Mode != ModeFullXA {
		cfg.Mode = ModeNonDurableXA
	}
	return &XATable{cfg: cfg, logger: cfg.Logger.Named("xa_tx_table")}
}

func (t *XATable) Mode() Mode { return t.cfg.Mode }

func (t *XATable) Size() int { return syncMapLen(&t.adapters) }

func (t *XATable) Enlist(ctx context.Context, tx platform.Transaction, cache RemoteCache, create func(cfg ContextConfig) Participant) (Participant, error) {
	t.RegisterCache(cache)
	a, err := t.adapter(ctx, tx)
	if err != nil {
		return nil, err
	}
	return a.getOrCreate(cache.Name(), func() Participant { return create(t.cfg.contextConfig()) }), nil
}

// adapter returns the adapter of tx, enlisting it on first use. Callers
// racing the enlistment wait for it and share its outcome.
func (t *XATable) adapter(ctx context.Context, tx platform.Transaction) (*xaAdapter, error) {
	v, ok := t.adapters.Load(tx)
	if !ok {
		v, _ = t.adapters.LoadOrStore(tx, &xaAdapter{table: t, tx: tx, logger: t.logger})
	}
	a := v.(*xaAdapter)
	a.enlistOnce.Do(func() {
		if err := tx.EnlistResource(ctx, a); err != nil {
			a.enlistErr = fmt.Errorf("enlist xa resource: %w", err)
			t.adapters.CompareAndDelete(tx, a)
		}
	})
	if a.enlistErr != nil {
		return nil, a.enlistErr
	}
	return a, nil
}

// RecoveryResource returns an XAResource not bound to any transaction, to be
// handed to a transaction manager for recovery.
func (t *XATable) RecoveryResource() platform.XAResource {
	return &recoveryResource{table: t}
}

// Recover lists the prepared transactions known to every registered cache.
// Only a ModeFullXA table answers, and only when the scan starts.
func (t *XATable) Recover(ctx context.Context, flags xa.Flag) ([]transaction.Xid, error) {
	if t.cfg.Mode != ModeFullXA || !flags.Has(xa.TMStartRScan) {
		return nil, nil
	}
	seen := make(map[transaction.Xid]struct{})
	var xids []transaction.Xid
	var errs error
	for _, cache := range t.ordered() {
		found, err := cache.Recover(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recover cache %s: %w", cache.Name(), err))
			continue
		}
		for _, xid := range found {
			if _, dup := seen[xid]; dup {
				continue
			}
			seen[xid] = struct{}{}
			xids = append(xids, xid)
		}
	}
	if errs != nil {
		t.logger.Warn("Recovery scan incomplete", zap.Error(errs))
	}
	t.logger.Info("Recovery scan done", zap.Int("in_doubt", len(xids)))
	return xids, nil
}

// completeRecovered commits or rolls back xid on every registered cache. It is
// used for in-doubt transactions this table holds no adapter for.
func (t *XATable) completeRecovered(ctx context.Context, xid transaction.Xid, commit bool) error {
	caches := t.ordered()
	codes := make([]xa.Code, 0, len(caches))
	for _, cache := range caches {
		code, err := cache.CompleteTransaction(ctx, xid, commit)
		if err != nil {
			t.logger.Warn("Recovery completion failed",
				zap.String("cache", cache.Name()), zap.Stringer("xid", xid), zap.Error(err))
			code = xa.HeurRB
		}
		codes = append(codes, code)
	}
	t.forgetEverywhere(ctx, xid)
	return xa.Aggregate(commit, codes)
}

func (t *XATable) forgetEverywhere(ctx context.Context, xid transaction.Xid) {
	var errs error
	for _, cache := range t.ordered() {
		errs = multierr.Append(errs, cache.ForgetTransaction(ctx, xid))
	}
	if errs != nil {
		t.logger.Warn("Forget failed", zap.Stringer("xid", xid), zap.Error(errs))
	}
}

func (t *XATable) lookup(xid transaction.Xid) (*xaAdapter, bool) {
	v, ok := t.byXid.Load(xid)
	if !ok {
		return nil, false
	}
	return v.(*xaAdapter), true
}

// recoveryResource routes XA calls for Xids without a live adapter to the
// recovery paths of the table.
type recoveryResource struct {
	table *XATable
}

var _ platform.XAResource = (*recoveryResource)(nil)

func (r *recoveryResource) Start(context.Context, transaction.Xid, xa.Flag) error {
	return xa.NewError(xa.ErrProto, "recovery resource cannot start transactions")
}

func (r *recoveryResource) End(context.Context, transaction.Xid, xa.Flag) error {
	return xa.NewError(xa.ErrProto, "recovery resource cannot end transactions")
}

func (r *recoveryResource) Prepare(ctx context.Context, xid transaction.Xid) (xa.Code, error) {
	if a, ok := r.table.lookup(xid); ok {
		return a.Prepare(ctx, xid)
	}
	return xa.OK, xa.NewError(xa.ErrNotA, "unknown transaction %s", xid)
}

func (r *recoveryResource) Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error {
	if a, ok := r.table.lookup(xid); ok {
		return a.Commit(ctx, xid, onePhase)
	}
	return r.table.completeRecovered(ctx, xid, true)
}

func (r *recoveryResource) Rollback(ctx context.Context, xid transaction.Xid) error {
	if a, ok := r.table.lookup(xid); ok {
		return a.Rollback(ctx, xid)
	}
	return r.table.completeRecovered(ctx, xid, false)
}

func (r *recoveryResource) Forget(ctx context.Context, xid transaction.Xid) error {
	if a, ok := r.table.lookup(xid); ok {
		return a.Forget(ctx, xid)
	}
	r.table.forgetEverywhere(ctx, xid)
	return nil
}

func (r *recoveryResource) Recover(ctx context.Context, flags xa.Flag) ([]transaction.Xid, error) {
	return r.table.Recover(ctx, flags)
}

func (r *recoveryResource) IsSameRM(other platform.XAResource) bool {
	return sameTable(r.table, other)
}

func (r *recoveryResource) SetTransactionTimeout(timeout time.Duration) bool { return false }

func sameTable(t *XATable, other platform.XAResource) bool {
	switch o := other.(type) {
	case *xaAdapter:
		return o.table == t
	case *recoveryResource:
		return o.table == t
	}
	return false
}

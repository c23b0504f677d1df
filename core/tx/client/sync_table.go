package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/platform"
	"go.uber.org/zap"
)

// SyncTable enlists caches into platform transactions through one
// Synchronization per transaction. Prepare runs before completion, commit or
// rollback after it.
type SyncTable struct {
	cacheRegistry
	cfg      TableConfig
	logger   *zap.Logger
	adapters sync.Map // platform.Transaction -> *syncAdapter
}

var _ TransactionTable = (*SyncTable)(nil)

func NewSyncTable(cfg TableConfig) *SyncTable {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &SyncTable{cfg: cfg, logger: cfg.Logger.Named("sync_tx_table")}
}

func (t *SyncTable) Mode() Mode { return ModeNonXA }

func (t *SyncTable) Size() int { return syncMapLen(&t.adapters) }

func (t *SyncTable) Enlist(_ context.Context, tx platform.Transaction, cache RemoteCache, create func(cfg ContextConfig) Participant) (Participant, error) {
	t.RegisterCache(cache)
	a, err := t.adapter(tx)
	if err != nil {
		return nil, err
	}
	return a.getOrCreate(cache.Name(), func() Participant { return create(t.cfg.contextConfig()) }), nil
}

// adapter returns the adapter of tx, registering it on first use. Callers
// racing the registration wait for it and share its outcome.
func (t *SyncTable) adapter(tx platform.Transaction) (*syncAdapter, error) {
	v, ok := t.adapters.Load(tx)
	if !ok {
		xid := transaction.GenerateXid()
		v, _ = t.adapters.LoadOrStore(tx, &syncAdapter{
			table:  t,
			tx:     tx,
			xid:    xid,
			logger: t.logger.With(zap.Stringer("xid", xid)),
		})
	}
	a := v.(*syncAdapter)
	a.registerOnce.Do(func() {
		if err := tx.RegisterSynchronization(a); err != nil {
			a.registerErr = fmt.Errorf("register synchronization: %w", err)
			t.adapters.CompareAndDelete(tx, a)
			return
		}
		a.logger.Debug("Registered synchronization")
	})
	if a.registerErr != nil {
		return nil, a.registerErr
	}
	return a, nil
}

// Xid returns the Xid the table generated for tx.
func (t *SyncTable) Xid(tx platform.Transaction) (transaction.Xid, bool) {
	v, ok := t.adapters.Load(tx)
	if !ok {
		return transaction.Xid{}, false
	}
	return v.(*syncAdapter).xid, true
}

type syncAdapter struct {
	enlistment
	table  *SyncTable
	tx     platform.Transaction
	xid    transaction.Xid
	logger *zap.Logger

	registerOnce sync.Once
	registerErr  error

	preparedMu sync.Mutex
	prepared   []Participant
}

// BeforeCompletion prepares every cache in name order. The first cache that
// does not answer OK or XA_RDONLY marks the transaction rollback-only and the
// remaining caches are not prepared.
func (a *syncAdapter) BeforeCompletion(ctx context.Context) error {
	if a.tx.Status() == platform.StatusMarkedRollback {
		return nil
	}
	for _, p := range a.ordered() {
		code := p.PrepareContext(ctx, a.xid, false)
		switch code {
		case xa.OK:
			a.addPrepared(p)
		case xa.ReadOnly:
		default:
			if code != xa.LocalFailure {
				a.addPrepared(p)
			}
			a.logger.Debug("Prepare failed, marking rollback only",
				zap.String("cache", p.CacheName()), zap.Stringer("code", code))
			if err := a.tx.SetRollbackOnly(); err != nil {
				a.logger.Warn("Unable to mark transaction rollback only", zap.Error(err))
			}
			return nil
		}
	}
	return nil
}

// AfterCompletion commits or rolls back the prepared caches, forgets the
// transaction and drops the adapter.
func (a *syncAdapter) AfterCompletion(ctx context.Context, status platform.Status) {
	defer a.table.adapters.Delete(a.tx)

	commit := status == platform.StatusCommitted
	prepared := a.preparedParticipants()
	codes := make([]xa.Code, 0, len(prepared))
	for _, p := range prepared {
		codes = append(codes, p.Complete(ctx, a.xid, commit))
	}
	if err := xa.Aggregate(commit, codes); err != nil {
		a.logger.Warn("Transaction completed with a heuristic outcome",
			zap.Bool("commit", commit), zap.Error(err))
	}
	for _, p := range prepared {
		p.Forget(ctx, a.xid)
	}
}

func (a *syncAdapter) addPrepared(p Participant) {
	a.preparedMu.Lock()
	a.prepared = append(a.prepared, p)
	a.preparedMu.Unlock()
}

func (a *syncAdapter) preparedParticipants() []Participant {
	a.preparedMu.Lock()
	defer a.preparedMu.Unlock()
	return append([]Participant(nil), a.prepared...)
}

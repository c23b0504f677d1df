package client

import (
	"context"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/platform"
	"go.uber.org/zap"
)

type xaState int

const (
	xaNoXid xaState = iota
	xaActive
	xaSuspended
	xaEnded
	xaPrepared
	xaDone
)

// xaAdapter is the XAResource enlisted for one platform transaction. It fans
// every XA call out to the participants in cache name order.
type xaAdapter struct {
	enlistment
	table  *XATable
	tx     platform.Transaction
	logger *zap.Logger

	enlistOnce sync.Once
	enlistErr  error

	stateMu      sync.Mutex
	xid          transaction.Xid
	state        xaState
	rollbackOnly bool
	// prepared holds every participant contacted by prepare, in order, that
	// has to be completed.
	prepared []Participant
}

var _ platform.XAResource = (*xaAdapter)(nil)

func (a *xaAdapter) Start(_ context.Context, xid transaction.Xid, flags xa.Flag) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if flags.Has(xa.TMJoin) || flags.Has(xa.TMResume) {
		if a.xid != xid {
			return xa.NewError(xa.ErrOutside, "resume of %s while associated with %s", xid, a.xid)
		}
		switch a.state {
		case xaActive, xaSuspended, xaEnded:
			a.state = xaActive
			return nil
		}
		return xa.NewError(xa.ErrProto, "cannot resume %s", xid)
	}

	if a.state != xaNoXid {
		if a.xid != xid {
			return xa.NewError(xa.ErrOutside, "start of %s while associated with %s", xid, a.xid)
		}
		return xa.NewError(xa.ErrDupID, "transaction %s already started", xid)
	}
	a.xid = xid
	a.state = xaActive
	a.logger = a.table.logger.With(zap.Stringer("xid", xid))
	a.table.byXid.Store(xid, a)
	a.logger.Debug("Started")
	return nil
}

func (a *xaAdapter) End(_ context.Context, xid transaction.Xid, flags xa.Flag) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if err := a.checkXidLocked(xid); err != nil {
		return err
	}
	switch {
	case flags.Has(xa.TMSuspend):
		a.state = xaSuspended
	case flags.Has(xa.TMFail):
		a.rollbackOnly = true
		a.state = xaEnded
	default:
		a.state = xaEnded
	}
	return nil
}

// Prepare prepares the caches in order. Caches answering XA_RDONLY are
// skipped. Any other failure aborts the prepare with XA_RBROLLBACK; the caches
// contacted so far are rolled back when the transaction manager calls
// Rollback.
func (a *xaAdapter) Prepare(ctx context.Context, xid transaction.Xid) (xa.Code, error) {
	a.stateMu.Lock()
	if err := a.checkXidLocked(xid); err != nil {
		a.stateMu.Unlock()
		return xa.OK, err
	}
	rollbackOnly := a.rollbackOnly
	a.stateMu.Unlock()

	if rollbackOnly {
		return xa.OK, xa.NewError(xa.RBRollback, "transaction %s ended with TMFAIL", xid)
	}

	code, err := a.internalPrepare(ctx)
	if err != nil {
		return xa.RBRollback, err
	}
	if code == xa.ReadOnly {
		a.logger.Debug("Every cache is read only")
		a.cleanup(ctx)
		return xa.ReadOnly, nil
	}
	a.setState(xaPrepared)
	return xa.OK, nil
}

func (a *xaAdapter) internalPrepare(ctx context.Context) (xa.Code, error) {
	readOnly := true
	for _, p := range a.ordered() {
		code := p.PrepareContext(ctx, a.currentXid(), false)
		switch code {
		case xa.OK:
			a.addPrepared(p)
			readOnly = false
		case xa.ReadOnly:
		default:
			if code != xa.LocalFailure {
				a.addPrepared(p)
			}
			a.logger.Debug("Prepare failed", zap.String("cache", p.CacheName()), zap.Stringer("code", code))
			return code, xa.NewError(xa.RBRollback, "prepare failed on cache %s with %s", p.CacheName(), code)
		}
	}
	if readOnly {
		return xa.ReadOnly, nil
	}
	return xa.OK, nil
}

// Commit completes the transaction on every prepared cache and folds the
// answers into one outcome. With onePhase set the prepare round is run here.
func (a *xaAdapter) Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error {
	a.stateMu.Lock()
	if err := a.checkXidLocked(xid); err != nil {
		a.stateMu.Unlock()
		return err
	}
	state := a.state
	a.stateMu.Unlock()

	defer a.cleanup(ctx)
	if onePhase {
		return a.onePhaseCommit(ctx)
	}
	if state != xaPrepared {
		return xa.NewError(xa.ErrProto, "commit of %s before prepare", xid)
	}
	return xa.Aggregate(true, a.completePrepared(ctx, true))
}

// onePhaseCommit prepares every cache with pending writes but the last one,
// then asks the last one to commit in one phase and commits the others when it
// succeeded. Any failure rolls back what was prepared.
func (a *xaAdapter) onePhaseCommit(ctx context.Context) error {
	var writers []Participant
	for _, p := range a.ordered() {
		if p.HasModifications() {
			writers = append(writers, p)
		}
	}
	if len(writers) == 0 {
		return nil
	}
	xid := a.currentXid()

	last := writers[len(writers)-1]
	for _, p := range writers[:len(writers)-1] {
		code := p.PrepareContext(ctx, xid, false)
		switch code {
		case xa.OK:
			a.addPrepared(p)
			continue
		case xa.ReadOnly:
			continue
		case xa.LocalFailure:
		default:
			a.addPrepared(p)
		}
		a.logger.Debug("One-phase prepare failed", zap.String("cache", p.CacheName()), zap.Stringer("code", code))
		a.rollbackPrepared(ctx)
		return xa.NewError(xa.RBRollback, "prepare failed on cache %s with %s", p.CacheName(), code)
	}

	code := last.PrepareContext(ctx, xid, true)
	if code != xa.OK && code != xa.ReadOnly {
		a.logger.Debug("One-phase commit failed", zap.String("cache", last.CacheName()), zap.Stringer("code", code))
		a.rollbackPrepared(ctx)
		return xa.NewError(xa.RBRollback, "one-phase commit failed on cache %s with %s", last.CacheName(), code)
	}

	codes := a.completePrepared(ctx, true)
	a.addPrepared(last)
	return xa.Aggregate(true, append(codes, xa.OK))
}

func (a *xaAdapter) Rollback(ctx context.Context, xid transaction.Xid) error {
	a.stateMu.Lock()
	if err := a.checkXidLocked(xid); err != nil {
		a.stateMu.Unlock()
		return err
	}
	a.stateMu.Unlock()

	defer a.cleanup(ctx)
	return xa.Aggregate(false, a.completePrepared(ctx, false))
}

func (a *xaAdapter) Forget(ctx context.Context, xid transaction.Xid) error {
	a.stateMu.Lock()
	if err := a.checkXidLocked(xid); err != nil {
		a.stateMu.Unlock()
		return err
	}
	a.stateMu.Unlock()

	a.cleanup(ctx)
	return nil
}

func (a *xaAdapter) Recover(ctx context.Context, flags xa.Flag) ([]transaction.Xid, error) {
	return a.table.Recover(ctx, flags)
}

func (a *xaAdapter) IsSameRM(other platform.XAResource) bool {
	return sameTable(a.table, other)
}

func (a *xaAdapter) SetTransactionTimeout(time.Duration) bool { return false }

func (a *xaAdapter) rollbackPrepared(ctx context.Context) {
	if err := xa.Aggregate(false, a.completePrepared(ctx, false)); err != nil {
		a.logger.Warn("Rollback of prepared caches did not complete cleanly", zap.Error(err))
	}
}

func (a *xaAdapter) completePrepared(ctx context.Context, commit bool) []xa.Code {
	prepared := a.preparedParticipants()
	codes := make([]xa.Code, 0, len(prepared))
	for _, p := range prepared {
		codes = append(codes, p.Complete(ctx, a.currentXid(), commit))
	}
	return codes
}

// cleanup drops the adapter from the table and forgets the transaction through
// the first prepared cache only; the servers reap the other entries.
func (a *xaAdapter) cleanup(ctx context.Context) {
	a.stateMu.Lock()
	if a.state == xaDone {
		a.stateMu.Unlock()
		return
	}
	a.state = xaDone
	xid := a.xid
	var first Participant
	if len(a.prepared) > 0 {
		first = a.prepared[0]
	}
	a.stateMu.Unlock()

	a.table.adapters.Delete(a.tx)
	a.table.byXid.Delete(xid)
	if first != nil {
		first.Forget(ctx, xid)
	}
}

func (a *xaAdapter) checkXidLocked(xid transaction.Xid) error {
	if a.state == xaNoXid || a.xid != xid {
		return xa.NewError(xa.ErrOutside, "%s is not associated with this resource", xid)
	}
	if a.state == xaDone {
		return xa.NewError(xa.ErrNotA, "%s already completed", xid)
	}
	return nil
}

func (a *xaAdapter) currentXid() transaction.Xid {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.xid
}

func (a *xaAdapter) setState(s xaState) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

func (a *xaAdapter) addPrepared(p Participant) {
	a.stateMu.Lock()
	a.prepared = append(a.prepared, p)
	a.stateMu.Unlock()
}

func (a *xaAdapter) preparedParticipants() []Participant {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return append([]Participant(nil), a.prepared...)
}

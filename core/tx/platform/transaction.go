package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap"
)

type enlistedResource struct {
	res        XAResource
	prepareRsp xa.Code
}

// EmbeddedTransaction is a platform transaction owned by a Manager.
type EmbeddedTransaction struct {
	xid    transaction.Xid
	logger *zap.Logger

	mu            sync.Mutex
	status        Status
	syncs         []Synchronization
	resources     []*enlistedResource
	firstRollback *RollbackError
}

var _ Transaction = (*EmbeddedTransaction)(nil)

func newEmbeddedTransaction(xid transaction.Xid, logger *zap.Logger) *EmbeddedTransaction {
	return &EmbeddedTransaction{
		xid:    xid,
		logger: logger.With(zap.Stringer("xid", xid)),
		status: StatusActive,
	}
}

func (t *EmbeddedTransaction) Xid() transaction.Xid { return t.xid }

func (t *EmbeddedTransaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetRollbackOnly marks the transaction so that its only possible outcome is a
// rollback.
func (t *EmbeddedTransaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.done() {
		return ErrTransactionDone
	}
	t.markRollbackOnlyLocked(&RollbackError{Reason: "transaction marked as rollback only"})
	return nil
}

func (t *EmbeddedTransaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkRegisterLocked(); err != nil {
		return err
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// EnlistResource adds r to the transaction and starts its branch. A resource that
// reports IsSameRM with an already enlisted one is ignored.
func (t *EmbeddedTransaction) EnlistResource(ctx context.Context, r XAResource) error {
	t.mu.Lock()
	if err := t.checkRegisterLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	for _, other := range t.resources {
		if other.res.IsSameRM(r) {
			t.mu.Unlock()
			t.logger.Debug("Ignoring resource, it is already enlisted")
			return nil
		}
	}
	t.resources = append(t.resources, &enlistedResource{res: r})
	t.mu.Unlock()

	if err := r.Start(ctx, t.xid, xa.TMNoFlags); err != nil {
		if xa.CodeOf(err).IsRollback() {
			rbErr := &RollbackError{Reason: "resource rolled back the transaction on start", Cause: err}
			t.mu.Lock()
			t.markRollbackOnlyLocked(rbErr)
			t.mu.Unlock()
			return rbErr
		}
		return fmt.Errorf("start resource branch: %w", err)
	}
	return nil
}

// Commit completes the transaction. It returns a *RollbackError when the
// transaction was rolled back instead, or one of the heuristic errors when the
// resources did not reach a uniform outcome.
func (t *EmbeddedTransaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.status.done() {
		t.mu.Unlock()
		return ErrTransactionDone
	}
	t.mu.Unlock()

	t.notifyBeforeCompletion(ctx)
	t.endResources(ctx)

	resources := t.snapshotResources()
	if t.Status() != StatusMarkedRollback && len(resources) == 1 {
		return t.commitOnePhase(ctx, resources[0])
	}
	if !t.runPrepare(ctx, resources) {
		return t.runRollback(ctx, resources)
	}

	t.setStatus(StatusCommitting)
	err := t.finishResources(ctx, resources, true)
	t.finish(ctx, err, StatusCommitted)
	return err
}

// Rollback rolls the transaction back.
func (t *EmbeddedTransaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.status.done() {
		t.mu.Unlock()
		return ErrTransactionDone
	}
	t.status = StatusMarkedRollback
	t.mu.Unlock()

	t.endResources(ctx)

	t.setStatus(StatusRollingBack)
	resources := t.snapshotResources()
	err := t.finishResources(ctx, resources, false)
	t.finish(ctx, err, StatusRolledBack)
	if err != nil {
		return fmt.Errorf("unable to rollback transaction: %w", err)
	}
	return nil
}

func (t *EmbeddedTransaction) commitOnePhase(ctx context.Context, r *enlistedResource) error {
	t.setStatus(StatusCommitting)
	err := r.res.Commit(ctx, t.xid, true)
	code := xa.CodeOf(err)
	switch {
	case err == nil, code == xa.HeurCom, code == xa.ErrNotA:
		t.finish(ctx, nil, StatusCommitted)
		return nil
	case code.IsRollback():
		rbErr := &RollbackError{Reason: "one-phase commit rolled back", Cause: err}
		t.finish(ctx, nil, StatusRolledBack)
		return rbErr
	case code == xa.HeurRB:
		hErr := &HeuristicRollbackError{Cause: err}
		t.finish(ctx, hErr, StatusRolledBack)
		return hErr
	default:
		hErr := &HeuristicMixedError{Cause: err}
		t.finish(ctx, hErr, StatusUnknown)
		return hErr
	}
}

// runPrepare prepares every resource in enlistment order. It stops at the first
// failure; rollback is invoked on all of them afterwards.
func (t *EmbeddedTransaction) runPrepare(ctx context.Context, resources []*enlistedResource) bool {
	if t.Status() == StatusMarkedRollback {
		return false
	}
	t.setStatus(StatusPreparing)
	for _, r := range resources {
		code, err := r.res.Prepare(ctx, t.xid)
		if err != nil {
			t.logger.Debug("Resource wants to rollback", zap.Error(err))
			t.mu.Lock()
			t.markRollbackOnlyLocked(&RollbackError{Reason: "resource prepare wants to rollback", Cause: err})
			t.mu.Unlock()
			return false
		}
		r.prepareRsp = code
	}
	t.setStatus(StatusPrepared)
	return true
}

func (t *EmbeddedTransaction) runRollback(ctx context.Context, resources []*enlistedResource) error {
	t.setStatus(StatusRollingBack)
	err := t.finishResources(ctx, resources, false)
	t.finish(ctx, err, StatusRolledBack)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstRollback != nil {
		return t.firstRollback
	}
	return &RollbackError{Reason: "transaction marked as rollback only"}
}

// finishResources commits or rolls back every resource and folds the failures
// the same way an XA transaction manager does: XAER_NOTA is ignored, heuristic
// answers from every resource surface as a heuristic rollback, anything else as
// a heuristic mixed outcome.
func (t *EmbeddedTransaction) finishResources(ctx context.Context, resources []*enlistedResource, commit bool) error {
	var ok, heuristic, failed bool
	onlyHeurCom := true
	var cause error
	for _, r := range resources {
		var err error
		if commit {
			if r.prepareRsp == xa.ReadOnly {
				t.logger.Debug("Skipping commit, resource prepared read-only")
				continue
			}
			err = r.res.Commit(ctx, t.xid, false)
		} else {
			err = r.res.Rollback(ctx, t.xid)
		}
		if err == nil {
			ok = true
			continue
		}
		cause = err
		t.logger.Warn("Resource completion failed", zap.Bool("commit", commit), zap.Error(err))
		switch xa.CodeOf(err) {
		case xa.HeurCom:
			heuristic = true
		case xa.HeurRB, xa.HeurMix:
			heuristic = true
			onlyHeurCom = false
		case xa.ErrNotA:
			ok = true
		default:
			failed = true
		}
	}

	if heuristic && !ok && !failed {
		if !commit && onlyHeurCom {
			return &HeuristicCommitError{Cause: cause}
		}
		return &HeuristicRollbackError{Cause: cause}
	}
	if failed || heuristic {
		t.setStatus(StatusUnknown)
		return &HeuristicMixedError{Cause: cause}
	}
	return nil
}

func (t *EmbeddedTransaction) finish(ctx context.Context, err error, status Status) {
	var hm *HeuristicMixedError
	var hr *HeuristicRollbackError
	var hc *HeuristicCommitError
	switch {
	case errors.As(err, &hm):
		status = StatusUnknown
	case errors.As(err, &hr):
		status = StatusRolledBack
	case errors.As(err, &hc):
		status = StatusCommitted
	}
	t.setStatus(status)

	t.mu.Lock()
	syncs := append([]Synchronization(nil), t.syncs...)
	t.syncs = nil
	t.resources = nil
	t.mu.Unlock()

	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}
}

func (t *EmbeddedTransaction) notifyBeforeCompletion(ctx context.Context) {
	t.mu.Lock()
	syncs := append([]Synchronization(nil), t.syncs...)
	t.mu.Unlock()

	for _, s := range syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			t.logger.Warn("Synchronization before completion failed", zap.Error(err))
			t.mu.Lock()
			t.markRollbackOnlyLocked(&RollbackError{Reason: "synchronization wants to rollback", Cause: err})
			t.mu.Unlock()
		}
	}
}

func (t *EmbeddedTransaction) endResources(ctx context.Context) {
	for _, r := range t.snapshotResources() {
		if err := r.res.End(ctx, t.xid, xa.TMSuccess); err != nil {
			t.logger.Warn("Resource end failed", zap.Error(err))
			t.mu.Lock()
			t.markRollbackOnlyLocked(&RollbackError{Reason: "resource end wants to rollback", Cause: err})
			t.mu.Unlock()
		}
	}
}

func (t *EmbeddedTransaction) snapshotResources() []*enlistedResource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*enlistedResource(nil), t.resources...)
}

func (t *EmbeddedTransaction) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *EmbeddedTransaction) markRollbackOnlyLocked(cause *RollbackError) {
	if t.status == StatusMarkedRollback {
		return
	}
	t.status = StatusMarkedRollback
	if t.firstRollback == nil {
		t.firstRollback = cause
	}
}

func (t *EmbeddedTransaction) checkRegisterLocked() error {
	if t.status == StatusMarkedRollback {
		return &RollbackError{Reason: "transaction has been marked as rollback only"}
	}
	if t.status.done() {
		return ErrTransactionDone
	}
	return nil
}

package server

import (
	"context"
	"errors"

	"github.com/sushant-115/gojogrid/core/cache"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap"
)

// PrepareCoordinator drives one transaction on one cache of the node that
// runs it. Every step is first recorded in the global state; the embedded
// transaction only runs once the transition was accepted.
type PrepareCoordinator struct {
	srv    *Server
	engine Engine
	key    transaction.CacheXid
	logger *zap.Logger

	tx    LocalTransaction
	state *TxState
}

func (s *Server) newCoordinator(engine Engine, key transaction.CacheXid) *PrepareCoordinator {
	return &PrepareCoordinator{
		srv:    s,
		engine: engine,
		key:    key,
		logger: s.logger.With(zap.String("cache", key.Cache), zap.Stringer("xid", key.Xid)),
	}
}

// resume binds the coordinator to a transaction already running on this node.
func (s *Server) resume(key transaction.CacheXid, tx LocalTransaction, state *TxState) *PrepareCoordinator {
	c := s.newCoordinator(nil, key)
	c.tx, c.state = tx, state
	return c
}

// StartTransaction begins the embedded transaction, registers it locally and
// creates the ACTIVE global state. It fails with ErrTransactionExists when the
// Xid is still known.
func (c *PrepareCoordinator) StartTransaction(ctx context.Context) error {
	tx := c.engine.Begin(c.key.Xid)
	if !c.srv.table.RegisterLocal(c.key, tx) {
		return ErrTransactionExists
	}
	state := NewTxState(c.key.Xid, c.srv.cluster.LocalAddress())
	if err := c.srv.table.Create(ctx, c.key, state); err != nil {
		c.srv.table.RemoveLocal(c.key)
		return err
	}
	c.tx, c.state = tx, state
	c.logger.Debug("Transaction started")
	return nil
}

// Prepare records PREPARING with the write set, prepares the embedded
// transaction and records PREPARED. With onePhase set the transaction is then
// committed right away.
func (c *PrepareCoordinator) Prepare(ctx context.Context, mods []transaction.Modification, onePhase bool) xa.Code {
	if err := c.transition(ctx, func(s *TxState) *TxState { return s.MarkPreparing(mods) }); err != nil {
		return c.abort(ctx, err)
	}

	if err := c.tx.Apply(mods); err != nil {
		c.logger.Warn("Unable to apply modifications", zap.Error(err))
		c.Rollback(ctx)
		return xa.RBOther
	}
	if err := c.tx.Prepare(ctx); err != nil {
		c.logger.Debug("Embedded prepare failed", zap.Error(err))
		c.Rollback(ctx)
		return prepareFailureCode(err)
	}

	if err := c.transition(ctx, func(s *TxState) *TxState { return s.Prepare(mods) }); err != nil {
		return c.abort(ctx, err)
	}
	if onePhase {
		return c.Commit(ctx)
	}
	return xa.OK
}

// Commit records COMMITTED, commits the embedded transaction and forgets the
// transaction.
func (c *PrepareCoordinator) Commit(ctx context.Context) xa.Code {
	if err := c.transition(ctx, (*TxState).Commit); err != nil {
		return c.srv.afterRejected(ctx, c.key, true)
	}
	code := xa.OK
	if err := c.tx.Commit(ctx); err != nil {
		c.logger.Error("Embedded commit failed after the decision was recorded", zap.Error(err))
		code = xa.HeurHazard
	}
	c.srv.forget(ctx, c.key)
	return code
}

// Rollback records ROLLED_BACK, rolls back the embedded transaction and
// forgets the transaction.
func (c *PrepareCoordinator) Rollback(ctx context.Context) xa.Code {
	if err := c.transition(ctx, (*TxState).Rollback); err != nil {
		return c.srv.afterRejected(ctx, c.key, false)
	}
	code := xa.OK
	if err := c.tx.Rollback(ctx); err != nil {
		c.logger.Error("Embedded rollback failed after the decision was recorded", zap.Error(err))
		code = xa.HeurHazard
	}
	c.srv.forget(ctx, c.key)
	return code
}

func (c *PrepareCoordinator) transition(ctx context.Context, fn func(*TxState) *TxState) error {
	next, err := c.srv.table.Update(ctx, c.key, c.state, fn)
	if err != nil {
		if errors.Is(err, ErrTransitionRejected) {
			c.srv.observer.Rejected(ctx, c.key.Cache)
		}
		return err
	}
	c.state = next
	return nil
}

// abort handles a rejected or failed transition during prepare: somebody else
// owns the decision, so only the embedded transaction is rolled back.
func (c *PrepareCoordinator) abort(ctx context.Context, err error) xa.Code {
	c.logger.Debug("Prepare aborted", zap.Error(err))
	if rbErr := c.tx.Rollback(ctx); rbErr != nil {
		c.logger.Warn("Embedded rollback failed", zap.Error(rbErr))
	}
	c.srv.table.RemoveLocal(c.key)
	if errors.Is(err, ErrTransitionRejected) {
		return xa.RBRollback
	}
	return xa.ErrRMFail
}

func prepareFailureCode(err error) xa.Code {
	switch {
	case errors.Is(err, cache.ErrLockConflict):
		return xa.RBDeadlock
	case errors.Is(err, cache.ErrWriteSkew):
		return xa.RBIntegrity
	}
	return xa.RBRollback
}

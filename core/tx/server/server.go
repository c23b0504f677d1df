package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap"
)

// ErrUnknownCache is returned for requests naming a cache this node does not
// host.
var ErrUnknownCache = errors.New("unknown cache")

// Option configures a Server.
type Option func(*Server)

// WithObserver installs o to be told about coordinator events.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// Server answers the transaction requests of clients and peers for the caches
// hosted by this node.
type Server struct {
	cluster  Cluster
	table    *TransactionTable
	logger   *zap.Logger
	observer Observer

	mu      sync.RWMutex
	engines map[string]Engine
}

// NewServer returns a Server keeping the global transaction table in store.
func NewServer(store Store, cluster Cluster, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cluster:  cluster,
		table:    NewTransactionTable(store, logger),
		logger:   logger.Named("tx_coordinator"),
		observer: nopObserver{},
		engines:  make(map[string]Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddCache hosts engine under its name.
func (s *Server) AddCache(engine Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[engine.Name()] = engine
}

// Cache returns the engine hosted under name.
func (s *Server) Cache(name string) (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}
	return e, nil
}

// CacheNames lists the hosted caches.
func (s *Server) CacheNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	return names
}

func (s *Server) Table() *TransactionTable { return s.table }

// Prepare handles a client prepare. A transaction seen for the first time is
// started on this node, which becomes its originator.
func (s *Server) Prepare(ctx context.Context, cacheName string, xid transaction.Xid, onePhase bool, mods []transaction.Modification) (xa.Code, error) {
	engine, err := s.Cache(cacheName)
	if err != nil {
		return xa.ErrRMErr, err
	}
	key := transaction.CacheXid{Cache: cacheName, Xid: xid}
	code, err := s.prepare(ctx, engine, key, onePhase, mods)
	s.observer.Prepared(ctx, cacheName, code)
	return code, err
}

// prepare returns an error, not a code, when the global state cannot be read
// or created.
func (s *Server) prepare(ctx context.Context, engine Engine, key transaction.CacheXid, onePhase bool, mods []transaction.Modification) (xa.Code, error) {
	logger := s.logger.With(zap.String("cache", key.Cache), zap.Stringer("xid", key.Xid))

	state, err := s.table.State(ctx, key)
	if err != nil {
		logger.Error("Unable to read transaction state", zap.Error(err))
		return xa.ErrRMFail, err
	}
	if state != nil {
		return s.prepareKnown(ctx, key, state, onePhase), nil
	}

	c := s.newCoordinator(engine, key)
	if err := c.StartTransaction(ctx); err != nil {
		if !errors.Is(err, ErrTransactionExists) {
			logger.Error("Unable to start transaction", zap.Error(err))
			return xa.ErrRMFail, err
		}
		logger.Debug("Transaction started concurrently", zap.Error(err))
		state, err := s.table.State(ctx, key)
		if err != nil || state == nil {
			return xa.RBRollback, nil
		}
		return s.prepareKnown(ctx, key, state, onePhase), nil
	}
	return c.Prepare(ctx, mods, onePhase), nil
}

// prepareKnown answers a prepare for a transaction that already has a global
// state, which happens when the client retries.
func (s *Server) prepareKnown(ctx context.Context, key transaction.CacheXid, state *TxState, onePhase bool) xa.Code {
	switch state.Status() {
	case StatusPrepared:
		if onePhase {
			return s.complete(ctx, key, state, true)
		}
		return xa.OK
	case StatusCommitted:
		return xa.OK
	}
	return xa.RBRollback
}

// Complete handles a client commit or rollback.
func (s *Server) Complete(ctx context.Context, cacheName string, xid transaction.Xid, commit bool) (xa.Code, error) {
	if _, err := s.Cache(cacheName); err != nil {
		return xa.ErrRMErr, err
	}
	key := transaction.CacheXid{Cache: cacheName, Xid: xid}
	code := s.completeRequest(ctx, key, commit, true)
	s.observer.Completed(ctx, cacheName, commit, code)
	return code, nil
}

// HandleForward runs a completion forwarded by another member on this node,
// the originator of the transaction.
func (s *Server) HandleForward(ctx context.Context, req CompletionRequest) (xa.Code, error) {
	if _, err := s.Cache(req.Cache); err != nil {
		return xa.ErrRMErr, err
	}
	return s.completeRequest(ctx, req.Key(), req.Commit, false), nil
}

func (s *Server) completeRequest(ctx context.Context, key transaction.CacheXid, commit, mayForward bool) xa.Code {
	state, err := s.table.State(ctx, key)
	if err != nil {
		s.logger.Error("Unable to read transaction state", zap.Stringer("key", key), zap.Error(err))
		return xa.ErrRMFail
	}
	if state == nil {
		s.dropLocal(ctx, key)
		return xa.AlreadyForgotten
	}
	if !mayForward {
		return s.completeLocal(ctx, key, state, commit)
	}
	return s.complete(ctx, key, state, commit)
}

// complete decides where a commit or rollback runs: on this node when it runs
// the transaction or is not clustered, on the originator when it is still a
// member, and otherwise by updating the global state here and replaying the
// decision on every member.
func (s *Server) complete(ctx context.Context, key transaction.CacheXid, state *TxState, commit bool) xa.Code {
	if state.Status().IsTerminal() {
		return terminalCode(state.Status(), commit)
	}
	if commit && state.Status() != StatusPrepared {
		return xa.ErrProto
	}

	origin := state.Originator()
	if !s.cluster.IsClustered() || origin == s.cluster.LocalAddress() {
		return s.completeLocal(ctx, key, state, commit)
	}
	if s.cluster.IsMember(origin) {
		code, err := s.cluster.Forward(ctx, origin, CompletionRequest{Cache: key.Cache, Xid: key.Xid, Commit: commit})
		s.observer.Forwarded(ctx, key.Cache)
		if err == nil {
			return code
		}
		s.logger.Warn("Forward to originator failed",
			zap.Stringer("key", key), zap.String("originator", origin), zap.Error(err))
		if s.cluster.IsMember(origin) {
			return xa.HeurHazard
		}
	}
	return s.replay(ctx, key, state, commit)
}

func (s *Server) completeLocal(ctx context.Context, key transaction.CacheXid, state *TxState, commit bool) xa.Code {
	if state.Status().IsTerminal() {
		return terminalCode(state.Status(), commit)
	}
	tx, ok := s.table.Local(key)
	if !ok {
		s.logger.Debug("No local transaction, replaying decision", zap.Stringer("key", key))
		return s.replay(ctx, key, state, commit)
	}
	c := s.resume(key, tx, state)
	if commit {
		return c.Commit(ctx)
	}
	return c.Rollback(ctx)
}

// replay records the decision in the global state, sends it to every member
// and forgets the transaction. This node takes over the write set, the same way
// the originator alone applies it on a normal commit.
func (s *Server) replay(ctx context.Context, key transaction.CacheXid, state *TxState, commit bool) xa.Code {
	mods := state.Modifications()
	transition := (*TxState).Rollback
	if commit {
		transition = (*TxState).Commit
	}
	if _, err := s.table.Update(ctx, key, state, transition); err != nil {
		if errors.Is(err, ErrTransitionRejected) {
			s.observer.Rejected(ctx, key.Cache)
		}
		return s.afterRejected(ctx, key, commit)
	}

	cmd := ReplayCommand{Cache: key.Cache, Xid: key.Xid, Commit: commit, Owner: s.cluster.LocalAddress(), Modifications: mods}
	var err error
	if s.cluster.IsClustered() {
		err = s.cluster.Broadcast(ctx, cmd)
	} else {
		err = s.HandleReplay(ctx, cmd)
	}
	if err != nil {
		s.logger.Warn("Replay did not reach every member", zap.Stringer("key", key), zap.Error(err))
	}
	s.observer.Replayed(ctx, key.Cache)
	s.logger.Info("Replayed decision of departed originator",
		zap.Stringer("key", key), zap.String("originator", state.Originator()), zap.Bool("commit", commit))

	s.forget(ctx, key)
	return xa.OK
}

// afterRejected works out the answer once a decision could not be recorded
// because the state moved.
func (s *Server) afterRejected(ctx context.Context, key transaction.CacheXid, commit bool) xa.Code {
	state, err := s.table.State(ctx, key)
	switch {
	case err != nil:
		return xa.ErrRMFail
	case state == nil:
		return xa.AlreadyForgotten
	case state.Status().IsTerminal():
		return terminalCode(state.Status(), commit)
	}
	return xa.HeurHazard
}

func terminalCode(status Status, commit bool) xa.Code {
	switch {
	case status == StatusCommitted && commit, status == StatusRolledBack && !commit:
		return xa.OK
	case status == StatusCommitted:
		return xa.HeurCom
	}
	return xa.HeurRB
}

// HandleReplay applies a replayed decision. A transaction still registered
// here is rolled back first so that its locks are released; the write set is
// applied only when this node owns the replay.
func (s *Server) HandleReplay(ctx context.Context, cmd ReplayCommand) error {
	engine, err := s.Cache(cmd.Cache)
	if err != nil {
		return err
	}
	s.dropLocal(ctx, cmd.Key())
	if cmd.Commit && cmd.Owner == s.cluster.LocalAddress() {
		engine.ApplyModifications(cmd.Modifications)
	}
	return nil
}

// HandleForgetLocal drops the transaction this node runs for key, if any.
func (s *Server) HandleForgetLocal(ctx context.Context, key transaction.CacheXid) {
	s.dropLocal(ctx, key)
}

// Forget handles a client forget. Undecided transactions are left to their
// coordinator.
func (s *Server) Forget(ctx context.Context, cacheName string, xid transaction.Xid) error {
	key := transaction.CacheXid{Cache: cacheName, Xid: xid}
	state, err := s.table.State(ctx, key)
	if err != nil {
		return err
	}
	if state == nil {
		s.dropLocal(ctx, key)
		return nil
	}
	if !state.Status().IsTerminal() {
		s.logger.Debug("Ignoring forget of undecided transaction", zap.Stringer("key", key), zap.Stringer("status", state.Status()))
		return nil
	}
	if err := s.table.RemoveState(ctx, key); err != nil {
		return err
	}
	s.dropLocal(ctx, key)
	s.observer.Forgotten(ctx, cacheName)
	return nil
}

// Recover lists the prepared transactions of cacheName.
func (s *Server) Recover(ctx context.Context, cacheName string) ([]transaction.Xid, error) {
	if _, err := s.Cache(cacheName); err != nil {
		return nil, err
	}
	return s.table.Prepared(ctx, cacheName)
}

// forget removes the transaction from every member and from the global table.
func (s *Server) forget(ctx context.Context, key transaction.CacheXid) {
	if s.cluster.IsClustered() {
		if err := s.cluster.BroadcastForget(ctx, key); err != nil {
			s.logger.Warn("Forget did not reach every member", zap.Stringer("key", key), zap.Error(err))
		}
	}
	if err := s.table.RemoveState(ctx, key); err != nil {
		s.logger.Warn("Unable to remove transaction state", zap.Stringer("key", key), zap.Error(err))
	}
	s.table.RemoveLocal(key)
	s.observer.Forgotten(ctx, key.Cache)
}

func (s *Server) dropLocal(ctx context.Context, key transaction.CacheXid) {
	tx, ok := s.table.Local(key)
	if !ok {
		return
	}
	// A completed transaction refuses the rollback, which is fine.
	_ = tx.Rollback(ctx)
	s.table.RemoveLocal(key)
}

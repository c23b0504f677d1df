package fsm

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/tx/server"
)

// Forwarder sends a command to the leader listening on addr.
type Forwarder interface {
	ForwardCommand(ctx context.Context, addr string, cmd Command) (*Result, error)
}

// Store is the server.Store replicated through raft. Reads are served by the
// local FSM; writes go through the leader and return once they were applied
// locally, so a node reads its own writes.
type Store struct {
	node      *Node
	forwarder Forwarder
}

var _ server.Store = (*Store)(nil)

func NewStore(node *Node, forwarder Forwarder) *Store {
	return &Store{node: node, forwarder: forwarder}
}

func (s *Store) Get(_ context.Context, key transaction.CacheXid) (*server.TxState, error) {
	state, _ := s.node.fsm.State(key)
	return state, nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key transaction.CacheXid, state *server.TxState) (*server.TxState, error) {
	res, err := s.apply(ctx, Command{Op: OpCreateState, Key: key.AppendBinary(nil), Value: state.AppendBinary(nil)})
	if err != nil {
		return nil, err
	}
	if res.Existing == nil {
		return nil, nil
	}
	return server.DecodeTxState(res.Existing)
}

func (s *Store) Replace(ctx context.Context, key transaction.CacheXid, prev, next *server.TxState) (bool, error) {
	res, err := s.apply(ctx, Command{
		Op:    OpReplaceState,
		Key:   key.AppendBinary(nil),
		Prev:  prev.AppendBinary(nil),
		Value: next.AppendBinary(nil),
	})
	if err != nil {
		return false, err
	}
	return res.Swapped, nil
}

func (s *Store) Remove(ctx context.Context, key transaction.CacheXid) error {
	_, err := s.apply(ctx, Command{Op: OpRemoveState, Key: key.AppendBinary(nil)})
	return err
}

func (s *Store) ForEach(_ context.Context, fn func(key transaction.CacheXid, state *server.TxState) bool) error {
	for key, state := range s.node.fsm.States() {
		if !fn(key, state) {
			break
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, cmd Command) (*Result, error) {
	if s.node.IsLeader() {
		return s.node.Apply(ctx, cmd)
	}
	leader, ok := s.node.Leader()
	if !ok {
		return nil, ErrNoLeader
	}
	if s.forwarder == nil {
		return nil, ErrNotLeader
	}
	res, err := s.forwarder.ForwardCommand(ctx, leader.Address, cmd)
	if err != nil {
		return nil, fmt.Errorf("forward %s to leader %s: %w", cmd.Op, leader.ID, err)
	}
	if !s.node.fsm.WaitApplied(ctx.Done(), res.Index) {
		return nil, fmt.Errorf("waiting for index %d: %w", res.Index, ctx.Err())
	}
	return res, res.Err()
}

package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap/zaptest"
)

// recordingResource is an XAResource that records calls and answers with
// canned results.
type recordingResource struct {
	name       string
	prepareRsp xa.Code
	prepareErr error
	commitErr  error
	rollbackFn func() error

	mu    sync.Mutex
	calls []string
}

func (r *recordingResource) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingResource) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingResource) Start(context.Context, transaction.Xid, xa.Flag) error {
	r.record("start")
	return nil
}

func (r *recordingResource) End(context.Context, transaction.Xid, xa.Flag) error {
	r.record("end")
	return nil
}

func (r *recordingResource) Prepare(context.Context, transaction.Xid) (xa.Code, error) {
	r.record("prepare")
	return r.prepareRsp, r.prepareErr
}

func (r *recordingResource) Commit(_ context.Context, _ transaction.Xid, onePhase bool) error {
	if onePhase {
		r.record("commit-1pc")
	} else {
		r.record("commit")
	}
	return r.commitErr
}

func (r *recordingResource) Rollback(context.Context, transaction.Xid) error {
	r.record("rollback")
	if r.rollbackFn != nil {
		return r.rollbackFn()
	}
	return nil
}

func (r *recordingResource) Forget(context.Context, transaction.Xid) error { return nil }

func (r *recordingResource) Recover(context.Context, xa.Flag) ([]transaction.Xid, error) {
	return nil, nil
}

func (r *recordingResource) IsSameRM(other XAResource) bool {
	o, ok := other.(*recordingResource)
	return ok && o.name == r.name
}

func (r *recordingResource) SetTransactionTimeout(time.Duration) bool { return true }

type recordingSync struct {
	before func(context.Context) error
	after  []Status
}

func (s *recordingSync) BeforeCompletion(ctx context.Context) error {
	if s.before != nil {
		return s.before(ctx)
	}
	return nil
}

func (s *recordingSync) AfterCompletion(_ context.Context, status Status) {
	s.after = append(s.after, status)
}

func newTestManager(t *testing.T) *Manager {
	return NewManager(zaptest.NewLogger(t), time.Second)
}

func TestManager_BeginAssociatesContext(t *testing.T) {
	m := newTestManager(t)
	ctx, tx := m.Begin(context.Background())

	assert.Equal(t, tx, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))

	found, ok := m.Lookup(tx.Xid())
	require.True(t, ok)
	assert.Equal(t, tx, found)

	require.NoError(t, tx.Commit(ctx))
	_, ok = m.Lookup(tx.Xid())
	assert.False(t, ok, "finished transactions are no longer tracked")
}

func TestCommit_SingleResourceUsesOnePhase(t *testing.T) {
	ctx, tx := newTestManager(t).Begin(context.Background())
	res := &recordingResource{name: "a"}
	require.NoError(t, tx.EnlistResource(ctx, res))
	require.NoError(t, tx.EnlistResource(ctx, &recordingResource{name: "a"}), "same RM is ignored")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"start", "end", "commit-1pc"}, res.Calls())
	assert.Equal(t, StatusCommitted, tx.Status())
}

func TestCommit_TwoPhaseSkipsReadOnly(t *testing.T) {
	ctx, tx := newTestManager(t).Begin(context.Background())
	writer := &recordingResource{name: "w", prepareRsp: xa.OK}
	reader := &recordingResource{name: "r", prepareRsp: xa.ReadOnly}
	require.NoError(t, tx.EnlistResource(ctx, writer))
	require.NoError(t, tx.EnlistResource(ctx, reader))

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"start", "end", "prepare", "commit"}, writer.Calls())
	assert.Equal(t, []string{"start", "end", "prepare"}, reader.Calls())
}

func TestCommit_PrepareFailureRollsBack(t *testing.T) {
	ctx, tx := newTestManager(t).Begin(context.Background())
	first := &recordingResource{name: "a", prepareRsp: xa.OK}
	second := &recordingResource{name: "b", prepareErr: xa.NewError(xa.RBRollback, "no")}
	syncs := &recordingSync{}
	require.NoError(t, tx.RegisterSynchronization(syncs))
	require.NoError(t, tx.EnlistResource(ctx, first))
	require.NoError(t, tx.EnlistResource(ctx, second))

	err := tx.Commit(ctx)
	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, []string{"start", "end", "prepare", "rollback"}, first.Calls())
	assert.Equal(t, []string{"start", "end", "prepare", "rollback"}, second.Calls())
	assert.Equal(t, []Status{StatusRolledBack}, syncs.after)
}

func TestCommit_SynchronizationMarksRollback(t *testing.T) {
	ctx, tx := newTestManager(t).Begin(context.Background())
	syncs := &recordingSync{before: func(context.Context) error {
		return tx.SetRollbackOnly()
	}}
	require.NoError(t, tx.RegisterSynchronization(syncs))

	err := tx.Commit(ctx)
	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, []Status{StatusRolledBack}, syncs.after)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionDone)
}

func TestCommit_OnePhaseOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		check  func(t *testing.T, err error)
		status Status
	}{
		{"rollback code", xa.NewError(xa.RBRollback, ""), func(t *testing.T, err error) {
			var rb *RollbackError
			assert.ErrorAs(t, err, &rb)
		}, StatusRolledBack},
		{"heuristic rollback", xa.NewError(xa.HeurRB, ""), func(t *testing.T, err error) {
			var hr *HeuristicRollbackError
			assert.ErrorAs(t, err, &hr)
		}, StatusRolledBack},
		{"heuristic mixed", xa.NewError(xa.HeurMix, ""), func(t *testing.T, err error) {
			var hm *HeuristicMixedError
			assert.ErrorAs(t, err, &hm)
		}, StatusUnknown},
		{"already forgotten", xa.NewError(xa.ErrNotA, ""), func(t *testing.T, err error) {
			assert.NoError(t, err)
		}, StatusCommitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, tx := newTestManager(t).Begin(context.Background())
			require.NoError(t, tx.EnlistResource(ctx, &recordingResource{name: "a", commitErr: tc.err}))
			tc.check(t, tx.Commit(ctx))
			assert.Equal(t, tc.status, tx.Status())
		})
	}
}

func TestRollback_HeuristicFromEveryResource(t *testing.T) {
	ctx, tx := newTestManager(t).Begin(context.Background())
	heur := func() error { return xa.NewError(xa.HeurRB, "") }
	require.NoError(t, tx.EnlistResource(ctx, &recordingResource{name: "a", rollbackFn: heur}))
	require.NoError(t, tx.EnlistResource(ctx, &recordingResource{name: "b", rollbackFn: heur}))

	err := tx.Rollback(ctx)
	var hr *HeuristicRollbackError
	require.True(t, errors.As(err, &hr))
}

func TestRegister_AfterRollbackOnly(t *testing.T) {
	_, tx := newTestManager(t).Begin(context.Background())
	require.NoError(t, tx.SetRollbackOnly())

	err := tx.RegisterSynchronization(&recordingSync{})
	var rb *RollbackError
	assert.ErrorAs(t, err, &rb)
}

func TestRollback_EveryResourceCommittedHeuristically(t *testing.T) {
	ctx, tx := newTestManager(t).Begin(context.Background())
	heur := func() error { return xa.NewError(xa.HeurCom, "") }
	require.NoError(t, tx.EnlistResource(ctx, &recordingResource{name: "a", rollbackFn: heur}))

	err := tx.Rollback(ctx)
	var hc *HeuristicCommitError
	require.ErrorAs(t, err, &hc)
}

package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/cache"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap/zaptest"
)

func TestServer_TwoPhaseCommit(t *testing.T) {
	obs := &recordingObserver{}
	c := cache.New(testCache, zaptest.NewLogger(t))
	srv := NewServer(NewMemoryStore(), LocalCluster{Address: "local"}, zaptest.NewLogger(t), WithObserver(obs))
	srv.AddCache(CacheEngine{Cache: c})
	ctx := context.Background()
	xid := transaction.GenerateXid()

	code, err := srv.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.NoError(t, err)
	require.Equal(t, xa.OK, code)

	_, ok := c.Get([]byte("k"))
	assert.False(t, ok, "nothing is visible before commit")
	xids, err := srv.Recover(ctx, testCache)
	require.NoError(t, err)
	assert.Equal(t, []transaction.Xid{xid}, xids)

	code, err = srv.Complete(ctx, testCache, xid, true)
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)

	got, ok := c.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)

	state, err := srv.Table().State(ctx, transaction.CacheXid{Cache: testCache, Xid: xid})
	require.NoError(t, err)
	assert.Nil(t, state, "decided transactions are forgotten")
	assert.Zero(t, srv.Table().LocalCount())

	assert.Equal(t, []xa.Code{xa.OK}, obs.prepared)
	assert.Equal(t, []xa.Code{xa.OK}, obs.completed)
	assert.Equal(t, 1, obs.forgotten)
}

func TestServer_OnePhaseCommit(t *testing.T) {
	srv, c := newStandalone(t)
	ctx := context.Background()

	code, err := srv.Prepare(ctx, testCache, transaction.GenerateXid(), true, []transaction.Modification{put("k", "v")})
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)

	got, ok := c.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Zero(t, srv.Table().LocalCount())
}

func TestServer_Rollback(t *testing.T) {
	srv, c := newStandalone(t)
	ctx := context.Background()
	xid := transaction.GenerateXid()

	code, _ := srv.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)
	code, err := srv.Complete(ctx, testCache, xid, false)
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)

	_, ok := c.Get([]byte("k"))
	assert.False(t, ok)

	// The lock is gone.
	code, _ = srv.Prepare(ctx, testCache, transaction.GenerateXid(), true, []transaction.Modification{put("k", "w")})
	assert.Equal(t, xa.OK, code)
}

func TestServer_PrepareFailures(t *testing.T) {
	srv, c := newStandalone(t)
	ctx := context.Background()
	_, err := c.Put([]byte("seen"), []byte("v"), 0, 0)
	require.NoError(t, err)

	holder := transaction.GenerateXid()
	code, _ := srv.Prepare(ctx, testCache, holder, false, []transaction.Modification{put("locked", "v")})
	require.Equal(t, xa.OK, code)

	tests := []struct {
		name string
		mod  transaction.Modification
		want xa.Code
	}{
		{name: "lock held", mod: put("locked", "w"), want: xa.RBDeadlock},
		{name: "stale read", mod: transaction.Modification{Key: []byte("seen"), Value: []byte("w"), Versioned: true, Version: 999}, want: xa.RBIntegrity},
		{name: "absence no longer true", mod: transaction.Modification{Key: []byte("seen"), Value: []byte("w"), Versioned: true}, want: xa.RBIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xid := transaction.GenerateXid()
			code, err := srv.Prepare(ctx, testCache, xid, false, []transaction.Modification{tt.mod})
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)

			state, err := srv.Table().State(ctx, transaction.CacheXid{Cache: testCache, Xid: xid})
			require.NoError(t, err)
			assert.Nil(t, state)
			_, ok := srv.Table().Local(transaction.CacheXid{Cache: testCache, Xid: xid})
			assert.False(t, ok)
		})
	}
}

func TestServer_PrepareRetry(t *testing.T) {
	srv, c := newStandalone(t)
	ctx := context.Background()
	xid := transaction.GenerateXid()
	mods := []transaction.Modification{put("k", "v")}

	code, _ := srv.Prepare(ctx, testCache, xid, false, mods)
	require.Equal(t, xa.OK, code)
	code, _ = srv.Prepare(ctx, testCache, xid, false, mods)
	assert.Equal(t, xa.OK, code, "a retried prepare finds the transaction prepared")

	code, _ = srv.Prepare(ctx, testCache, xid, true, mods)
	assert.Equal(t, xa.OK, code, "a retried one-phase prepare commits")
	_, ok := c.Get([]byte("k"))
	assert.True(t, ok)
}

func TestServer_CompleteWithoutState(t *testing.T) {
	srv, _ := newStandalone(t)
	code, err := srv.Complete(context.Background(), testCache, transaction.GenerateXid(), true)
	require.NoError(t, err)
	assert.Equal(t, xa.AlreadyForgotten, code)
}

func TestServer_CommitRequiresPrepared(t *testing.T) {
	srv, _ := newStandalone(t)
	ctx := context.Background()
	key := transaction.CacheXid{Cache: testCache, Xid: transaction.GenerateXid()}
	require.NoError(t, srv.Table().Create(ctx, key, NewTxState(key.Xid, "local")))

	code, err := srv.Complete(ctx, testCache, key.Xid, true)
	require.NoError(t, err)
	assert.Equal(t, xa.ErrProto, code)

	code, err = srv.Complete(ctx, testCache, key.Xid, false)
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)
}

func TestServer_CompleteDecidedTransaction(t *testing.T) {
	srv, _ := newStandalone(t)
	ctx := context.Background()
	committed := transaction.CacheXid{Cache: testCache, Xid: transaction.GenerateXid()}
	rolledBack := transaction.CacheXid{Cache: testCache, Xid: transaction.GenerateXid()}
	require.NoError(t, srv.Table().Create(ctx, committed, NewTxState(committed.Xid, "local").Prepare(nil).Commit()))
	require.NoError(t, srv.Table().Create(ctx, rolledBack, NewTxState(rolledBack.Xid, "local").Rollback()))

	tests := []struct {
		key    transaction.CacheXid
		commit bool
		want   xa.Code
	}{
		{committed, true, xa.OK},
		{committed, false, xa.HeurCom},
		{rolledBack, false, xa.OK},
		{rolledBack, true, xa.HeurRB},
	}
	for _, tt := range tests {
		code, err := srv.Complete(ctx, testCache, tt.key.Xid, tt.commit)
		require.NoError(t, err)
		assert.Equal(t, tt.want, code, "%s commit=%v", tt.key, tt.commit)
	}
}

func TestServer_ForgetKeepsUndecided(t *testing.T) {
	srv, _ := newStandalone(t)
	ctx := context.Background()
	xid := transaction.GenerateXid()
	key := transaction.CacheXid{Cache: testCache, Xid: xid}

	code, _ := srv.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)
	require.NoError(t, srv.Forget(ctx, testCache, xid))
	state, err := srv.Table().State(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, state)

	decided := transaction.CacheXid{Cache: testCache, Xid: transaction.GenerateXid()}
	require.NoError(t, srv.Table().Create(ctx, decided, NewTxState(decided.Xid, "local").Rollback()))
	require.NoError(t, srv.Forget(ctx, testCache, decided.Xid))
	state, err = srv.Table().State(ctx, decided)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestServer_UnknownCache(t *testing.T) {
	srv, _ := newStandalone(t)
	_, err := srv.Prepare(context.Background(), "missing", transaction.GenerateXid(), false, nil)
	assert.ErrorIs(t, err, ErrUnknownCache)
	_, err = srv.Recover(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownCache)
}

func TestServer_ForwardsToLiveOriginator(t *testing.T) {
	net := newNetwork()
	a, cacheA := net.join(t, "a")
	b, _ := net.join(t, "b")
	ctx := context.Background()
	xid := transaction.GenerateXid()

	code, _ := a.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)

	code, err := b.Complete(ctx, testCache, xid, true)
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)
	assert.Equal(t, []string{"a"}, net.forwards)
	assert.Empty(t, net.broadcasts)

	got, ok := cacheA.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Zero(t, a.Table().LocalCount())
}

func TestServer_ReplaysWhenOriginatorLeft(t *testing.T) {
	net := newNetwork()
	a, _ := net.join(t, "a")
	b, cacheB := net.join(t, "b")
	_, cacheC := net.join(t, "c")
	ctx := context.Background()
	xid := transaction.GenerateXid()
	key := transaction.CacheXid{Cache: testCache, Xid: xid}

	code, _ := a.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)
	net.leave("a")

	code, err := b.Complete(ctx, testCache, xid, true)
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)

	assert.Empty(t, net.forwards)
	require.Len(t, net.broadcasts, 1)
	assert.True(t, net.broadcasts[0].Commit)
	assert.Equal(t, key, net.broadcasts[0].Key())

	assert.Equal(t, "b", net.broadcasts[0].Owner)

	got, ok := cacheB.Get([]byte("k"))
	require.True(t, ok, "the replaying member takes over the write set")
	assert.Equal(t, []byte("v"), got.Value)
	_, ok = cacheC.Get([]byte("k"))
	assert.False(t, ok, "other members only release their local state")
	state, err := b.Table().State(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, state)

	code, err = b.Complete(ctx, testCache, xid, true)
	require.NoError(t, err)
	assert.Equal(t, xa.AlreadyForgotten, code)
	assert.Len(t, net.broadcasts, 1)
}

func TestServer_ForwardFailureToLiveOriginator(t *testing.T) {
	net := newNetwork()
	a, _ := net.join(t, "a")
	b, _ := net.join(t, "b")
	ctx := context.Background()
	xid := transaction.GenerateXid()

	code, _ := a.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)
	net.forwardErr = errors.New("connection reset")

	code, err := b.Complete(ctx, testCache, xid, true)
	require.NoError(t, err)
	assert.Equal(t, xa.HeurHazard, code)
	assert.Empty(t, net.broadcasts)
}

func TestServer_ReusedXidAfterFailedForget(t *testing.T) {
	net := newNetwork()
	a, _ := net.join(t, "a")
	ctx := context.Background()
	xid := transaction.GenerateXid()
	net.forgetErr = errors.New("peer unreachable")

	code, _ := a.Prepare(ctx, testCache, xid, true, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)
	assert.Zero(t, a.Table().LocalCount())

	code, err := a.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "w")})
	require.NoError(t, err)
	assert.Equal(t, xa.OK, code)
	assert.Equal(t, 1, a.Table().LocalCount())
}

func TestServer_ReplayDropsLocalTransaction(t *testing.T) {
	srv, c := newStandalone(t)
	ctx := context.Background()
	xid := transaction.GenerateXid()

	code, _ := srv.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)

	require.NoError(t, srv.HandleReplay(ctx, ReplayCommand{
		Cache:         testCache,
		Xid:           xid,
		Commit:        true,
		Owner:         "local",
		Modifications: []transaction.Modification{put("k", "v")},
	}))
	assert.Zero(t, srv.Table().LocalCount())
	got, ok := c.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)

	_, err := c.Put([]byte("k"), []byte("free"), 0, 0)
	assert.NoError(t, err, "replay released the lock")
}

func TestServer_ReplayFromAnotherOwnerOnlyReleases(t *testing.T) {
	srv, c := newStandalone(t)
	ctx := context.Background()
	xid := transaction.GenerateXid()

	code, _ := srv.Prepare(ctx, testCache, xid, false, []transaction.Modification{put("k", "v")})
	require.Equal(t, xa.OK, code)

	require.NoError(t, srv.HandleReplay(ctx, ReplayCommand{
		Cache:         testCache,
		Xid:           xid,
		Commit:        true,
		Owner:         "elsewhere",
		Modifications: []transaction.Modification{put("k", "v")},
	}))
	assert.Zero(t, srv.Table().LocalCount())
	_, ok := c.Get([]byte("k"))
	assert.False(t, ok)
}

type unavailableStore struct {
	*MemoryStore
	err error
}

func (s unavailableStore) PutIfAbsent(context.Context, transaction.CacheXid, *TxState) (*TxState, error) {
	return nil, s.err
}

func TestServer_PrepareReturnsStoreError(t *testing.T) {
	errDown := errors.New("state store unavailable")
	c := cache.New(testCache, zaptest.NewLogger(t))
	srv := NewServer(unavailableStore{MemoryStore: NewMemoryStore(), err: errDown}, LocalCluster{Address: "local"}, zaptest.NewLogger(t))
	srv.AddCache(CacheEngine{Cache: c})

	_, err := srv.Prepare(context.Background(), testCache, transaction.GenerateXid(), false, []transaction.Modification{put("k", "v")})
	assert.ErrorIs(t, err, errDown)
	assert.Zero(t, srv.Table().LocalCount(), "the local transaction is released")

	_, err = c.Put([]byte("k"), []byte("free"), 0, 0)
	assert.NoError(t, err)
}

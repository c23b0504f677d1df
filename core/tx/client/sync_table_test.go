package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/platform"
	"go.uber.org/zap/zaptest"
)

type txFixture struct {
	tm      *platform.Manager
	table   TransactionTable
	journal *journal
}

func newTxFixture(t *testing.T, mode Mode) *txFixture {
	logger := zaptest.NewLogger(t)
	return &txFixture{
		tm:      platform.NewManager(logger, time.Minute),
		table:   NewTransactionTable(TableConfig{Mode: mode, Logger: logger, Timeout: time.Second}),
		journal: &journal{},
	}
}

func (f *txFixture) cache(t *testing.T, name string) (*Cache[string, []byte], *fakeRemote) {
	remote := newFakeRemote(name, f.journal)
	return NewCache[string, []byte](remote, BytesMarshaller{}, f.table, zaptest.NewLogger(t)), remote
}

func TestNewTransactionTable_ByMode(t *testing.T) {
	assert.Nil(t, NewTransactionTable(TableConfig{Mode: ModeNone}))
	assert.IsType(t, &SyncTable{}, NewTransactionTable(TableConfig{Mode: ModeNonXA}))
	assert.Equal(t, ModeNonDurableXA, NewTransactionTable(TableConfig{Mode: ModeNonDurableXA}).Mode())
	assert.Equal(t, ModeFullXA, NewTransactionTable(TableConfig{Mode: ModeFullXA}).Mode())

	mode, err := ParseMode("full_xa")
	require.NoError(t, err)
	assert.Equal(t, ModeFullXA, mode)
	_, err = ParseMode("BATCH")
	assert.Error(t, err)
}

func TestSyncTable_ReadOnlyCacheIsNotCompleted(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")
	b, remoteB := f.cache(t, "b")
	remoteB.seed("k", "v")

	ctx, tx := f.tm.Begin(context.Background())
	_, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, a.Put(ctx, "k1", []byte("v1")))
	require.Equal(t, 1, f.table.Size())

	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{"b:get", "a:prepare", "a:commit", "a:forget"}, f.journal.all())
	v, ok := remoteA.value("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 0, f.table.Size())
}

func TestSyncTable_PreparesInCacheNameOrder(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	ctx, tx := f.tm.Begin(context.Background())
	for _, name := range []string{"c3", "c1", "c2"} {
		c, _ := f.cache(t, name)
		require.NoError(t, c.Put(ctx, "k", []byte(name)))
	}

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{
		"c1:prepare", "c2:prepare", "c3:prepare",
		"c1:commit", "c2:commit", "c3:commit",
		"c1:forget", "c2:forget", "c3:forget",
	}, f.journal.all())
}

func TestSyncTable_LocalFailureStopsPrepare(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, _ := f.cache(t, "a")
	remoteB := newFakeRemote("b", f.journal)
	b := NewCache[string, []byte](remoteB, failingMarshaller{}, f.table, nil)
	c, _ := f.cache(t, "c")

	ctx, tx := f.tm.Begin(context.Background())
	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	require.NoError(t, b.Put(ctx, "k", []byte("poison")))
	require.NoError(t, a.Put(ctx, "k", []byte("v")))

	err := tx.Commit(ctx)
	var rb *platform.RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, []string{"a:prepare", "a:rollback", "a:forget"}, f.journal.all())
	assert.Equal(t, 0, f.table.Size())
}

func TestSyncTable_ServerRollbackMarksRollbackOnly(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")
	b, _ := f.cache(t, "b")
	remoteA.prepareFn = func(bool, int) (xa.Code, error) { return xa.RBIntegrity, nil }
	remoteA.completeFn = func(bool) (xa.Code, error) { return xa.OK, nil }

	ctx, tx := f.tm.Begin(context.Background())
	require.NoError(t, a.Put(ctx, "k", []byte("v")))
	require.NoError(t, b.Put(ctx, "k", []byte("v")))

	var rb *platform.RollbackError
	require.ErrorAs(t, tx.Commit(ctx), &rb)
	assert.Equal(t, []string{"a:prepare", "a:rollback", "a:forget"}, f.journal.all())
}

func TestSyncTable_ForgetFailureStillCleansUp(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")
	remoteA.forgetErr = errors.New("unreachable")

	ctx, tx := f.tm.Begin(context.Background())
	require.NoError(t, a.Put(ctx, "k", []byte("v")))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 0, f.table.Size())
}

func TestSyncTable_ApplicationRollbackContactsNoServer(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")

	ctx, tx := f.tm.Begin(context.Background())
	require.NoError(t, a.Put(ctx, "k", []byte("v")))
	require.NoError(t, tx.Rollback(ctx))

	assert.Empty(t, f.journal.all())
	_, ok := remoteA.value("k")
	assert.False(t, ok)
	assert.Equal(t, 0, f.table.Size())
}

func TestCache_WithoutTransactionGoesToServer(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "k", []byte("v")))
	v, found, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	stored, err := a.PutIfAbsent(ctx, "k", []byte("other"))
	require.NoError(t, err)
	assert.False(t, stored)

	removed, err := a.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok := remoteA.value("k")
	assert.False(t, ok)
}

func TestCache_TransactionSeesItsOwnWrites(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")
	remoteA.seed("existing", "old")

	ctx, tx := f.tm.Begin(context.Background())
	stored, err := a.PutIfAbsent(ctx, "existing", []byte("new"))
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = a.PutIfAbsent(ctx, "fresh", []byte("new"), WithLifespan(time.Minute))
	require.NoError(t, err)
	assert.True(t, stored)

	removed, err := a.Remove(ctx, "existing")
	require.NoError(t, err)
	assert.True(t, removed)

	found, err := a.ContainsKey(ctx, "existing")
	require.NoError(t, err)
	assert.False(t, found)
	v, found, err := a.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("new"), v)

	_, ok := remoteA.value("fresh")
	assert.False(t, ok, "nothing reaches the server before commit")

	require.NoError(t, tx.Commit(ctx))
	_, ok = remoteA.value("existing")
	assert.False(t, ok)
	got, ok := remoteA.value("fresh")
	require.True(t, ok)
	assert.Equal(t, "new", got)
}

func TestCache_MismatchedTypesInOneTransaction(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	remote := newFakeRemote("a", f.journal)
	raw := NewCache[string, []byte](remote, BytesMarshaller{}, f.table, nil)
	typed := NewCache[string, int](remote, JSONMarshaller[string, int]{}, f.table, nil)

	ctx, tx := f.tm.Begin(context.Background())
	require.NoError(t, raw.Put(ctx, "k", []byte("1")))
	assert.Error(t, typed.Put(ctx, "k", 1))
	require.NoError(t, tx.Rollback(ctx))
}

func TestCache_ContainsValue(t *testing.T) {
	f := newTxFixture(t, ModeNonXA)
	a, remoteA := f.cache(t, "a")
	remoteA.seed("k", "v")

	found, err := a.ContainsValue(context.Background(), []byte("v"))
	require.NoError(t, err)
	assert.True(t, found)

	ctx, tx := f.tm.Begin(context.Background())
	found, err = a.ContainsValue(ctx, []byte("v"))
	require.NoError(t, err)
	assert.True(t, found, "a value only stored on the server is found")

	removed, err := a.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	found, err = a.ContainsValue(ctx, []byte("v"))
	require.NoError(t, err)
	assert.False(t, found, "the pending removal hides the server value")

	require.NoError(t, tx.Rollback(ctx))
	got, ok := remoteA.value("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

// gatedTx is a platform transaction whose registrations block until release
// is closed and then answer err.
type gatedTx struct {
	xid           transaction.Xid
	release       chan struct{}
	err           error
	registrations atomic.Int32
}

func (g *gatedTx) Xid() transaction.Xid    { return g.xid }
func (g *gatedTx) Status() platform.Status { return platform.StatusActive }
func (g *gatedTx) SetRollbackOnly() error  { return nil }

func (g *gatedTx) RegisterSynchronization(platform.Synchronization) error {
	g.registrations.Add(1)
	<-g.release
	return g.err
}

func (g *gatedTx) EnlistResource(context.Context, platform.XAResource) error {
	g.registrations.Add(1)
	<-g.release
	return g.err
}

func enlistConcurrently(t *testing.T, table TransactionTable, tx platform.Transaction, release chan struct{}) []error {
	t.Helper()
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			remote := newFakeRemote(fmt.Sprintf("c%d", i), nil)
			_, errs[i] = table.Enlist(context.Background(), tx, remote, func(cfg ContextConfig) Participant {
				return NewTransactionContext[string, []byte](remote, BytesMarshaller{}, cfg)
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	return errs
}

func TestTransactionTables_ConcurrentEnlistRegistersOnce(t *testing.T) {
	for _, mode := range []Mode{ModeNonXA, ModeNonDurableXA} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newTxFixture(t, mode)
			tx := &gatedTx{xid: transaction.GenerateXid(), release: make(chan struct{})}

			for _, err := range enlistConcurrently(t, f.table, tx, tx.release) {
				require.NoError(t, err)
			}
			assert.Equal(t, int32(1), tx.registrations.Load())
			assert.Equal(t, 1, f.table.Size())
		})
	}
}

func TestTransactionTables_FailedRegistrationIsSeenByEveryCaller(t *testing.T) {
	for _, mode := range []Mode{ModeNonXA, ModeNonDurableXA} {
		t.Run(mode.String(), func(t *testing.T) {
			f := newTxFixture(t, mode)
			tx := &gatedTx{xid: transaction.GenerateXid(), release: make(chan struct{}), err: errors.New("transaction is completing")}

			for _, err := range enlistConcurrently(t, f.table, tx, tx.release) {
				assert.ErrorContains(t, err, "transaction is completing")
			}
			assert.Equal(t, 0, f.table.Size())
		})
	}
}

package fsm

import (
	"bytes"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"go.uber.org/zap/zaptest"
)

type memSink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { s.closed = true; return nil }

func applyCmd(t *testing.T, f *FSM, index uint64, cmd Command) *Result {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	res, ok := f.Apply(&raft.Log{Index: index, Data: data}).(*Result)
	require.True(t, ok)
	return res
}

func testKey() transaction.CacheXid {
	return transaction.CacheXid{Cache: "orders", Xid: transaction.GenerateXid()}
}

func TestFSM_CreateState(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	key := testKey()
	first := server.NewTxState(key.Xid, "a:1")

	res := applyCmd(t, f, 1, Command{Op: OpCreateState, Key: key.AppendBinary(nil), Value: first.AppendBinary(nil)})
	require.NoError(t, res.Err())
	assert.Nil(t, res.Existing)

	res = applyCmd(t, f, 2, Command{Op: OpCreateState, Key: key.AppendBinary(nil), Value: server.NewTxState(key.Xid, "b:1").AppendBinary(nil)})
	require.NoError(t, res.Err())
	existing, err := server.DecodeTxState(res.Existing)
	require.NoError(t, err)
	assert.Equal(t, "a:1", existing.Originator())

	stored, ok := f.State(key)
	require.True(t, ok)
	assert.True(t, stored.Equal(first))
	assert.Equal(t, uint64(2), f.AppliedIndex())
}

func TestFSM_ReplaceState(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	key := testKey()
	initial := server.NewTxState(key.Xid, "a:1")
	prepared := initial.Prepare([]transaction.Modification{{Key: []byte("k"), Value: []byte("v")}})
	applyCmd(t, f, 1, Command{Op: OpCreateState, Key: key.AppendBinary(nil), Value: initial.AppendBinary(nil)})

	res := applyCmd(t, f, 2, Command{Op: OpReplaceState, Key: key.AppendBinary(nil), Prev: initial.AppendBinary(nil), Value: prepared.AppendBinary(nil)})
	require.NoError(t, res.Err())
	assert.True(t, res.Swapped)

	res = applyCmd(t, f, 3, Command{Op: OpReplaceState, Key: key.AppendBinary(nil), Prev: initial.AppendBinary(nil), Value: initial.Rollback().AppendBinary(nil)})
	require.NoError(t, res.Err())
	assert.False(t, res.Swapped, "prev is stale")

	stored, _ := f.State(key)
	assert.Equal(t, server.StatusPrepared, stored.Status())

	applyCmd(t, f, 4, Command{Op: OpRemoveState, Key: key.AppendBinary(nil)})
	_, ok := f.State(key)
	assert.False(t, ok)

	res = applyCmd(t, f, 5, Command{Op: OpReplaceState, Key: key.AppendBinary(nil), Prev: prepared.AppendBinary(nil), Value: prepared.Commit().AppendBinary(nil)})
	assert.False(t, res.Swapped, "nothing to replace")
}

func TestFSM_RejectsBadCommands(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))

	res := applyCmd(t, f, 1, Command{Op: "bogus", Key: testKey().AppendBinary(nil)})
	assert.Error(t, res.Err())

	res = applyCmd(t, f, 2, Command{Op: OpAddMember})
	assert.Error(t, res.Err())

	res, ok := f.Apply(&raft.Log{Index: 3, Data: []byte("{")}).(*Result)
	require.True(t, ok)
	assert.Error(t, res.Err())
	assert.Equal(t, uint64(3), f.AppliedIndex())
}

func TestFSM_Members(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	applyCmd(t, f, 1, Command{Op: OpAddMember, Member: &Member{ID: "b", Address: "b:7000", RaftAddress: "b:7001"}})
	applyCmd(t, f, 2, Command{Op: OpAddMember, Member: &Member{ID: "a", Address: "a:7000", RaftAddress: "a:7001"}})

	assert.Equal(t, []string{"a:7000", "b:7000"}, f.Addresses())
	assert.True(t, f.HasAddress("b:7000"))

	applyCmd(t, f, 3, Command{Op: OpRemoveMember, Member: &Member{ID: "b"}})
	assert.False(t, f.HasAddress("b:7000"))
	m, ok := f.Member("a")
	require.True(t, ok)
	assert.Equal(t, "a:7001", m.RaftAddress)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	key := testKey()
	state := server.NewTxState(key.Xid, "a:1").Prepare([]transaction.Modification{{Key: []byte("k"), Value: []byte("v")}})
	applyCmd(t, f, 1, Command{Op: OpCreateState, Key: key.AppendBinary(nil), Value: state.AppendBinary(nil)})
	applyCmd(t, f, 2, Command{Op: OpAddMember, Member: &Member{ID: "a", Address: "a:1"}})

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)
	assert.False(t, sink.cancelled)

	restored := NewFSM(zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	got, ok := restored.State(key)
	require.True(t, ok)
	assert.True(t, got.Equal(state))
	assert.Equal(t, []Member{{ID: "a", Address: "a:1"}}, restored.Members())
}

func TestFSM_WaitApplied(t *testing.T) {
	f := NewFSM(zaptest.NewLogger(t))
	done := make(chan struct{})
	close(done)
	assert.False(t, f.WaitApplied(done, 1))

	waited := make(chan bool)
	go func() { waited <- f.WaitApplied(make(chan struct{}), 2) }()
	applyCmd(t, f, 1, Command{Op: OpRemoveState, Key: testKey().AppendBinary(nil)})
	applyCmd(t, f, 2, Command{Op: OpRemoveState, Key: testKey().AppendBinary(nil)})
	assert.True(t, <-waited)
}

package fsm

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	jsoniter "github.com/json-iterator/go"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command is a replicated change of the transaction table or of the member
// registry. Keys and states travel in their binary form.
type Command struct {
	Op     string  `json:"op"`
	Key    []byte  `json:"key,omitempty"`
	Value  []byte  `json:"value,omitempty"`
	Prev   []byte  `json:"prev,omitempty"`
	Member *Member `json:"member,omitempty"`
}

// Operation types for the FSM
const (
	OpCreateState  = "create_state"
	OpReplaceState = "replace_state"
	OpRemoveState  = "remove_state"
	OpAddMember    = "add_member"
	OpRemoveMember = "remove_member"
)

// Member is a node of the grid. ID is its raft server id, Address the address
// clients and peers reach it on.
type Member struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	RaftAddress string `json:"raft_address"`
}

// Result is what applying a Command produced.
type Result struct {
	Index    uint64 `json:"index"`
	Existing []byte `json:"existing,omitempty"`
	Swapped  bool   `json:"swapped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Err returns the apply error carried by r.
func (r *Result) Err() error {
	if r == nil || r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// FSM implements raft.FSM for the global transaction table and the member
// registry.
type FSM struct {
	logger *zap.Logger

	mu               sync.RWMutex
	states           map[transaction.CacheXid]*server.TxState
	members          map[string]Member
	lastAppliedIndex uint64
	appliedCh        chan struct{}
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM creates an empty FSM.
func NewFSM(logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{
		logger:    logger.Named("tx_fsm"),
		states:    make(map[transaction.CacheXid]*server.TxState),
		members:   make(map[string]Member),
		appliedCh: make(chan struct{}),
	}
}

// Apply applies a Raft log entry to the FSM. It always returns a *Result.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	res := &Result{Index: logEntry.Index}

	var cmd Command
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal raft log entry", zap.Uint64("index", logEntry.Index), zap.Error(err))
		res.Error = err.Error()
		f.advance(logEntry.Index)
		return res
	}

	if err := f.apply(cmd, res); err != nil {
		f.logger.Warn("Command rejected", zap.String("op", cmd.Op), zap.Uint64("index", logEntry.Index), zap.Error(err))
		res.Error = err.Error()
	}
	f.advance(logEntry.Index)
	return res
}

func (f *FSM) apply(cmd Command, res *Result) error {
	switch cmd.Op {
	case OpAddMember, OpRemoveMember:
		if cmd.Member == nil {
			return fmt.Errorf("%s without member", cmd.Op)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if cmd.Op == OpAddMember {
			f.members[cmd.Member.ID] = *cmd.Member
		} else {
			delete(f.members, cmd.Member.ID)
		}
		return nil
	}

	key, err := transaction.DecodeCacheXid(cmd.Key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateState:
		if existing, ok := f.states[key]; ok {
			res.Existing = existing.AppendBinary(nil)
			return nil
		}
		state, err := server.DecodeTxState(cmd.Value)
		if err != nil {
			return err
		}
		f.states[key] = state
		return nil

	case OpReplaceState:
		current, ok := f.states[key]
		if !ok {
			return nil
		}
		prev, err := server.DecodeTxState(cmd.Prev)
		if err != nil {
			return err
		}
		if !current.Equal(prev) {
			return nil
		}
		next, err := server.DecodeTxState(cmd.Value)
		if err != nil {
			return err
		}
		f.states[key] = next
		res.Swapped = true
		return nil

	case OpRemoveState:
		delete(f.states, key)
		return nil

	default:
		return fmt.Errorf("unknown FSM command operation: %s", cmd.Op)
	}
}

// advance records index as applied and wakes up WaitApplied callers.
func (f *FSM) advance(index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index > f.lastAppliedIndex {
		f.lastAppliedIndex = index
	}
	close(f.appliedCh)
	f.appliedCh = make(chan struct{})
}

// Snapshot returns a snapshot of the FSM's state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &fsmSnapshot{logger: f.logger}
	for key, state := range f.states {
		snap.data.States = append(snap.data.States, snapshotState{
			Key:   key.AppendBinary(nil),
			State: state.AppendBinary(nil),
		})
	}
	for _, m := range f.members {
		snap.data.Members = append(snap.data.Members, m)
	}
	f.logger.Debug("FSM snapshot created", zap.Uint64("index", f.lastAppliedIndex), zap.Int("states", len(f.states)))
	return snap, nil
}

// Restore replaces the FSM's state with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data snapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}

	states := make(map[transaction.CacheXid]*server.TxState, len(data.States))
	for _, s := range data.States {
		key, err := transaction.DecodeCacheXid(s.Key)
		if err != nil {
			return fmt.Errorf("failed to restore snapshot key: %w", err)
		}
		state, err := server.DecodeTxState(s.State)
		if err != nil {
			return fmt.Errorf("failed to restore snapshot state of %s: %w", key, err)
		}
		states[key] = state
	}
	members := make(map[string]Member, len(data.Members))
	for _, m := range data.Members {
		members[m.ID] = m
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
	f.members = members

	f.logger.Info("FSM state restored from snapshot", zap.Int("states", len(states)), zap.Int("members", len(members)))
	return nil
}

// --- FSM Query Methods (Read-only access to the state) ---

// State returns the state stored under key.
func (f *FSM) State(key transaction.CacheXid) (*server.TxState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.states[key]
	return s, ok
}

// States returns a copy of the transaction table.
func (f *FSM) States() map[transaction.CacheXid]*server.TxState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[transaction.CacheXid]*server.TxState, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out
}

// Member returns the member registered under id.
func (f *FSM) Member(id string) (Member, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.members[id]
	return m, ok
}

// Members returns the registered members ordered by id.
func (f *FSM) Members() []Member {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Addresses returns the addresses of the registered members.
func (f *FSM) Addresses() []string {
	members := f.Members()
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Address
	}
	return out
}

// HasAddress reports whether a registered member listens on addr.
func (f *FSM) HasAddress(addr string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.members {
		if m.Address == addr {
			return true
		}
	}
	return false
}

// AppliedIndex is the index of the last applied log entry.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

// WaitApplied blocks until the entry at index has been applied locally.
func (f *FSM) WaitApplied(done <-chan struct{}, index uint64) bool {
	for {
		f.mu.RLock()
		applied, ch := f.lastAppliedIndex, f.appliedCh
		f.mu.RUnlock()
		if applied >= index {
			return true
		}
		select {
		case <-ch:
		case <-done:
			return false
		}
	}
}

// --- FSMSnapshot Implementation ---

type snapshotState struct {
	Key   []byte `json:"key"`
	State []byte `json:"state"`
}

type snapshotData struct {
	States  []snapshotState `json:"states"`
	Members []Member        `json:"members"`
}

type fsmSnapshot struct {
	logger *zap.Logger
	data   snapshotData
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	bytes, err := json.Marshal(s.data)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal FSM snapshot: %w", err)
	}
	if _, err := sink.Write(bytes); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	s.logger.Debug("FSM snapshot persisted", zap.Int("bytes", len(bytes)))
	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *fsmSnapshot) Release() {}

package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
)

// journal records the RPCs received by a set of fake caches, in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// fakeRemote is an in-memory RemoteCache. Prepared write sets are applied on
// commit; the canned answers override the default behaviour.
type fakeRemote struct {
	name    string
	journal *journal

	mu        sync.Mutex
	data      map[string]transaction.VersionedValue
	version   uint64
	pending   map[transaction.Xid][]transaction.Modification
	recovered []transaction.Xid

	prepareFn  func(onePhase bool, attempt int) (xa.Code, error)
	completeFn func(commit bool) (xa.Code, error)
	forgetErr  error
	prepares   int
}

func newFakeRemote(name string, j *journal) *fakeRemote {
	if j == nil {
		j = &journal{}
	}
	return &fakeRemote{
		name:    name,
		journal: j,
		data:    make(map[string]transaction.VersionedValue),
		pending: make(map[transaction.Xid][]transaction.Modification),
	}
}

func (f *fakeRemote) Name() string { return f.name }

func (f *fakeRemote) seed(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	f.data[key] = transaction.VersionedValue{Value: []byte(value), Version: f.version}
}

func (f *fakeRemote) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return string(v.Value), ok
}

func (f *fakeRemote) GetWithMetadata(_ context.Context, key []byte) (transaction.VersionedValue, bool, error) {
	f.journal.add("%s:get", f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[string(key)]
	return v, ok, nil
}

func (f *fakeRemote) Put(_ context.Context, key, value []byte, _, _ time.Duration) error {
	f.journal.add("%s:put", f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	f.data[string(key)] = transaction.VersionedValue{Value: value, Version: f.version}
	return nil
}

func (f *fakeRemote) Remove(_ context.Context, key []byte) (bool, error) {
	f.journal.add("%s:remove", f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[string(key)]
	delete(f.data, string(key))
	return ok, nil
}

func (f *fakeRemote) Entries(context.Context) ([]transaction.Entry, error) {
	f.journal.add("%s:entries", f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]transaction.Entry, 0, len(f.data))
	for k, v := range f.data {
		entries = append(entries, transaction.Entry{Key: []byte(k), VersionedValue: v})
	}
	sort.Slice(entries, func(i, j int) bool { return string(entries[i].Key) < string(entries[j].Key) })
	return entries, nil
}

func (f *fakeRemote) Prepare(_ context.Context, xid transaction.Xid, onePhase bool, mods []transaction.Modification) (xa.Code, error) {
	if onePhase {
		f.journal.add("%s:prepare-1pc", f.name)
	} else {
		f.journal.add("%s:prepare", f.name)
	}
	f.mu.Lock()
	attempt := f.prepares
	f.prepares++
	fn := f.prepareFn
	f.mu.Unlock()

	if fn != nil {
		code, err := fn(onePhase, attempt)
		if err != nil || code != xa.OK {
			return code, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if onePhase {
		f.applyLocked(mods)
	} else {
		f.pending[xid] = mods
	}
	return xa.OK, nil
}

func (f *fakeRemote) CompleteTransaction(_ context.Context, xid transaction.Xid, commit bool) (xa.Code, error) {
	if commit {
		f.journal.add("%s:commit", f.name)
	} else {
		f.journal.add("%s:rollback", f.name)
	}
	if f.completeFn != nil {
		return f.completeFn(commit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	mods, ok := f.pending[xid]
	if !ok {
		return xa.AlreadyForgotten, nil
	}
	delete(f.pending, xid)
	if commit {
		f.applyLocked(mods)
	}
	return xa.OK, nil
}

func (f *fakeRemote) ForgetTransaction(context.Context, transaction.Xid) error {
	f.journal.add("%s:forget", f.name)
	return f.forgetErr
}

func (f *fakeRemote) Recover(context.Context) ([]transaction.Xid, error) {
	f.journal.add("%s:recover", f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transaction.Xid(nil), f.recovered...), nil
}

func (f *fakeRemote) applyLocked(mods []transaction.Modification) {
	for _, m := range mods {
		if m.Remove {
			delete(f.data, string(m.Key))
			continue
		}
		f.version++
		f.data[string(m.Key)] = transaction.VersionedValue{Value: m.Value, Version: f.version}
	}
}

// failingMarshaller refuses to marshal the value "poison".
type failingMarshaller struct{ BytesMarshaller }

func (failingMarshaller) MarshalValue(value []byte) ([]byte, error) {
	if string(value) == "poison" {
		return nil, fmt.Errorf("value cannot be marshalled")
	}
	return value, nil
}

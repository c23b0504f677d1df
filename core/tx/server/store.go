package server

import (
	"context"
	"sync"

	"github.com/sushant-115/gojogrid/core/transaction"
)

// Store is the replicated map holding the global transaction table. Writers
// never lock: Replace only succeeds when the stored value still equals the one
// the caller observed.
type Store interface {
	// Get returns the state stored under key, nil when there is none.
	Get(ctx context.Context, key transaction.CacheXid) (*TxState, error)
	// PutIfAbsent stores state unless key is present. It returns the state
	// already stored, nil when state was stored.
	PutIfAbsent(ctx context.Context, key transaction.CacheXid, state *TxState) (*TxState, error)
	// Replace stores next if the current value equals prev and reports
	// whether it did.
	Replace(ctx context.Context, key transaction.CacheXid, prev, next *TxState) (bool, error)
	Remove(ctx context.Context, key transaction.CacheXid) error
	// ForEach calls fn for every entry until fn returns false.
	ForEach(ctx context.Context, fn func(key transaction.CacheXid, state *TxState) bool) error
}

// MemoryStore is a Store for a single node.
type MemoryStore struct {
	m sync.Map // transaction.CacheXid -> *TxState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get(_ context.Context, key transaction.CacheXid) (*TxState, error) {
	v, ok := s.m.Load(key)
	if !ok {
		return nil, nil
	}
	return v.(*TxState), nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key transaction.CacheXid, state *TxState) (*TxState, error) {
	v, loaded := s.m.LoadOrStore(key, state)
	if loaded {
		return v.(*TxState), nil
	}
	return nil, nil
}

func (s *MemoryStore) Replace(_ context.Context, key transaction.CacheXid, prev, next *TxState) (bool, error) {
	v, ok := s.m.Load(key)
	if !ok {
		return false, nil
	}
	current := v.(*TxState)
	if !current.Equal(prev) {
		return false, nil
	}
	return s.m.CompareAndSwap(key, current, next), nil
}

func (s *MemoryStore) Remove(_ context.Context, key transaction.CacheXid) error {
	s.m.Delete(key)
	return nil
}

func (s *MemoryStore) ForEach(_ context.Context, fn func(key transaction.CacheXid, state *TxState) bool) error {
	s.m.Range(func(k, v any) bool {
		return fn(k.(transaction.CacheXid), v.(*TxState))
	})
	return nil
}

package client

import (
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
)

type entryState int

const (
	stateNotRead entryState = iota
	stateRead
	stateNonExisting
	stateModified
	stateRemoved
)

func (s entryState) String() string {
	switch s {
	case stateNotRead:
		return "not-read"
	case stateRead:
		return "read"
	case stateNonExisting:
		return "non-existing"
	case stateModified:
		return "modified"
	case stateRemoved:
		return "removed"
	}
	return "unknown"
}

// TransactionEntry is the view a transaction has of one key of one cache. It
// starts not-read, becomes read or non-existing once the server was asked for
// it, and modified or removed when the transaction writes it.
//
// A TransactionEntry is only handed out inside Compute and must not be
// retained.
type TransactionEntry[K, V any] struct {
	key      K
	keyBytes []byte
	state    entryState
	value    V

	// readVersion is the server version observed when the key was fetched,
	// zero when it was confirmed absent. Only meaningful when fetched is set.
	fetched     bool
	readVersion uint64

	lifespan time.Duration
	maxIdle  time.Duration
}

func newTransactionEntry[K, V any](key K, keyBytes []byte) *TransactionEntry[K, V] {
	return &TransactionEntry[K, V]{key: key, keyBytes: keyBytes}
}

func (e *TransactionEntry[K, V]) Key() K { return e.key }

// Exists reports whether the key has a value from the point of view of the
// transaction.
func (e *TransactionEntry[K, V]) Exists() bool {
	return e.state == stateRead || e.state == stateModified
}

// Value returns the current value, the zero value when the key does not exist.
func (e *TransactionEntry[K, V]) Value() V {
	if !e.Exists() {
		var zero V
		return zero
	}
	return e.value
}

// IsModified reports whether the entry has a pending write or removal.
func (e *TransactionEntry[K, V]) IsModified() bool {
	return e.state == stateModified || e.state == stateRemoved
}

// IsRead reports whether the server state of the key is known.
func (e *TransactionEntry[K, V]) IsRead() bool { return e.fetched }

// Version is the server version seen when the key was read.
func (e *TransactionEntry[K, V]) Version() uint64 { return e.readVersion }

// SetValue records a pending write.
func (e *TransactionEntry[K, V]) SetValue(value V, lifespan, maxIdle time.Duration) {
	e.value = value
	e.lifespan = lifespan
	e.maxIdle = maxIdle
	e.state = stateModified
}

// Remove records a pending removal.
func (e *TransactionEntry[K, V]) Remove() {
	var zero V
	e.value = zero
	e.lifespan, e.maxIdle = 0, 0
	e.state = stateRemoved
}

func (e *TransactionEntry[K, V]) markRead(value V, meta transaction.VersionedValue) {
	e.value = value
	e.readVersion = meta.Version
	e.lifespan = meta.Lifespan
	e.maxIdle = meta.MaxIdle
	e.fetched = true
	e.state = stateRead
}

func (e *TransactionEntry[K, V]) markNonExisting() {
	e.fetched = true
	e.readVersion = 0
	e.state = stateNonExisting
}

// toModification converts a modified entry into the write shipped at prepare
// time. Writes done after a read carry the read version.
func (e *TransactionEntry[K, V]) toModification(marshalValue func(V) ([]byte, error)) (transaction.Modification, error) {
	m := transaction.Modification{
		Key:       e.keyBytes,
		Versioned: e.fetched,
		Version:   e.readVersion,
	}
	if e.state == stateRemoved {
		m.Remove = true
		return m, nil
	}
	value, err := marshalValue(e.value)
	if err != nil {
		return transaction.Modification{}, err
	}
	m.Value = value
	m.Lifespan = e.lifespan
	m.MaxIdle = e.maxIdle
	return m, nil
}

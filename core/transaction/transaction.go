// Package transaction holds the data model shared by the client and the server
// side of the transaction coordination layer: transaction identifiers, the
// write set shipped at prepare time and versioned values read by clients.
package transaction

import (
	"bytes"
	"time"
)

// Modification is a single pending write inside a transaction on one cache.
// It is what gets shipped to the server at prepare time and what gets replicated
// in the global transaction table while the transaction is being prepared.
type Modification struct {
	Key      []byte        `json:"key"`
	Value    []byte        `json:"value,omitempty"`
	Remove   bool          `json:"remove,omitempty"`
	Lifespan time.Duration `json:"lifespan,omitempty"`
	MaxIdle  time.Duration `json:"maxIdle,omitempty"`

	// Versioned is set when the transaction read the key before writing it.
	// Prepare fails if the stored version no longer equals Version; a zero
	// Version means the key was confirmed absent.
	Versioned bool   `json:"versioned,omitempty"`
	Version   uint64 `json:"version,omitempty"`
}

// Equal compares two modifications by content.
func (m Modification) Equal(o Modification) bool {
	return bytes.Equal(m.Key, o.Key) &&
		bytes.Equal(m.Value, o.Value) &&
		m.Remove == o.Remove &&
		m.Lifespan == o.Lifespan &&
		m.MaxIdle == o.MaxIdle &&
		m.Versioned == o.Versioned &&
		m.Version == o.Version
}

// Clone returns a deep copy of m.
func (m Modification) Clone() Modification {
	c := m
	c.Key = bytes.Clone(m.Key)
	c.Value = bytes.Clone(m.Value)
	return c
}

// CloneModifications deep copies a write set. A nil input yields nil.
func CloneModifications(mods []Modification) []Modification {
	if mods == nil {
		return nil
	}
	out := make([]Modification, len(mods))
	for i := range mods {
		out[i] = mods[i].Clone()
	}
	return out
}

// EqualModifications compares two write sets element by element.
func EqualModifications(a, b []Modification) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// VersionedValue is a value read from a cache together with the metadata the
// client needs to validate its read at prepare time.
type VersionedValue struct {
	Value    []byte        `json:"value"`
	Version  uint64        `json:"version"`
	Lifespan time.Duration `json:"lifespan,omitempty"`
	MaxIdle  time.Duration `json:"maxIdle,omitempty"`
}

// Entry is a live key of a cache with its value.
type Entry struct {
	Key []byte `json:"key"`
	VersionedValue
}

// Package server implements the server side of the transaction coordination
// layer: the replicated global transaction state, the table that pairs it with
// the transactions running on this node, and the coordinator that prepares,
// commits, rolls back, forwards or replays transactions.
package server

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/internal/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// Status is the server-side status of a global transaction.
type Status int32

const (
	StatusActive Status = iota + 1
	StatusPreparing
	StatusPrepared
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusPreparing:
		return "PREPARING"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// IsTerminal reports whether the transaction was decided.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// TxState is the replicated record of one transaction on one cache. It is
// immutable: transitions return a new value, or nil when the transition is not
// allowed from the current status, which means some other request already
// moved the transaction.
type TxState struct {
	xid        transaction.Xid
	originator string
	status     Status
	mods       []transaction.Modification
	updated    time.Time
}

// NewTxState returns the ACTIVE state of a transaction run by originator.
func NewTxState(xid transaction.Xid, originator string) *TxState {
	return &TxState{xid: xid, originator: originator, status: StatusActive, updated: time.Now()}
}

func (s *TxState) Xid() transaction.Xid { return s.xid }

// Originator is the cluster address of the node that ran the transaction.
func (s *TxState) Originator() string { return s.originator }

func (s *TxState) Status() Status { return s.status }

// LastUpdate is when the state was last transitioned.
func (s *TxState) LastUpdate() time.Time { return s.updated }

// Modifications returns a copy of the write set, present while the
// transaction is preparing or prepared.
func (s *TxState) Modifications() []transaction.Modification {
	return transaction.CloneModifications(s.mods)
}

// MarkPreparing moves ACTIVE to PREPARING, recording a copy of mods.
func (s *TxState) MarkPreparing(mods []transaction.Modification) *TxState {
	if s.status != StatusActive {
		return nil
	}
	return s.next(StatusPreparing, transaction.CloneModifications(mods))
}

// Prepare moves ACTIVE or PREPARING to PREPARED, recording a copy of mods.
func (s *TxState) Prepare(mods []transaction.Modification) *TxState {
	if s.status != StatusActive && s.status != StatusPreparing {
		return nil
	}
	return s.next(StatusPrepared, transaction.CloneModifications(mods))
}

// Commit moves PREPARED to COMMITTED.
func (s *TxState) Commit() *TxState {
	if s.status != StatusPrepared {
		return nil
	}
	return s.next(StatusCommitted, nil)
}

// Rollback moves any undecided status to ROLLED_BACK.
func (s *TxState) Rollback() *TxState {
	if s.status.IsTerminal() {
		return nil
	}
	return s.next(StatusRolledBack, nil)
}

func (s *TxState) next(status Status, mods []transaction.Modification) *TxState {
	return &TxState{
		xid:        s.xid,
		originator: s.originator,
		status:     status,
		mods:       mods,
		updated:    time.Now(),
	}
}

// Equal compares two states by content. It is what replace-if-equal uses.
func (s *TxState) Equal(o *TxState) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.xid == o.xid &&
		s.originator == o.originator &&
		s.status == o.status &&
		s.updated.Equal(o.updated) &&
		transaction.EqualModifications(s.mods, o.mods)
}

func (s *TxState) String() string {
	return fmt.Sprintf("TxState{xid=%s, originator=%s, status=%s, mods=%d}", s.xid, s.originator, s.status, len(s.mods))
}

const (
	stateXidField        protowire.Number = 1
	stateOriginatorField protowire.Number = 2
	stateStatusField     protowire.Number = 3
	stateModField        protowire.Number = 4
	stateUpdatedField    protowire.Number = 5
)

// AppendBinary appends the replicated form of s to b.
func (s *TxState) AppendBinary(b []byte) []byte {
	b = wire.AppendMessage(b, stateXidField, s.xid.AppendBinary)
	b = wire.AppendString(b, stateOriginatorField, s.originator)
	b = wire.AppendVarint(b, stateStatusField, uint64(s.status))
	for _, m := range s.mods {
		b = wire.AppendMessage(b, stateModField, m.AppendBinary)
	}
	b = wire.AppendVarint(b, stateUpdatedField, uint64(s.updated.UnixNano()))
	return b
}

// DecodeTxState parses the output of TxState.AppendBinary.
func DecodeTxState(b []byte) (*TxState, error) {
	s := &TxState{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case stateXidField:
			xid, err := transaction.DecodeXid(f.Bytes)
			if err != nil {
				return err
			}
			s.xid = xid
		case stateOriginatorField:
			s.originator = string(f.Bytes)
		case stateStatusField:
			s.status = Status(f.Varint)
		case stateModField:
			m, err := transaction.DecodeModification(f.Bytes)
			if err != nil {
				return err
			}
			s.mods = append(s.mods, m)
		case stateUpdatedField:
			s.updated = time.Unix(0, int64(f.Varint))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode tx state: %w", err)
	}
	return s, nil
}

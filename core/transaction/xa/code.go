// Package xa defines the closed set of XA outcome codes and flags exchanged
// between the client transaction tables and the servers, and the pure function
// that folds per-cache completion codes into one transaction outcome.
package xa

import (
	"fmt"
	"math"
)

// Code is an XA return or error code.
type Code int32

const (
	OK       Code = 0
	ReadOnly Code = 3
	Retry    Code = 4

	HeurMix    Code = 5
	HeurRB     Code = 6
	HeurCom    Code = 7
	HeurHazard Code = 8

	RBBase      Code = 100
	RBRollback  Code = 100
	RBCommFail  Code = 101
	RBDeadlock  Code = 102
	RBIntegrity Code = 103
	RBOther     Code = 104
	RBProto     Code = 105
	RBTimeout   Code = 106
	RBTransient Code = 107
	RBEnd       Code = 107

	ErrAsync   Code = -2
	ErrRMErr   Code = -3
	ErrNotA    Code = -4
	ErrInval   Code = -5
	ErrProto   Code = -6
	ErrRMFail  Code = -7
	ErrDupID   Code = -8
	ErrOutside Code = -9

	// AlreadyForgotten is what a server answers for a transaction it no longer
	// remembers. It shares the value of ErrNotA.
	AlreadyForgotten = ErrNotA

	// LocalFailure signals that a prepare failed on the client before any
	// server was contacted (for example a key could not be marshalled). It is
	// outside the range of every XA code and must never be aggregated as one.
	LocalFailure Code = math.MinInt32
)

// IsRollback reports whether c is one of the XA_RB* codes.
func (c Code) IsRollback() bool {
	return c >= RBBase && c <= RBEnd
}

// IsHeuristic reports whether c is one of the heuristic outcome codes.
func (c Code) IsHeuristic() bool {
	switch c {
	case HeurMix, HeurRB, HeurCom, HeurHazard:
		return true
	}
	return false
}

// PrepareSucceeded reports whether a prepare answer lets the transaction go on.
func (c Code) PrepareSucceeded() bool {
	return c == OK || c == ReadOnly
}

func (c Code) String() string {
	switch c {
	case OK:
		return "XA_OK"
	case ReadOnly:
		return "XA_RDONLY"
	case Retry:
		return "XA_RETRY"
	case HeurMix:
		return "XA_HEURMIX"
	case HeurRB:
		return "XA_HEURRB"
	case HeurCom:
		return "XA_HEURCOM"
	case HeurHazard:
		return "XA_HEURHAZ"
	case RBRollback:
		return "XA_RBROLLBACK"
	case RBCommFail:
		return "XA_RBCOMMFAIL"
	case RBDeadlock:
		return "XA_RBDEADLOCK"
	case RBIntegrity:
		return "XA_RBINTEGRITY"
	case RBOther:
		return "XA_RBOTHER"
	case RBProto:
		return "XA_RBPROTO"
	case RBTimeout:
		return "XA_RBTIMEOUT"
	case RBTransient:
		return "XA_RBTRANSIENT"
	case ErrAsync:
		return "XAER_ASYNC"
	case ErrRMErr:
		return "XAER_RMERR"
	case ErrNotA:
		return "XAER_NOTA"
	case ErrInval:
		return "XAER_INVAL"
	case ErrProto:
		return "XAER_PROTO"
	case ErrRMFail:
		return "XAER_RMFAIL"
	case ErrDupID:
		return "XAER_DUPID"
	case ErrOutside:
		return "XAER_OUTSIDE"
	case LocalFailure:
		return "LOCAL_FAILURE"
	}
	return fmt.Sprintf("XA(%d)", int32(c))
}

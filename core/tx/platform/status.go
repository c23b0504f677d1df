// Package platform is an embedded transaction manager. It plays the role of the
// application's platform transaction manager: caches enlist into its
// transactions either as a Synchronization or as an XAResource and it drives
// them through prepare and commit or rollback.
package platform

import (
	"context"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
)

// Status is the lifecycle state of a platform transaction.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusUnknown
	StatusNoTransaction
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusPreparing:
		return "PREPARING"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitting:
		return "COMMITTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRollingBack:
		return "ROLLING_BACK"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusNoTransaction:
		return "NO_TRANSACTION"
	}
	return "UNKNOWN"
}

// done reports whether no more work may be registered with the transaction.
func (s Status) done() bool {
	switch s {
	case StatusActive, StatusMarkedRollback:
		return false
	}
	return true
}

// Synchronization is notified around the completion of a transaction.
// A BeforeCompletion error marks the transaction rollback-only.
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status Status)
}

// XAResource is the classic resource-manager contract. Failures are reported as
// *xa.Error values.
type XAResource interface {
	Start(ctx context.Context, xid transaction.Xid, flags xa.Flag) error
	End(ctx context.Context, xid transaction.Xid, flags xa.Flag) error
	Prepare(ctx context.Context, xid transaction.Xid) (xa.Code, error)
	Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid transaction.Xid) error
	Forget(ctx context.Context, xid transaction.Xid) error
	Recover(ctx context.Context, flags xa.Flag) ([]transaction.Xid, error)
	IsSameRM(other XAResource) bool
	SetTransactionTimeout(timeout time.Duration) bool
}

// Transaction is the view of a platform transaction that resources need.
type Transaction interface {
	Xid() transaction.Xid
	Status() Status
	SetRollbackOnly() error
	RegisterSynchronization(s Synchronization) error
	EnlistResource(ctx context.Context, r XAResource) error
}

type txKey struct{}

// WithTransaction associates tx with ctx. Cache operations performed with the
// returned context take part in tx.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the transaction associated with ctx, or nil.
func FromContext(ctx context.Context) Transaction {
	tx, _ := ctx.Value(txKey{}).(Transaction)
	return tx
}

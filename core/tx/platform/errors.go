package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionDone is returned when an operation needs an active
	// transaction and the transaction already started completing.
	ErrTransactionDone = errors.New("transaction is done")
)

// RollbackError reports that the transaction was rolled back instead of
// committed.
type RollbackError struct {
	Reason string
	Cause  error
}

func (e *RollbackError) Error() string {
	if e.Cause == nil {
		return "transaction rolled back: " + e.Reason
	}
	return fmt.Sprintf("transaction rolled back: %s: %v", e.Reason, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// HeuristicMixedError reports that some resources committed and others rolled
// back, or that the outcome of some resources is unknown.
type HeuristicMixedError struct {
	Cause error
}

func (e *HeuristicMixedError) Error() string {
	return fmt.Sprintf("heuristic mixed outcome: %v", e.Cause)
}

func (e *HeuristicMixedError) Unwrap() error { return e.Cause }

// HeuristicRollbackError reports that every resource rolled back while the
// transaction was committing.
type HeuristicRollbackError struct {
	Cause error
}

func (e *HeuristicRollbackError) Error() string {
	return fmt.Sprintf("heuristic rollback: %v", e.Cause)
}

func (e *HeuristicRollbackError) Unwrap() error { return e.Cause }

// HeuristicCommitError reports that every resource committed while the
// transaction was rolling back.
type HeuristicCommitError struct {
	Cause error
}

func (e *HeuristicCommitError) Error() string {
	return fmt.Sprintf("heuristic commit: %v", e.Cause)
}

func (e *HeuristicCommitError) Unwrap() error { return e.Cause }

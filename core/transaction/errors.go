package transaction

import (
	"errors"
)

// ErrTopologyChanged is returned by transports when the target server left, or
// is no longer responsible for, the cache. Operations that see it may be retried
// against the new topology.
var ErrTopologyChanged = errors.New("cluster topology changed")

// Retryable is implemented by errors that know whether the failed operation can
// be reissued.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err says the operation can be reissued.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTopologyChanged) {
		return true
	}
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}

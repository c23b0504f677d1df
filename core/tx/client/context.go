package client

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContextConfig tunes the RPCs issued by a TransactionContext.
type ContextConfig struct {
	Logger *zap.Logger
	// Timeout bounds every single RPC; zero leaves the caller's deadline alone.
	Timeout time.Duration
	// MaxRetries is how many times a retryable prepare failure is retried.
	MaxRetries int
	// RetryInterval paces prepare retries.
	RetryInterval time.Duration
}

// Participant is the type-erased view of a TransactionContext that the
// transaction tables drive.
type Participant interface {
	CacheName() string
	HasModifications() bool
	PrepareContext(ctx context.Context, xid transaction.Xid, onePhase bool) xa.Code
	Complete(ctx context.Context, xid transaction.Xid, commit bool) xa.Code
	Forget(ctx context.Context, xid transaction.Xid)
}

type keySlot[K, V any] struct {
	mu    sync.Mutex
	entry *TransactionEntry[K, V]
}

// TransactionContext holds what one transaction did on one cache. Keys are
// tracked by their marshalled form, so equal keys share one entry even when K
// is a slice. Different keys never block each other; calls on the same key are
// serialized.
type TransactionContext[K, V any] struct {
	remote     RemoteCache
	marshaller Marshaller[K, V]
	logger     *zap.Logger
	cfg        ContextConfig
	limiter    *rate.Limiter

	entries sync.Map // string(key bytes) -> *keySlot[K, V]
}

var _ Participant = (*TransactionContext[string, []byte])(nil)

// NewTransactionContext creates the context of one (transaction, cache) pair.
func NewTransactionContext[K, V any](remote RemoteCache, marshaller Marshaller[K, V], cfg ContextConfig) *TransactionContext[K, V] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RetryInterval > 0 {
		limit = rate.Every(cfg.RetryInterval)
	}
	return &TransactionContext[K, V]{
		remote:     remote,
		marshaller: marshaller,
		logger:     logger.Named("tx_context").With(zap.String("cache", remote.Name())),
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

func (tc *TransactionContext[K, V]) CacheName() string { return tc.remote.Name() }

// Compute runs fn on the entry of key, creating a not-read entry on first use.
// The server is not contacted.
func Compute[K, V, R any](ctx context.Context, tc *TransactionContext[K, V], key K, fn func(e *TransactionEntry[K, V]) R) (R, error) {
	var r R
	err := tc.withEntry(ctx, key, false, func(e *TransactionEntry[K, V]) { r = fn(e) })
	return r, err
}

// ComputeRemote is Compute for callers that need the value: the first time the
// key is read its current value and version are fetched from the server.
func ComputeRemote[K, V, R any](ctx context.Context, tc *TransactionContext[K, V], key K, fn func(e *TransactionEntry[K, V]) R) (R, error) {
	var r R
	err := tc.withEntry(ctx, key, true, func(e *TransactionEntry[K, V]) { r = fn(e) })
	return r, err
}

// ContainsKey reports whether key exists from the point of view of the
// transaction, fetching it on first use.
func (tc *TransactionContext[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	return ComputeRemote(ctx, tc, key, func(e *TransactionEntry[K, V]) bool { return e.Exists() })
}

// ContainsValue reports whether any key holds value from the point of view of
// the transaction. Keys the transaction already touched are checked first;
// otherwise the server entries of untouched keys are searched and the first
// match is recorded as read. Values are compared by their marshalled form.
func (tc *TransactionContext[K, V]) ContainsValue(ctx context.Context, value V) (bool, error) {
	want, err := tc.marshaller.MarshalValue(value)
	if err != nil {
		return false, err
	}
	found, err := tc.localContainsValue(want)
	if err != nil || found {
		return found, err
	}

	rctx, cancel := tc.rpcContext(ctx)
	defer cancel()
	entries, err := tc.remote.Entries(rctx)
	if err != nil {
		return false, fmt.Errorf("scan cache %s: %w", tc.remote.Name(), err)
	}
	for _, e := range entries {
		if !bytes.Equal(want, e.Value) {
			continue
		}
		found, err := tc.loadFound(e)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

func (tc *TransactionContext[K, V]) localContainsValue(want []byte) (bool, error) {
	found := false
	var rangeErr error
	tc.entries.Range(func(_, v any) bool {
		slot := v.(*keySlot[K, V])
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.entry == nil || !slot.entry.Exists() {
			return true
		}
		got, err := tc.marshaller.MarshalValue(slot.entry.value)
		if err != nil {
			rangeErr = err
			return false
		}
		found = bytes.Equal(want, got)
		return !found
	})
	return found, rangeErr
}

// loadFound records a server entry whose value matched as read. A key the
// transaction already touched keeps its own view, which did not match.
func (tc *TransactionContext[K, V]) loadFound(e transaction.Entry) (bool, error) {
	v, _ := tc.entries.LoadOrStore(string(e.Key), &keySlot[K, V]{})
	slot := v.(*keySlot[K, V])

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.entry != nil && slot.entry.state != stateNotRead {
		return false, nil
	}
	key, err := tc.marshaller.UnmarshalKey(e.Key)
	if err != nil {
		return false, err
	}
	value, err := tc.marshaller.UnmarshalValue(e.Value)
	if err != nil {
		return false, err
	}
	if slot.entry == nil {
		slot.entry = newTransactionEntry[K, V](key, e.Key)
	}
	slot.entry.markRead(value, e.VersionedValue)
	return true, nil
}

// Len is the number of keys touched by the transaction.
func (tc *TransactionContext[K, V]) Len() int {
	n := 0
	tc.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (tc *TransactionContext[K, V]) withEntry(ctx context.Context, key K, fetch bool, fn func(e *TransactionEntry[K, V])) error {
	keyBytes, err := tc.marshaller.MarshalKey(key)
	if err != nil {
		return err
	}
	v, _ := tc.entries.LoadOrStore(string(keyBytes), &keySlot[K, V]{})
	slot := v.(*keySlot[K, V])

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.entry == nil {
		slot.entry = newTransactionEntry[K, V](key, keyBytes)
	}
	if fetch && slot.entry.state == stateNotRead {
		if err := tc.fetch(ctx, slot.entry); err != nil {
			return err
		}
	}
	fn(slot.entry)
	return nil
}

func (tc *TransactionContext[K, V]) fetch(ctx context.Context, e *TransactionEntry[K, V]) error {
	ctx, cancel := tc.rpcContext(ctx)
	defer cancel()

	meta, found, err := tc.remote.GetWithMetadata(ctx, e.keyBytes)
	if err != nil {
		return fmt.Errorf("fetch key from cache %s: %w", tc.remote.Name(), err)
	}
	if !found {
		e.markNonExisting()
		return nil
	}
	value, err := tc.marshaller.UnmarshalValue(meta.Value)
	if err != nil {
		return err
	}
	e.markRead(value, meta)
	return nil
}

// HasModifications reports whether any entry has a pending write.
func (tc *TransactionContext[K, V]) HasModifications() bool {
	modified := false
	tc.entries.Range(func(_, v any) bool {
		slot := v.(*keySlot[K, V])
		slot.mu.Lock()
		modified = slot.entry != nil && slot.entry.IsModified()
		slot.mu.Unlock()
		return !modified
	})
	return modified
}

// ToModification returns the write set of the transaction on this cache,
// ordered by key. Entries that were only read are left out.
func (tc *TransactionContext[K, V]) ToModification() ([]transaction.Modification, error) {
	var mods []transaction.Modification
	var err error
	tc.entries.Range(func(_, v any) bool {
		slot := v.(*keySlot[K, V])
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.entry == nil || !slot.entry.IsModified() {
			return true
		}
		var m transaction.Modification
		m, err = slot.entry.toModification(tc.marshaller.MarshalValue)
		if err != nil {
			return false
		}
		mods = append(mods, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(mods, func(i, j int) bool { return bytes.Compare(mods[i].Key, mods[j].Key) < 0 })
	return mods, nil
}

// PrepareContext sends the write set to the server.
//
// An empty write set is answered with XA_RDONLY without contacting the server.
// If the write set cannot be built, xa.LocalFailure is returned. Delivery
// failures are retried while they are retryable and then reported as
// XA_HEURRB.
func (tc *TransactionContext[K, V]) PrepareContext(ctx context.Context, xid transaction.Xid, onePhase bool) xa.Code {
	logger := tc.logger.With(zap.Stringer("xid", xid), zap.Bool("one_phase", onePhase))

	mods, err := tc.ToModification()
	if err != nil {
		logger.Warn("Unable to build modifications", zap.Error(err))
		return xa.LocalFailure
	}
	if len(mods) == 0 {
		logger.Debug("Nothing to prepare, read only")
		return xa.ReadOnly
	}

	for attempt := 0; ; attempt++ {
		code, err := tc.prepareOnce(ctx, xid, onePhase, mods)
		if err == nil {
			logger.Debug("Prepared", zap.Stringer("code", code))
			return code
		}
		if !transaction.IsRetryable(err) || attempt >= tc.cfg.MaxRetries {
			logger.Warn("Prepare failed", zap.Int("attempt", attempt), zap.Error(err))
			return xa.HeurRB
		}
		logger.Debug("Retrying prepare", zap.Int("attempt", attempt), zap.Error(err))
		if err := tc.limiter.Wait(ctx); err != nil {
			logger.Warn("Prepare retry aborted", zap.Error(err))
			return xa.HeurRB
		}
	}
}

func (tc *TransactionContext[K, V]) prepareOnce(ctx context.Context, xid transaction.Xid, onePhase bool, mods []transaction.Modification) (xa.Code, error) {
	ctx, cancel := tc.rpcContext(ctx)
	defer cancel()
	return tc.remote.Prepare(ctx, xid, onePhase, mods)
}

// Complete asks the server to commit or roll back. It never fails: an
// undelivered request is reported as XA_HEURRB and left to the server to clean
// up.
func (tc *TransactionContext[K, V]) Complete(ctx context.Context, xid transaction.Xid, commit bool) xa.Code {
	ctx, cancel := tc.rpcContext(ctx)
	defer cancel()

	code, err := tc.remote.CompleteTransaction(ctx, xid, commit)
	if err != nil {
		tc.logger.Warn("Complete transaction failed",
			zap.Stringer("xid", xid), zap.Bool("commit", commit), zap.Error(err))
		return xa.HeurRB
	}
	return code
}

// Forget tells the server the transaction outcome is no longer needed.
// Failures are logged.
func (tc *TransactionContext[K, V]) Forget(ctx context.Context, xid transaction.Xid) {
	ctx, cancel := tc.rpcContext(ctx)
	defer cancel()

	if err := tc.remote.ForgetTransaction(ctx, xid); err != nil {
		tc.logger.Warn("Forget transaction failed", zap.Stringer("xid", xid), zap.Error(err))
	}
}

func (tc *TransactionContext[K, V]) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if tc.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, tc.cfg.Timeout)
}

package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/core/tx/platform"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// Mode selects how caches take part in platform transactions.
type Mode int

const (
	// ModeNone disables transactions: every operation goes to the server.
	ModeNone Mode = iota
	// ModeNonXA enlists caches as a single Synchronization.
	ModeNonXA
	// ModeNonDurableXA enlists caches as a single XAResource without recovery.
	ModeNonDurableXA
	// ModeFullXA is ModeNonDurableXA with recovery of in-doubt transactions.
	ModeFullXA
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeNonXA:
		return "NON_XA"
	case ModeNonDurableXA:
		return "NON_DURABLE_XA"
	case ModeFullXA:
		return "FULL_XA"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the configuration name of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return ModeNone, nil
	case "NON_XA":
		return ModeNonXA, nil
	case "NON_DURABLE_XA":
		return ModeNonDurableXA, nil
	case "FULL_XA":
		return ModeFullXA, nil
	}
	return ModeNone, fmt.Errorf("unknown transaction mode %q", s)
}

// TransactionTable maps platform transactions to the caches enlisted in them.
type TransactionTable interface {
	Mode() Mode
	// Enlist returns the participant of cache in tx, calling create the first
	// time the cache is used in tx.
	Enlist(ctx context.Context, tx platform.Transaction, cache RemoteCache, create func(cfg ContextConfig) Participant) (Participant, error)
	// RegisterCache makes cache known to the table for recovery.
	RegisterCache(cache RemoteCache)
	// Size is the number of platform transactions with enlisted caches.
	Size() int
}

// TableConfig configures a TransactionTable.
type TableConfig struct {
	Mode          Mode
	Logger        *zap.Logger
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// NewTransactionTable returns the table for cfg.Mode, nil for ModeNone.
func NewTransactionTable(cfg TableConfig) TransactionTable {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch cfg.Mode {
	case ModeNonXA:
		return NewSyncTable(cfg)
	case ModeNonDurableXA, ModeFullXA:
		return NewXATable(cfg)
	}
	return nil
}

func (cfg TableConfig) contextConfig() ContextConfig {
	return ContextConfig{
		Logger:        cfg.Logger,
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: cfg.RetryInterval,
	}
}

// enlistment is the name-ordered set of participants of one transaction. The
// order fixes the order in which caches are prepared and completed.
type enlistment struct {
	mu           sync.Mutex
	participants btree.Map[string, Participant]
}

func (e *enlistment) getOrCreate(name string, create func() Participant) Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.participants.Get(name); ok {
		return p
	}
	p := create()
	e.participants.Set(name, p)
	return p
}

// ordered returns the participants sorted by cache name.
func (e *enlistment) ordered() []Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Participant, 0, e.participants.Len())
	e.participants.Scan(func(_ string, p Participant) bool {
		out = append(out, p)
		return true
	})
	return out
}

type cacheRegistry struct {
	caches sync.Map // name -> RemoteCache
}

func (r *cacheRegistry) RegisterCache(cache RemoteCache) {
	r.caches.LoadOrStore(cache.Name(), cache)
}

// ordered returns the registered caches sorted by name.
func (r *cacheRegistry) ordered() []RemoteCache {
	var byName btree.Map[string, RemoteCache]
	r.caches.Range(func(k, v any) bool {
		byName.Set(k.(string), v.(RemoteCache))
		return true
	})
	out := make([]RemoteCache, 0, byName.Len())
	byName.Scan(func(_ string, c RemoteCache) bool {
		out = append(out, c)
		return true
	})
	return out
}

func syncMapLen(m *sync.Map) int {
	n := 0
	m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

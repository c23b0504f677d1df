package server

import (
	"context"

	"github.com/sushant-115/gojogrid/core/transaction/xa"
)

// Observer is notified of coordinator events, for metrics.
type Observer interface {
	Prepared(ctx context.Context, cache string, code xa.Code)
	Completed(ctx context.Context, cache string, commit bool, code xa.Code)
	Forwarded(ctx context.Context, cache string)
	Replayed(ctx context.Context, cache string)
	Forgotten(ctx context.Context, cache string)
	Rejected(ctx context.Context, cache string)
}

type nopObserver struct{}

func (nopObserver) Prepared(context.Context, string, xa.Code)        {}
func (nopObserver) Completed(context.Context, string, bool, xa.Code) {}
func (nopObserver) Forwarded(context.Context, string)                {}
func (nopObserver) Replayed(context.Context, string)                 {}
func (nopObserver) Forgotten(context.Context, string)                {}
func (nopObserver) Rejected(context.Context, string)                 {}

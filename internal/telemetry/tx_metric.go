package internaltelemetry

import (
	"context"

	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/core/tx/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxMetrics counts coordinator events. It is a server.Observer.
type TxMetrics struct {
	Prepares    metric.Int64Counter
	Completions metric.Int64Counter
	Forwards    metric.Int64Counter
	Replays     metric.Int64Counter
	Forgets     metric.Int64Counter
	Rejections  metric.Int64Counter
}

var _ server.Observer = (*TxMetrics)(nil)

func NewTxMetrics(meter metric.Meter) (*TxMetrics, error) {
	counters := []struct {
		name string
		desc string
	}{
		{"gojogrid.tx.prepares_total", "Prepare requests by cache and answered code."},
		{"gojogrid.tx.completions_total", "Commit and rollback requests by cache and answered code."},
		{"gojogrid.tx.forwards_total", "Completions forwarded to the originator."},
		{"gojogrid.tx.replays_total", "Decisions replayed after the originator left."},
		{"gojogrid.tx.forgets_total", "Transactions forgotten."},
		{"gojogrid.tx.rejected_transitions_total", "State transitions lost to a concurrent decision."},
	}
	m := &TxMetrics{}
	dsts := []*metric.Int64Counter{&m.Prepares, &m.Completions, &m.Forwards, &m.Replays, &m.Forgets, &m.Rejections}
	for i, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*dsts[i] = counter
	}
	return m, nil
}

func cacheAttr(cache string) attribute.KeyValue { return attribute.String("cache", cache) }

func (m *TxMetrics) Prepared(ctx context.Context, cache string, code xa.Code) {
	m.Prepares.Add(ctx, 1, metric.WithAttributes(cacheAttr(cache), attribute.String("code", code.String())))
}

func (m *TxMetrics) Completed(ctx context.Context, cache string, commit bool, code xa.Code) {
	m.Completions.Add(ctx, 1, metric.WithAttributes(
		cacheAttr(cache), attribute.Bool("commit", commit), attribute.String("code", code.String())))
}

func (m *TxMetrics) Forwarded(ctx context.Context, cache string) {
	m.Forwards.Add(ctx, 1, metric.WithAttributes(cacheAttr(cache)))
}

func (m *TxMetrics) Replayed(ctx context.Context, cache string) {
	m.Replays.Add(ctx, 1, metric.WithAttributes(cacheAttr(cache)))
}

func (m *TxMetrics) Forgotten(ctx context.Context, cache string) {
	m.Forgets.Add(ctx, 1, metric.WithAttributes(cacheAttr(cache)))
}

func (m *TxMetrics) Rejected(ctx context.Context, cache string) {
	m.Rejections.Add(ctx, 1, metric.WithAttributes(cacheAttr(cache)))
}

package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestTxMetrics_CountsEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewTxMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	m.Prepared(ctx, "orders", xa.OK)
	m.Prepared(ctx, "orders", xa.RBDeadlock)
	m.Completed(ctx, "orders", true, xa.OK)
	m.Forwarded(ctx, "orders")
	m.Replayed(ctx, "orders")
	m.Forgotten(ctx, "orders")
	m.Rejected(ctx, "orders")

	sums := collect(t, reader)
	assert.Equal(t, int64(2), sums["gojogrid.tx.prepares_total"])
	assert.Equal(t, int64(1), sums["gojogrid.tx.completions_total"])
	assert.Equal(t, int64(1), sums["gojogrid.tx.forwards_total"])
	assert.Equal(t, int64(1), sums["gojogrid.tx.replays_total"])
	assert.Equal(t, int64(1), sums["gojogrid.tx.forgets_total"])
	assert.Equal(t, int64(1), sums["gojogrid.tx.rejected_transitions_total"])
}

func TestGrpcServerMetrics_Interceptor(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewGrpcServerMetrics(meter)
	require.NoError(t, err)

	intercept := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}
	_, err = intercept(context.Background(), nil, info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	_, err = intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "missing")
	})
	require.Error(t, err)

	sums := collect(t, reader)
	assert.Equal(t, int64(2), sums["gojogrid.grpc.server.started_total"])
	assert.Equal(t, int64(2), sums["gojogrid.grpc.server.handled_total"])
	assert.Equal(t, int64(0), sums["gojogrid.grpc.server.active_rpcs"])
}

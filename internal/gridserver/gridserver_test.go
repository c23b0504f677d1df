package gridserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/api/txrpc"
	"github.com/sushant-115/gojogrid/config"
	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func testConfig() *config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Caches = []string{"orders", "stock"}
	cfg.PurgeInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func start(t *testing.T, cfg *config.ServerConfig) *GridServer {
	t.Helper()
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	g, err := New(cfg, zaptest.NewLogger(t), tel)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, g.Start(ctx))
	t.Cleanup(func() { g.Stop(context.Background()) })
	return g
}

func dial(t *testing.T, addr string) *txrpc.Client {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return txrpc.NewClient(conn)
}

func commitOne(t *testing.T, remote *txrpc.RemoteCache, key, value string) {
	t.Helper()
	ctx := context.Background()
	xid := transaction.GenerateXid()
	code, err := remote.Prepare(ctx, xid, false, []transaction.Modification{{Key: []byte(key), Value: []byte(value)}})
	require.NoError(t, err)
	require.Equal(t, xa.OK, code)

	code, err = remote.CompleteTransaction(ctx, xid, true)
	require.NoError(t, err)
	require.Equal(t, xa.OK, code)
	require.NoError(t, remote.ForgetTransaction(ctx, xid))
}

func TestGridServer_Standalone(t *testing.T) {
	g := start(t, testConfig())
	assert.NotEqual(t, "127.0.0.1:0", g.Address())
	assert.Nil(t, g.Node())
	assert.ElementsMatch(t, []string{"orders", "stock"}, g.Server().CacheNames())

	remote := dial(t, g.Address()).Cache("orders")
	commitOne(t, remote, "k", "v")

	got, ok, err := remote.GetWithMetadata(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)

	_, _, err = dial(t, g.Address()).Cache("missing").GetWithMetadata(context.Background(), []byte("k"))
	assert.Error(t, err)
}

func TestGridServer_SingleNodeRaft(t *testing.T) {
	cfg := testConfig()
	cfg.NodeID = "n1"
	cfg.Raft = &config.RaftConfig{Address: "n1-raft", Bootstrap: true, InMemory: true, JoinTimeout: 10 * time.Second}
	g := start(t, cfg)

	require.NotNil(t, g.Node())
	assert.True(t, g.Node().IsLeader())
	assert.True(t, g.Node().FSM().HasAddress(g.Address()))

	remote := dial(t, g.Address()).Cache("stock")
	commitOne(t, remote, "apples", "3")

	got, ok, err := remote.GetWithMetadata(context.Background(), []byte("apples"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), got.Value)

	// The decided state went through raft and was forgotten again.
	assert.Empty(t, g.Node().FSM().States())
}

func TestGridServer_StopIsIdempotent(t *testing.T) {
	g, err := New(testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	g.Stop(context.Background())
	g.Stop(context.Background())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Caches = nil
	_, err := New(cfg, zaptest.NewLogger(t), nil)
	assert.ErrorContains(t, err, "at least one cache")
}

func TestGridServer_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, certs.Generate(dir, []string{"localhost", "127.0.0.1"}))

	cfg := testConfig()
	cfg.TLS = config.TLSConfig{
		Enabled:  true,
		CAFile:   filepath.Join(dir, certs.CAFile),
		CertFile: filepath.Join(dir, certs.ServerCertFile),
		KeyFile:  filepath.Join(dir, certs.ServerKeyFile),
	}
	g := start(t, cfg)

	creds, err := certs.ClientCredentials(
		filepath.Join(dir, certs.CAFile),
		filepath.Join(dir, certs.ClientCertFile),
		filepath.Join(dir, certs.ClientKeyFile),
		"localhost",
	)
	require.NoError(t, err)
	conn, err := grpc.NewClient(g.Address(), grpc.WithTransportCredentials(creds))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	commitOne(t, txrpc.NewClient(conn).Cache("orders"), "secure", "yes")

	// A plaintext client cannot talk to a TLS server.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = dial(t, g.Address()).Cache("orders").GetWithMetadata(ctx, []byte("secure"))
	assert.Error(t, err)
}

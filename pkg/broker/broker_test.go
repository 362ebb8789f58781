package broker

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkgman/pkg/auth/authtest"
	"pkgman/pkg/config"
	"pkgman/pkg/content"
	"pkgman/pkg/pubsub"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// startBroker serves b on an in-memory listener and returns a connection
// to it together with a function that stops the broker and reports what
// Serve returned.
func startBroker(t *testing.T, b *Broker, maxBlob int64) (*grpc.ClientConn, func() error) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, lis) }()

	conn, err := Dial("passthrough:///bufnet", config.TLSConfig{}, maxBlob,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var stopped bool
	var result error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			result = <-done
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return conn, stop
}

func newBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	b, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBrokerRoundTrip(t *testing.T) {
	const maxBlob = 16 << 20
	b := newBroker(t, Config{MaxBlobSize: maxBlob})
	conn, stop := startBroker(t, b, maxBlob)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport := pubsub.NewRemoteTransport(conn, zaptest.NewLogger(t))
	sub, err := transport.Subscribe(ctx, "pkgman_sub_query")
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, 1, b.Hub().Subscribers("pkgman_sub_query"))

	require.NoError(t, transport.Publish(ctx, "pkgman_sub_query", []byte("clang")))
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("clang"), msg.Data)

	// Blobs above gRPC's default 4 MiB message limit still fit.
	blob := bytes.Repeat([]byte("pkgman"), 1<<20)
	store := content.NewRemoteStore(conn)
	id, err := store.Put(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, content.ComputeID(blob), id)

	data, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	local, err := b.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, blob, local)

	// Stopping with an open subscription does not hang.
	assert.NoError(t, stop())
	_, err = sub.Next(ctx)
	assert.Error(t, err)
}

func TestBrokerRejectsOversizedBlob(t *testing.T) {
	b := newBroker(t, Config{MaxBlobSize: 1024})
	conn, _ := startBroker(t, b, 1024)

	_, err := content.NewRemoteStore(conn).Put(context.Background(), make([]byte, 4096))
	assert.Error(t, err)
}

func TestBrokerMetrics(t *testing.T) {
	b := newBroker(t, Config{})
	reg := prometheus.NewRegistry()
	b.RegisterMetrics(reg)

	_, err := b.Store().Put(context.Background(), []byte("blob"))
	require.NoError(t, err)

	expected := `
# HELP pkgman_broker_cached_blobs Blobs held in the in-memory cache
# TYPE pkgman_broker_cached_blobs gauge
pkgman_broker_cached_blobs 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pkgman_broker_cached_blobs"))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConfigFrom(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)

	bc, err := ConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultListenAddress, bc.ListenAddress)
	assert.Equal(t, filepath.Join(dir, "data"), bc.DataDir)
	assert.Equal(t, int64(64<<20), bc.MaxBlobSize)
	assert.Equal(t, DefaultCacheSize, bc.CacheSize)

	cfg.MaxBlobSize = "huge"
	_, err = ConfigFrom(cfg)
	assert.Error(t, err)
}

func TestMaxMessageSize(t *testing.T) {
	assert.Equal(t, 64<<20+messageOverhead, MaxMessageSize(0))
	assert.Equal(t, 1024+messageOverhead, MaxMessageSize(1024))
}

func serveTLS(t *testing.T, pki authtest.PKI) string {
	t.Helper()
	b := newBroker(t, Config{TLS: config.TLSConfig{
		Enabled: true,
		CA:      pki.CA,
		Cert:    pki.ServerCert,
		Key:     pki.ServerKey,
	}})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func TestBrokerMutualTLS(t *testing.T) {
	pki := authtest.NewPKI(t, t.TempDir(), "node-1")
	addr := serveTLS(t, pki)

	conn, err := Dial(addr, config.TLSConfig{
		Enabled: true,
		CA:      pki.CA,
		Cert:    pki.ClientCert,
		Key:     pki.ClientKey,
	}, 0)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := content.NewRemoteStore(conn)
	id, err := store.Put(ctx, []byte("signed package"))
	require.NoError(t, err)
	data, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("signed package"), data)
}

func TestBrokerRejectsUntrustedClient(t *testing.T) {
	pki := authtest.NewPKI(t, t.TempDir(), "node-1")
	other := authtest.NewPKI(t, t.TempDir(), "intruder")
	addr := serveTLS(t, pki)

	conn, err := Dial(addr, config.TLSConfig{
		Enabled: true,
		CA:      pki.CA,
		Cert:    other.ClientCert,
		Key:     other.ClientKey,
	}, 0)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = content.NewRemoteStore(conn).Put(ctx, []byte("blob"))
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.BrokerAddress = "localhost:0"

	conn, err := Connect(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer conn.Close()
	assert.NotNil(t, conn.Transport)
	assert.NotNil(t, conn.Store)
	assert.NotEmpty(t, conn.Transport.NodeID())
}

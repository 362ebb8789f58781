package pubsub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestHubBroadcast(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(4, zaptest.NewLogger(t))

	a, err := hub.Subscribe(ctx, "query")
	require.NoError(t, err)
	defer a.Close()
	b, err := hub.Subscribe(ctx, "query")
	require.NoError(t, err)
	defer b.Close()
	other, err := hub.Subscribe(ctx, "keyring")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, hub.Publish(ctx, "query", []byte("clang")))

	for _, sub := range []*Subscription{a, b} {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "query", msg.Topic)
		assert.Equal(t, []byte("clang"), msg.Data)
	}

	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected message on other topic: %v", msg)
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(1, nil)

	sub, err := hub.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, "t", []byte("1")))
	require.NoError(t, hub.Publish(ctx, "t", []byte("2")))
	assert.Equal(t, uint64(1), hub.Dropped())

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), msg.Data)
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	hub := NewHub(0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("t"))

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers("t") == 0 }, time.Second, 10*time.Millisecond)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	sub.Close()
}

func TestNextHonoursContext(t *testing.T) {
	hub := NewHub(0, nil)
	sub, err := hub.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(0, nil)
	sub, err := hub.Subscribe(ctx, "t")
	require.NoError(t, err)

	hub.Close()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	sub.Close()

	assert.Error(t, hub.Publish(ctx, "t", nil))
	_, err = hub.Subscribe(ctx, "t")
	assert.Error(t, err)
}

func startBroker(t *testing.T, hub *Hub) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterBrokerServer(srv, NewHubServer(hub, zaptest.NewLogger(t)))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRemoteTransportRoundTrip(t *testing.T) {
	hub := NewHub(0, nil)
	conn := startBroker(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subscriber := NewRemoteTransport(conn, zaptest.NewLogger(t))
	publisher := NewRemoteTransport(conn, zaptest.NewLogger(t))

	sub, err := subscriber.Subscribe(ctx, "pkgman_sub_query")
	require.NoError(t, err)
	defer sub.Close()

	// Subscribe returns only after the broker registered the subscriber.
	assert.Equal(t, 1, hub.Subscribers("pkgman_sub_query"))

	payload := []byte("name = \"clang\"\n\x00binary")
	require.NoError(t, publisher.Publish(ctx, "pkgman_sub_query", payload))

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, msg.Data)
	assert.Equal(t, publisher.NodeID(), msg.From)

	// Local hub publishers reach remote subscribers too.
	require.NoError(t, hub.Publish(ctx, "pkgman_sub_query", []byte("local")))
	msg, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), msg.Data)
}

func TestRemoteTransportUnreachable(t *testing.T) {
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return nil, net.ErrClosed
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = NewRemoteTransport(conn, nil).Publish(ctx, "t", []byte("x"))
	assert.ErrorIs(t, err, ErrUnableToConnect)
}

func TestEnvelopeRejectsMissingTopic(t *testing.T) {
	_, err := decodeEnvelope(encodeEnvelope(Message{Data: []byte("x")}))
	assert.Error(t, err)
}

package broker

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"pkgman/pkg/auth"
	"pkgman/pkg/config"
	"pkgman/pkg/content"
	"pkgman/pkg/pubsub"
)

// Dial opens a client connection to the broker at target. The connection
// is lazy; errors reaching the broker surface on the first call.
func Dial(target string, tlsCfg config.TLSConfig, maxBlob int64, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	tlsBuilder, err := auth.NewTLSBuilder(tlsCfg)
	if err != nil {
		return nil, err
	}
	creds, err := tlsBuilder.DialOption()
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	msgSize := MaxMessageSize(maxBlob)
	opts := []grpc.DialOption{
		creds,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(msgSize),
			grpc.MaxCallSendMsgSize(msgSize),
		),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return conn, nil
}

// Conn is a connection to a broker with both services bound.
type Conn struct {
	*grpc.ClientConn
	Transport *pubsub.RemoteTransport
	Store     *content.RemoteStore
}

// Connect dials the broker configured in cfg.
func Connect(cfg *config.Config, logger *zap.Logger, extra ...grpc.DialOption) (*Conn, error) {
	limit, err := cfg.BlobLimit()
	if err != nil {
		return nil, err
	}
	conn, err := Dial(cfg.BrokerAddress, cfg.TLS, limit, extra...)
	if err != nil {
		return nil, err
	}
	return &Conn{
		ClientConn: conn,
		Transport:  pubsub.NewRemoteTransport(conn, logger),
		Store:      content.NewRemoteStore(conn),
	}, nil
}

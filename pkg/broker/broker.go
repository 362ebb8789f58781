// Package broker hosts the pub/sub hub and the content store behind one
// gRPC server. Every node talks to the network through a broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"pkgman/pkg/auth"
	"pkgman/pkg/config"
	"pkgman/pkg/content"
	"pkgman/pkg/pubsub"
)

const (
	// DefaultCacheSize is the number of blobs kept in memory.
	DefaultCacheSize = 64

	// messageOverhead leaves room for envelope framing on top of a blob.
	messageOverhead = 1 << 20
)

// Config holds the broker settings.
type Config struct {
	ListenAddress string
	DataDir       string
	MaxBlobSize   int64
	CacheSize     int
	TLS           config.TLSConfig
}

// ConfigFrom extracts the broker settings from the node configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	limit, err := cfg.BlobLimit()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ListenAddress: cfg.ListenAddress,
		DataDir:       cfg.DataDir,
		MaxBlobSize:   limit,
		CacheSize:     DefaultCacheSize,
		TLS:           cfg.TLS,
	}, nil
}

// MaxMessageSize is the largest gRPC message needed to carry a blob of
// maxBlob bytes.
func MaxMessageSize(maxBlob int64) int {
	if maxBlob <= 0 {
		maxBlob = 64 << 20
	}
	return int(maxBlob) + messageOverhead
}

// Broker serves the pkgman.pubsub.Broker and pkgman.content.Store services.
type Broker struct {
	cfg    Config
	hub    *pubsub.Hub
	disk   *content.DiskStore
	store  *content.CachedStore
	server *grpc.Server
	logger *zap.Logger

	stopOnce sync.Once
}

// New opens the blob store under cfg.DataDir and builds the gRPC server.
func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	tlsBuilder, err := auth.NewTLSBuilder(cfg.TLS)
	if err != nil {
		return nil, err
	}
	serverOpts, err := tlsBuilder.ServerOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to build server TLS config: %w", err)
	}

	disk, err := content.NewDiskStore(cfg.DataDir, logger.Named("store"), content.WithMaxSize(cfg.MaxBlobSize))
	if err != nil {
		return nil, err
	}
	store, err := content.NewCachedStore(disk, cfg.CacheSize)
	if err != nil {
		disk.Close()
		return nil, err
	}

	msgSize := MaxMessageSize(cfg.MaxBlobSize)
	serverOpts = append(serverOpts,
		grpc.MaxRecvMsgSize(msgSize),
		grpc.MaxSendMsgSize(msgSize),
		grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(logger)),
		grpc.ChainStreamInterceptor(auth.StreamServerInterceptor(logger)),
	)

	b := &Broker{
		cfg:    cfg,
		hub:    pubsub.NewHub(pubsub.DefaultBufferSize, logger.Named("hub")),
		disk:   disk,
		store:  store,
		server: grpc.NewServer(serverOpts...),
		logger: logger,
	}
	pubsub.RegisterBrokerServer(b.server, pubsub.NewHubServer(b.hub, logger))
	content.RegisterStoreServer(b.server, content.NewServer(b.store, logger))

	if tlsBuilder.Enabled() {
		logger.Info("TLS enabled for broker")
	}
	return b, nil
}

// Hub is the broker's local pub/sub hub. A daemon running in the same
// process can use it directly as its transport.
func (b *Broker) Hub() *pubsub.Hub {
	return b.hub
}

// Store is the broker's blob store.
func (b *Broker) Store() content.Store {
	return b.store
}

// RegisterMetrics exposes hub and cache figures on reg.
func (b *Broker) RegisterMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "pkgman_broker_dropped_messages_total",
		Help: "Messages dropped because a subscriber fell behind",
	}, func() float64 { return float64(b.hub.Dropped()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pkgman_broker_cached_blobs",
		Help: "Blobs held in the in-memory cache",
	}, func() float64 { return float64(b.store.Len()) })
}

// Serve accepts connections on l until ctx is cancelled.
func (b *Broker) Serve(ctx context.Context, l net.Listener) error {
	b.logger.Info("Broker starting", zap.String("address", l.Addr().String()))

	stop := context.AfterFunc(ctx, b.shutdown)
	defer stop()

	err := b.server.Serve(l)
	if ctx.Err() != nil {
		// Waits for the shutdown started by the context.
		b.shutdown()
		return nil
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", b.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.ListenAddress, err)
	}
	return b.Serve(ctx, l)
}

// Close stops the server and releases the blob store.
func (b *Broker) Close() error {
	b.shutdown()
	return b.disk.Close()
}

func (b *Broker) shutdown() {
	b.stopOnce.Do(func() {
		// Subscribe streams only end once the hub closes.
		b.hub.Close()
		b.server.GracefulStop()
		b.logger.Info("Broker stopped")
	})
}

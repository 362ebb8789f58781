// Package auth secures broker connections: TLS configuration for both
// ends and interceptors that attach the caller's identity to each RPC.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkgman/pkg/config"
)

// TLSBuilder builds TLS configurations from the node's tls settings.
type TLSBuilder struct {
	cfg config.TLSConfig
}

// NewTLSBuilder checks cfg and returns a builder for it.
func NewTLSBuilder(cfg config.TLSConfig) (*TLSBuilder, error) {
	if cfg.Enabled && (cfg.Cert == "") != (cfg.Key == "") {
		return nil, fmt.Errorf("tls: cert and key must be set together")
	}
	return &TLSBuilder{cfg: cfg}, nil
}

// Enabled reports whether connections use TLS.
func (b *TLSBuilder) Enabled() bool {
	return b.cfg.Enabled
}

// ServerConfig returns the broker's TLS configuration, or nil when TLS is
// disabled. With a CA configured, clients must present a certificate
// signed by it.
func (b *TLSBuilder) ServerConfig() (*tls.Config, error) {
	if !b.cfg.Enabled {
		return nil, nil
	}
	if b.cfg.Cert == "" {
		return nil, fmt.Errorf("tls: server requires cert and key")
	}

	cert, err := tls.LoadX509KeyPair(b.cfg.Cert, b.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if b.cfg.CA != "" {
		pool, err := loadCAPool(b.cfg.CA)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// ClientConfig returns the TLS configuration for dialing a broker, or nil
// when TLS is disabled. Without a CA the system roots are used.
func (b *TLSBuilder) ClientConfig() (*tls.Config, error) {
	if !b.cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if b.cfg.CA != "" {
		pool, err := loadCAPool(b.cfg.CA)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	if b.cfg.Cert != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.Cert, b.cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// ServerOptions returns the gRPC server options for the configured
// transport security.
func (b *TLSBuilder) ServerOptions() ([]grpc.ServerOption, error) {
	tlsConfig, err := b.ServerConfig()
	if err != nil || tlsConfig == nil {
		return nil, err
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tlsConfig))}, nil
}

// DialOption returns the gRPC transport credentials for dialing a broker.
func (b *TLSBuilder) DialOption() (grpc.DialOption, error) {
	tlsConfig, err := b.ClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}

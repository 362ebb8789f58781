package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity describes the caller of an RPC.
type Identity struct {
	// Name is the verified certificate's common name, empty without
	// client certificates.
	Name    string
	Address string
}

func (i Identity) String() string {
	if i.Name != "" {
		return i.Name
	}
	if i.Address != "" {
		return i.Address
	}
	return "unknown"
}

// IdentityFromContext returns the identity attached by the interceptors.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

func peerIdentity(ctx context.Context) Identity {
	var id Identity
	p, ok := peer.FromContext(ctx)
	if !ok {
		return id
	}
	if p.Addr != nil {
		id.Address = p.Addr.String()
	}
	if tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo); ok {
		if chains := tlsInfo.State.VerifiedChains; len(chains) > 0 && len(chains[0]) > 0 {
			id.Name = chains[0][0].Subject.CommonName
		}
	}
	return id
}

// UnaryServerInterceptor attaches the caller identity and logs each call.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := peerIdentity(ctx)
		start := time.Now()
		resp, err := handler(context.WithValue(ctx, identityContextKey, id), req)
		logger.Debug("Handled RPC",
			zap.String("method", info.FullMethod),
			zap.Stringer("peer", id),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)))
		return resp, err
	}
}

// StreamServerInterceptor attaches the caller identity to streams.
func StreamServerInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id := peerIdentity(ss.Context())
		logger.Debug("Stream opened",
			zap.String("method", info.FullMethod),
			zap.Stringer("peer", id))

		err := handler(srv, &identifiedServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ss.Context(), identityContextKey, id),
		})
		logger.Debug("Stream closed",
			zap.String("method", info.FullMethod),
			zap.Stringer("peer", id),
			zap.String("code", status.Code(err).String()))
		return err
	}
}

type identifiedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identifiedServerStream) Context() context.Context {
	return s.ctx
}

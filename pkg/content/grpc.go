package content

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkgman/pkg/types"
)

const (
	storeServiceName = "pkgman.content.Store"
	putMethod        = "/" + storeServiceName + "/Put"
	getMethod        = "/" + storeServiceName + "/Get"
)

// StoreServer is the server side of the content store service.
type StoreServer interface {
	Put(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	Get(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

var storeServiceDesc = grpc.ServiceDesc{
	ServiceName: storeServiceName,
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: storePutHandler},
		{MethodName: "Get", Handler: storeGetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkgman/content.proto",
}

func storePutHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).Put(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func storeGetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StoreServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StoreServer).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterStoreServer registers srv on s.
func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(&storeServiceDesc, srv)
}

// Server exposes a Store over gRPC.
type Server struct {
	store  Store
	logger *zap.Logger
}

// NewServer wraps store as a StoreServer.
func NewServer(store Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, logger: logger}
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	id, err := s.store.Put(ctx, in.GetValue())
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		s.logger.Error("Failed to store blob", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.String(string(id)), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	data, err := s.store.Get(ctx, types.ContentID(in.GetValue()))
	switch {
	case err == nil:
		return wrapperspb.Bytes(data), nil
	case errors.Is(err, ErrNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidID):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		s.logger.Error("Failed to load blob", zap.String("content_id", in.GetValue()), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// Compile-time interface check.
var _ Store = (*RemoteStore)(nil)

// RemoteStore is a Store reached over gRPC. Blobs it returns are checked
// against their id before being handed out.
type RemoteStore struct {
	conn grpc.ClientConnInterface
}

func NewRemoteStore(conn grpc.ClientConnInterface) *RemoteStore {
	return &RemoteStore{conn: conn}
}

func (s *RemoteStore) Put(ctx context.Context, data []byte) (types.ContentID, error) {
	out := new(wrapperspb.StringValue)
	if err := s.conn.Invoke(ctx, putMethod, wrapperspb.Bytes(data), out); err != nil {
		return "", fromStatus("put", err)
	}
	return types.ContentID(out.GetValue()), nil
}

func (s *RemoteStore) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := s.conn.Invoke(ctx, getMethod, wrapperspb.String(string(id)), out); err != nil {
		return nil, fromStatus("get", err)
	}
	data := out.GetValue()
	if err := checkID(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func fromStatus(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", op, ErrInvalidID)
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %w", op, ErrTooLarge)
	case codes.Unavailable:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

package pubsub

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	brokerServiceName = "pkgman.pubsub.Broker"
	publishMethod     = "/" + brokerServiceName + "/Publish"
	subscribeMethod   = "/" + brokerServiceName + "/Subscribe"
)

// BrokerServer is the server side of the pub/sub broker service. Messages
// travel as google.protobuf.Struct envelopes {topic, from, data} with the
// payload base64 encoded in data.
type BrokerServer interface {
	Publish(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: brokerServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: brokerPublishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: brokerSubscribeHandler, ServerStreams: true},
	},
	Metadata: "pkgman/pubsub.proto",
}

func brokerPublishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BrokerServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func brokerSubscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BrokerServer).Subscribe(in, stream)
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

func encodeEnvelope(msg Message) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"topic": structpb.NewStringValue(msg.Topic),
		"from":  structpb.NewStringValue(msg.From),
		"data":  structpb.NewStringValue(base64.StdEncoding.EncodeToString(msg.Data)),
	}}
}

func decodeEnvelope(s *structpb.Struct) (Message, error) {
	fields := s.GetFields()
	msg := Message{
		Topic: fields["topic"].GetStringValue(),
		From:  fields["from"].GetStringValue(),
	}
	if msg.Topic == "" {
		return Message{}, fmt.Errorf("envelope without topic")
	}
	data, err := base64.StdEncoding.DecodeString(fields["data"].GetStringValue())
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode envelope payload: %w", err)
	}
	msg.Data = data
	return msg, nil
}

// HubServer exposes a Hub over gRPC.
type HubServer struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHubServer wraps hub as a BrokerServer.
func NewHubServer(hub *Hub, logger *zap.Logger) *HubServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubServer{hub: hub, logger: logger}
}

func (s *HubServer) Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	msg, err := decodeEnvelope(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.hub.PublishFrom(ctx, msg.From, msg.Topic, msg.Data); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Subscribe streams topic messages to the caller. The first message sent
// is an empty acknowledgement carrying only the topic, sent once the
// subscription is registered so the caller can publish without racing it.
func (s *HubServer) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	topic := in.GetFields()["topic"].GetStringValue()
	if topic == "" {
		return status.Error(codes.InvalidArgument, "topic is required")
	}

	ctx := stream.Context()
	sub, err := s.hub.Subscribe(ctx, topic)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	if err := stream.SendMsg(encodeEnvelope(Message{Topic: topic})); err != nil {
		return err
	}
	s.logger.Debug("Remote subscriber attached", zap.String("topic", topic))

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if err == ErrClosed {
				return status.Error(codes.Unavailable, "broker shutting down")
			}
			return nil
		}
		if err := stream.SendMsg(encodeEnvelope(msg)); err != nil {
			return err
		}
	}
}

// Compile-time interface check.
var _ Transport = (*RemoteTransport)(nil)

// RemoteTransport is a Transport backed by a broker reached over gRPC.
type RemoteTransport struct {
	conn   grpc.ClientConnInterface
	nodeID string
	buffer int
	logger *zap.Logger
}

// NewRemoteTransport creates a transport on conn. Published messages are
// stamped with a random node id.
func NewRemoteTransport(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteTransport{
		conn:   conn,
		nodeID: uuid.NewString(),
		buffer: DefaultBufferSize,
		logger: logger,
	}
}

// NodeID is the id stamped on published messages.
func (t *RemoteTransport) NodeID() string {
	return t.nodeID
}

func (t *RemoteTransport) Publish(ctx context.Context, topic string, data []byte) error {
	in := encodeEnvelope(Message{Topic: topic, From: t.nodeID, Data: data})
	if err := t.conn.Invoke(ctx, publishMethod, in, new(emptypb.Empty)); err != nil {
		return wrapRPCError("publish", err)
	}
	return nil
}

func (t *RemoteTransport) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := t.conn.NewStream(streamCtx, &brokerServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		cancel()
		return nil, wrapRPCError("subscribe", err)
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"topic": structpb.NewStringValue(topic),
	}}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, wrapRPCError("subscribe", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, wrapRPCError("subscribe", err)
	}

	// Wait for the broker to acknowledge the subscription.
	if err := stream.RecvMsg(new(structpb.Struct)); err != nil {
		cancel()
		return nil, wrapRPCError("subscribe", err)
	}

	ch := make(chan Message, t.buffer)
	go func() {
		defer close(ch)
		for {
			env := new(structpb.Struct)
			if err := stream.RecvMsg(env); err != nil {
				if streamCtx.Err() == nil {
					t.logger.Debug("Subscription stream ended",
						zap.String("topic", topic), zap.Error(err))
				}
				return
			}
			msg, err := decodeEnvelope(env)
			if err != nil {
				t.logger.Debug("Discarding malformed envelope",
					zap.String("topic", topic), zap.Error(err))
				continue
			}
			select {
			case ch <- msg:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return newSubscription(ctx, topic, ch, cancel), nil
}

func wrapRPCError(op string, err error) error {
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%s: %w: %v", op, ErrUnableToConnect, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

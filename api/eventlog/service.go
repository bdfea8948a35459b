package eventlog

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name, matching the
// package+service declared in event.proto.
const ServiceName = "eventlog.EventService"

// EventServiceServer is implemented by the event-log daemon's handler.
type EventServiceServer interface {
	RecordEvent(context.Context, *EventRequest) (*EventReply, error)
}

// UnimplementedEventServiceServer is embedded by server implementations
// to get forward-compatible default method bodies, matching the
// pattern protoc-gen-go-grpc generates.
type UnimplementedEventServiceServer struct{}

func (UnimplementedEventServiceServer) RecordEvent(context.Context, *EventRequest) (*EventReply, error) {
	return nil, errUnimplemented("RecordEvent")
}

func errUnimplemented(method string) error {
	return &unimplementedError{method: method}
}

type unimplementedError struct{ method string }

func (e *unimplementedError) Error() string {
	return "eventlog: method " + e.method + " not implemented"
}

func recordEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(EventRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventServiceServer).RecordEvent(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RecordEvent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventServiceServer).RecordEvent(ctx, req.(*EventRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc stands in for the _EventService_serviceDesc
// protoc-gen-go-grpc would normally emit from event.proto.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RecordEvent", Handler: recordEventHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "event.proto",
}

// RegisterEventServiceServer registers srv on s. The server must have
// been constructed with grpc.ForceServerCodec(Codec).
func RegisterEventServiceServer(s *grpc.Server, srv EventServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// EventServiceClient is the client-side counterpart to EventServiceServer.
type EventServiceClient interface {
	RecordEvent(ctx context.Context, in *EventRequest, opts ...grpc.CallOption) (*EventReply, error)
}

type eventServiceClient struct {
	cc *grpc.ClientConn
}

// NewEventServiceClient builds a client over cc, matching the shape
// protoc-gen-go-grpc emits for a unary-only service.
func NewEventServiceClient(cc *grpc.ClientConn) EventServiceClient {
	return &eventServiceClient{cc: cc}
}

func (c *eventServiceClient) RecordEvent(ctx context.Context, in *EventRequest, opts ...grpc.CallOption) (*EventReply, error) {
	out := new(EventReply)
	opts = append(opts, grpc.ForceCodec(Codec))
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/RecordEvent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

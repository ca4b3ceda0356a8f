package v1

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ppc.model.v1.ModelService"

// ModelService_MessageInteraction_FullMethodName is the full RPC method path.
const ModelService_MessageInteraction_FullMethodName = "/" + ServiceName + "/MessageInteraction"

// wireMessage is implemented by the hand-encoded messages in this package.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// codec replaces the default "proto" codec. It encodes this package's
// messages itself and hands any other proto.Message to the protobuf runtime,
// so services built from generated code keep working in the same process.
type codec struct{}

func (codec) Name() string { return "proto" }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.Marshal()
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("codec: cannot marshal %T", v)
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wireMessage:
		return m.Unmarshal(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("codec: cannot unmarshal into %T", v)
}

func init() {
	encoding.RegisterCodec(codec{})
}

// ModelServiceClient is the client API for ModelService.
type ModelServiceClient interface {
	MessageInteraction(ctx context.Context, in *ModelRequest, opts ...grpc.CallOption) (*ModelResponse, error)
}

type modelServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewModelServiceClient wraps a connection.
func NewModelServiceClient(cc grpc.ClientConnInterface) ModelServiceClient {
	return &modelServiceClient{cc: cc}
}

func (c *modelServiceClient) MessageInteraction(ctx context.Context, in *ModelRequest, opts ...grpc.CallOption) (*ModelResponse, error) {
	out := new(ModelResponse)
	if err := c.cc.Invoke(ctx, ModelService_MessageInteraction_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ModelServiceServer is the server API for ModelService.
type ModelServiceServer interface {
	MessageInteraction(context.Context, *ModelRequest) (*ModelResponse, error)
}

// UnimplementedModelServiceServer can be embedded for forward compatibility.
type UnimplementedModelServiceServer struct{}

func (UnimplementedModelServiceServer) MessageInteraction(context.Context, *ModelRequest) (*ModelResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method MessageInteraction not implemented")
}

// RegisterModelServiceServer registers srv on s.
func RegisterModelServiceServer(s grpc.ServiceRegistrar, srv ModelServiceServer) {
	s.RegisterService(&ModelService_ServiceDesc, srv)
}

func messageInteractionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModelServiceServer).MessageInteraction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ModelService_MessageInteraction_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModelServiceServer).MessageInteraction(ctx, req.(*ModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ModelService_ServiceDesc describes ModelService for grpc.Server.
var ModelService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "MessageInteraction",
			Handler:    messageInteractionHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/proto/v1/model.proto",
}

package wire

import (
	"context"
	"encoding"
	"fmt"

	"google.golang.org/grpc"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of every Tree call.
const CodecName = "treecast"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "treecast.v1.Tree"

func init() {
	grpcencoding.RegisterCodec(codec{})
}

// codec marshals the messages of this package through their binary
// marshaler methods.
type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return m.MarshalBinary()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return m.UnmarshalBinary(data)
}

// TreeServer is implemented by the node side of the Tree service.
type TreeServer interface {
	Push(context.Context, *PushRequest) (*Empty, error)
	PushBatch(context.Context, *BatchRequest) (*Empty, error)
	Ack(context.Context, *AckRequest) (*Empty, error)
	Search(context.Context, *SearchRequest) (*Empty, error)
	Result(context.Context, *SearchResult) (*Empty, error)
}

// RegisterTreeServer registers srv on s.
func RegisterTreeServer(s grpc.ServiceRegistrar, srv TreeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Tree service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TreeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: unary("Push", TreeServer.Push)},
		{MethodName: "PushBatch", Handler: unary("PushBatch", TreeServer.PushBatch)},
		{MethodName: "Ack", Handler: unary("Ack", TreeServer.Ack)},
		{MethodName: "Search", Handler: unary("Search", TreeServer.Search)},
		{MethodName: "Result", Handler: unary("Result", TreeServer.Result)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "treecast/v1/tree",
}

func unary[T any](method string, call func(TreeServer, context.Context, *T) (*Empty, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(T)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TreeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TreeServer), ctx, req.(*T))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TreeClient calls the Tree service on one peer.
type TreeClient struct {
	cc grpc.ClientConnInterface
}

// NewTreeClient wraps cc.
func NewTreeClient(cc grpc.ClientConnInterface) *TreeClient {
	return &TreeClient{cc: cc}
}

func (c *TreeClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *TreeClient) Push(ctx context.Context, in *PushRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "Push", in, out, opts...)
}

func (c *TreeClient) PushBatch(ctx context.Context, in *BatchRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "PushBatch", in, out, opts...)
}

func (c *TreeClient) Ack(ctx context.Context, in *AckRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "Ack", in, out, opts...)
}

func (c *TreeClient) Search(ctx context.Context, in *SearchRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "Search", in, out, opts...)
}

func (c *TreeClient) Result(ctx context.Context, in *SearchResult, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "Result", in, out, opts...)
}

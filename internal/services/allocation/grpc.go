package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Il servizio gRPC usa google.protobuf.Struct in ingresso e in uscita:
// stesso JSON dell'API HTTP, niente codice generato.
const (
	ServiceName    = "villagewater.v1.AllocationService"
	optimizeMethod = "/" + ServiceName + "/Optimize"
	requestIDKey   = "x-request-id"
)

// AllocationServiceServer is the server API of villagewater.v1.AllocationService.
type AllocationServiceServer interface {
	Optimize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AllocationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Optimize", Handler: optimizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "villagewater/v1/allocation.proto",
}

func RegisterAllocationServiceServer(s grpc.ServiceRegistrar, srv AllocationServiceServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

func optimizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AllocationServiceServer).Optimize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: optimizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AllocationServiceServer).Optimize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer adapts the Engine to AllocationServiceServer.
type GRPCServer struct {
	engine *Engine
}

var _ AllocationServiceServer = (*GRPCServer)(nil)

func NewGRPCServer(e *Engine) *GRPCServer { return &GRPCServer{engine: e} }

func (s *GRPCServer) Optimize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDKey); len(ids) > 0 && strings.TrimSpace(ids[0]) != "" {
			ctx = WithRequestID(ctx, ids[0])
		}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req, err := DecodeRequest(bytes.NewReader(raw))
	if err != nil {
		return nil, grpcError(err)
	}
	resp, err := s.engine.Optimize(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, resp.RequestID))
	return out, nil
}

func grpcError(err error) error {
	var (
		ve *ValidationError
		fe *InvalidFarmError
		le *LookupFailureError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &fe):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &le):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrZeroDemand):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// AllocationClient calls a remote AllocationService.
type AllocationClient struct {
	cc grpc.ClientConnInterface
}

func NewAllocationClient(cc grpc.ClientConnInterface) *AllocationClient {
	return &AllocationClient{cc: cc}
}

func (c *AllocationClient) Optimize(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, optimizeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

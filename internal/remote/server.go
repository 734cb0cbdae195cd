package remote

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/opgate/internal/operation"
)

var log = slog.Default()

// RegisterServerService exposes svc as the controller service on s. It is the
// receiving side of Client: a controller process (or a test) registers its
// ServerService implementation here.
func RegisterServerService(s grpc.ServiceRegistrar, svc operation.ServerService) {
	s.RegisterService(&serviceDesc, svc)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*operation.ServerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodSucceeded, Handler: unaryHandler(methodSucceeded, fieldCompletedAt, handleSucceeded)},
		{MethodName: methodFailed, Handler: unaryHandler(methodFailed, fieldCompletedAt, handleFailed)},
		{MethodName: methodTimedOut, Handler: unaryHandler(methodTimedOut, fieldTimedOutAt, handleTimedOut)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opgate/v1/controller.proto",
}

type handleFunc func(ctx context.Context, svc operation.ServerService, n *notification) error

func handleSucceeded(ctx context.Context, svc operation.ServerService, n *notification) error {
	return svc.OperationSucceeded(ctx, n.JobID, n.Result, n.InvokedAt, n.CompletedAt)
}

func handleFailed(ctx context.Context, svc operation.ServerService, n *notification) error {
	return svc.OperationFailed(ctx, n.JobID, n.Result, n.Failure, n.InvokedAt, n.CompletedAt)
}

func handleTimedOut(ctx context.Context, svc operation.ServerService, n *notification) error {
	return svc.OperationTimedOut(ctx, n.JobID, n.InvokedAt, n.CompletedAt)
}

// unaryHandler adapts a handleFunc to the grpc.MethodDesc handler signature.
func unaryHandler(method, endField string, handle handleFunc) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		call := func(ctx context.Context, req any) (any, error) {
			n, err := decodeRequest(req.(*structpb.Struct), endField)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
			}
			if err := handle(ctx, srv.(operation.ServerService), n); err != nil {
				log.Warn("Controller rejected notification",
					"method", method,
					"job_id", n.JobID,
					"error", err)
				return nil, status.Errorf(codes.Internal, "%s: %v", method, err)
			}
			return &emptypb.Empty{}, nil
		}

		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, call)
	}
}

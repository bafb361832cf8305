package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ApprovalServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct documents shaped like the HTTP JSON bodies.
const ApprovalServiceName = "travel.approvals.v1.ApprovalService"

// gRPC method names.
const (
	MethodSubmit      = "Submit"
	MethodDecide      = "Decide"
	MethodDelegate    = "Delegate"
	MethodEscalate    = "Escalate"
	MethodCancel      = "Cancel"
	MethodExpire      = "Expire"
	MethodRemind      = "Remind"
	MethodGet         = "Get"
	MethodHistory     = "History"
	MethodListPending = "ListPending"
)

// ActorMetadataKey carries the acting user id in gRPC metadata.
const ActorMetadataKey = "x-user-id"

// FullMethod returns "/<service>/<method>".
func FullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", ApprovalServiceName, method)
}

// ApprovalServiceServer is the server API for the approval service.
type ApprovalServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delegate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Escalate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Expire(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remind(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ApprovalServiceDesc describes the approval service for grpc.Server.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodSubmit, ApprovalServiceServer.Submit),
		unaryMethod(MethodDecide, ApprovalServiceServer.Decide),
		unaryMethod(MethodDelegate, ApprovalServiceServer.Delegate),
		unaryMethod(MethodEscalate, ApprovalServiceServer.Escalate),
		unaryMethod(MethodCancel, ApprovalServiceServer.Cancel),
		unaryMethod(MethodExpire, ApprovalServiceServer.Expire),
		unaryMethod(MethodRemind, ApprovalServiceServer.Remind),
		unaryMethod(MethodGet, ApprovalServiceServer.Get),
		unaryMethod(MethodHistory, ApprovalServiceServer.History),
		unaryMethod(MethodListPending, ApprovalServiceServer.ListPending),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "travel/approvals/v1/approvals.proto",
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

// ToStruct converts a JSON-taggable value to a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into the JSON-taggable value out.
func FromStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ABOUTME: gRPC ToolService exposing invoke, list and quota status with protobuf well-known types
// ABOUTME: The service descriptor is declared by hand so no generated stubs are needed

package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/toolgate/internal/dispatch"
	"github.com/2389/toolgate/internal/quota"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "toolgate.v1.ToolService"

const (
	invokeMethod      = "/" + ServiceName + "/Invoke"
	listToolsMethod   = "/" + ServiceName + "/ListTools"
	quotaStatusMethod = "/" + ServiceName + "/QuotaStatus"
)

// Dispatcher is the invocation surface exposed over gRPC.
type Dispatcher interface {
	Invoke(ctx context.Context, name string, args map[string]any) dispatch.Result
	ListTools(ctx context.Context) []dispatch.ToolInfo
	QuotaStatus(ctx context.Context) (quota.Status, error)
}

// ToolServiceServer is the server API for ToolService.
//
// Invoke takes {"tool": string, "arguments": object} and returns
// {"text": string, "is_error": bool, "kind": string}. Dispatch failures are
// reported in the response, not as gRPC status errors.
type ToolServiceServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	QuotaStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements ToolServiceServer on top of a Dispatcher. The caller's
// principal arrives in the context from the auth interceptor.
type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewServer creates a ToolService implementation.
func NewServer(d Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatcher: d, logger: logger.With("component", "grpcapi")}
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, srv ToolServiceServer) {
	s.RegisterService(&ToolServiceDesc, srv)
}

func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	tool := fields["tool"].GetStringValue()
	if tool == "" {
		return nil, status.Error(codes.InvalidArgument, "tool is required")
	}

	var args map[string]any
	if v, ok := fields["arguments"]; ok {
		obj := v.GetStructValue()
		if obj == nil {
			return nil, status.Error(codes.InvalidArgument, "arguments must be an object")
		}
		args = obj.AsMap()
	}

	res := s.dispatcher.Invoke(ctx, tool, args)
	out := map[string]any{
		"text":     res.Text,
		"is_error": res.IsError(),
	}
	if res.Err != nil {
		out["kind"] = string(res.Err.Kind)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return resp, nil
}

func (s *Server) ListTools(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	tools := s.dispatcher.ListTools(ctx)
	list := make([]any, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			s.logger.Warn("skipping tool with unreadable schema", "tool_name", t.Name, "error", err)
			continue
		}
		list = append(list, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		})
	}
	resp, err := structpb.NewStruct(map[string]any{"tools": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return resp, nil
}

func (s *Server) QuotaStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.dispatcher.QuotaStatus(ctx)
	if err != nil {
		var de *dispatch.Error
		if errors.As(err, &de) && de.Kind == dispatch.KindNotAuthenticated {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		s.logger.Error("quota status failed", "error", err)
		return nil, status.Error(codes.Internal, "quota status unavailable")
	}
	resp, err := structpb.NewStruct(map[string]any{
		"used":      st.Used,
		"limit":     st.Limit,
		"remaining": st.Remaining,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return resp, nil
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listToolsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).ListTools(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func quotaStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).QuotaStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: quotaStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).QuotaStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ToolServiceDesc is the grpc.ServiceDesc for ToolService.
var ToolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "ListTools", Handler: listToolsHandler},
		{MethodName: "QuotaStatus", Handler: quotaStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolgate/v1/tool_service.proto",
}

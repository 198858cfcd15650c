package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
	"github.com/pesio-ai/be-ops-return-workflows/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "returns.v1.ReturnWorkflowService"

// GRPCHandler implements ReturnWorkflowService. Messages are
// google.protobuf.Struct with the same field names as the REST API.
type GRPCHandler struct {
	engine *service.WorkflowEngine
	log    *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.WorkflowEngine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		log:    log.With("grpc_handler"),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "StartWorkflow", Handler: unary(ServiceName+"/StartWorkflow", h.StartWorkflow)},
			{MethodName: "ApproveStep", Handler: unary(ServiceName+"/ApproveStep", h.ApproveStep)},
			{MethodName: "RejectStep", Handler: unary(ServiceName+"/RejectStep", h.RejectStep)},
			{MethodName: "GetWorkflow", Handler: unary(ServiceName+"/GetWorkflow", h.GetWorkflow)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "returns/v1/return_workflow.proto",
	}, h)
}

type structHandler func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// unary adapts a Struct handler to grpc.MethodHandler, running interceptors.
func unary(fullMethod string, call structHandler) grpc.MethodHandler {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{FullMethod: "/" + fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return call(ctx, req.(*structpb.Struct))
		})
	}
}

// StartWorkflow starts a workflow. requester_id defaults to the caller.
func (h *GRPCHandler) StartWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in service.StartRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, "요청 형식이 올바르지 않습니다")
	}
	if in.RequesterID == "" {
		in.RequesterID = userID(ctx)
	}

	inst, err := h.engine.StartWorkflow(ctx, in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.workflowResponse(inst, "반납 결재가 요청되었습니다")
}

// ApproveStep approves the current step as the caller.
func (h *GRPCHandler) ApproveStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var in ApproveRequest
	if err := fromStruct(req, &in); err != nil || in.WorkflowID == "" {
		return nil, status.Error(codes.InvalidArgument, "workflow_id는 필수입니다")
	}

	inst, err := h.engine.ApproveStep(ctx, in.WorkflowID, uid, in.Comment)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.workflowResponse(inst, "승인되었습니다")
}

// RejectStep rejects the current step as the caller.
func (h *GRPCHandler) RejectStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var in RejectRequest
	if err := fromStruct(req, &in); err != nil || in.WorkflowID == "" {
		return nil, status.Error(codes.InvalidArgument, "workflow_id는 필수입니다")
	}

	inst, err := h.engine.RejectStep(ctx, in.WorkflowID, uid, in.Reason)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.workflowResponse(inst, "반려되었습니다")
}

// GetWorkflow returns a workflow and its status projection.
func (h *GRPCHandler) GetWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["workflow_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "workflow_id는 필수입니다")
	}
	inst, err := h.engine.GetWorkflow(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return h.workflowResponse(inst, "")
}

func (h *GRPCHandler) workflowResponse(inst *repository.WorkflowInstance, message string) (*structpb.Struct, error) {
	resp, err := toStruct(Response{
		Success: true,
		Data:    WorkflowView{Workflow: inst, Status: h.engine.WorkflowStatus(inst)},
		Message: message,
	})
	if err != nil {
		h.log.Error().Err(err).Str("workflow_id", inst.ID).Msg("Failed to encode gRPC response")
		return nil, status.Error(codes.Internal, "응답을 만들지 못했습니다")
	}
	return resp, nil
}

func requireUser(ctx context.Context) (string, error) {
	uid := userID(ctx)
	if uid == "" {
		return "", status.Error(codes.Unauthenticated, "사용자 인증 정보가 없습니다")
	}
	return uid, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := service.UserMessage(err)
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeConflict:
		if errors.Is(err, service.ErrVersionConflict) {
			return status.Error(codes.Aborted, msg)
		}
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeUnavailable:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

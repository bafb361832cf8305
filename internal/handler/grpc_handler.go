package handler

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// GRPCHandler implements ApprovalServiceServer on top of the engine.
type GRPCHandler struct {
	engine Engine
	log    *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine Engine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{engine: engine, log: log.Component("grpc")}
}

// actorID extracts the calling user id from incoming gRPC metadata.
func actorID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(ActorMetadataKey); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func requireActor(ctx context.Context) (string, error) {
	actor := actorID(ctx)
	if actor == "" {
		return "", status.Error(codes.Unauthenticated, "missing "+ActorMetadataKey+" metadata")
	}
	return actor, nil
}

// IDRequest addresses a single request by id.
type IDRequest struct {
	ID string `json:"id"`
}

// PendingRequest is the ListPending body.
type PendingRequest struct {
	CompanyID string             `json:"company_id,omitempty"`
	Urgency   repository.Urgency `json:"urgency,omitempty"`
	MinAmount *int64             `json:"min_amount,omitempty"`
	MaxAmount *int64             `json:"max_amount,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// Submit opens an approval request for the calling user.
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var req SubmitRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	res, err := h.engine.Submit(ctx, service.PurchaseDraft{
		PurchaseRefID: req.PurchaseRefID,
		CompanyID:     req.CompanyID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CostCenter:    req.CostCenter,
		BudgetCode:    req.BudgetCode,
		ProjectCode:   req.ProjectCode,
		TravelDate:    req.TravelDate,
	}, actor, repository.Justification{
		Purpose:         req.Purpose,
		Urgency:         req.Urgency,
		BusinessReason:  req.BusinessReason,
		ExpectedOutcome: req.ExpectedOutcome,
		Alternatives:    req.Alternatives,
	})
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}

	return h.reply(SubmitResponse{
		RequiresApproval: res.RequiresApproval,
		Reason:           res.Reason,
		RequestID:        res.RequestID,
		FirstApprovers:   res.FirstApprovers,
		Deadline:         res.Deadline,
		Request:          res.Request,
	})
}

// Decide records the caller's verdict.
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.action(ctx, in, true, func(req ActionRequest, actor string) (*service.TransitionResult, error) {
		return h.engine.Decide(ctx, req.RequestID, actor, service.Decision(req.Decision), req.Comments)
	})
}

// Delegate hands the caller's step to another approver.
func (h *GRPCHandler) Delegate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.action(ctx, in, true, func(req ActionRequest, actor string) (*service.TransitionResult, error) {
		return h.engine.Delegate(ctx, req.RequestID, actor, req.ToID, req.Comments)
	})
}

func (h *GRPCHandler) Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.action(ctx, in, false, func(req ActionRequest, _ string) (*service.TransitionResult, error) {
		return h.engine.Escalate(ctx, req.RequestID, req.Reason)
	})
}

func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.action(ctx, in, true, func(req ActionRequest, actor string) (*service.TransitionResult, error) {
		return h.engine.Cancel(ctx, req.RequestID, actor, req.Reason)
	})
}

func (h *GRPCHandler) Expire(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.action(ctx, in, false, func(req ActionRequest, _ string) (*service.TransitionResult, error) {
		return h.engine.Expire(ctx, req.RequestID)
	})
}

func (h *GRPCHandler) Remind(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.action(ctx, in, false, func(req ActionRequest, _ string) (*service.TransitionResult, error) {
		return h.engine.Remind(ctx, req.RequestID)
	})
}

// Get returns a request by id.
func (h *GRPCHandler) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := FromStruct(in, &req); err != nil || req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	res, err := h.engine.Get(ctx, req.ID)
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return h.reply(res)
}

// History returns a request's timeline.
func (h *GRPCHandler) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req IDRequest
	if err := FromStruct(in, &req); err != nil || req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	events, err := h.engine.History(ctx, req.ID)
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return h.reply(map[string]any{"request_id": req.ID, "events": events})
}

// ListPending returns requests awaiting the caller's decision.
func (h *GRPCHandler) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var req PendingRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	requests, err := h.engine.ListPendingFor(ctx, actor, service.PendingFilter{
		CompanyID: req.CompanyID,
		Urgency:   req.Urgency,
		MinAmount: req.MinAmount,
		MaxAmount: req.MaxAmount,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	if requests == nil {
		requests = []*repository.ApprovalRequest{}
	}
	return h.reply(map[string]any{"requests": requests, "total": len(requests)})
}

func (h *GRPCHandler) action(
	ctx context.Context,
	in *structpb.Struct,
	needsActor bool,
	fn func(req ActionRequest, actor string) (*service.TransitionResult, error),
) (*structpb.Struct, error) {
	actor := actorID(ctx)
	if needsActor && actor == "" {
		return nil, status.Error(codes.Unauthenticated, "missing "+ActorMetadataKey+" metadata")
	}

	var req ActionRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id is required")
	}

	res, err := fn(req, actor)
	if err != nil {
		return nil, h.mapErrorToGRPC(err)
	}
	return h.reply(TransitionResponse{Outcome: res.Outcome, Request: res.Request})
}

func (h *GRPCHandler) reply(v any) (*structpb.Struct, error) {
	out, err := ToStruct(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode gRPC response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// mapErrorToGRPC converts engine errors to gRPC status errors.
func (h *GRPCHandler) mapErrorToGRPC(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		h.log.Error().Err(err).Msg("Request failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

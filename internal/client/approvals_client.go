package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-travel-approvals/internal/handler"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// ApprovalsGRPCClient calls the travel ApprovalService over gRPC.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Submit opens a request acting as requesterID.
func (c *ApprovalsGRPCClient) Submit(ctx context.Context, requesterID string, req handler.SubmitRequest) (*handler.SubmitResponse, error) {
	var out handler.SubmitResponse
	if err := c.call(WithActor(ctx, requesterID), handler.MethodSubmit, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide records approverID's decision on a request.
func (c *ApprovalsGRPCClient) Decide(ctx context.Context, approverID, requestID string, decision service.Decision, comments string) (*handler.TransitionResponse, error) {
	return c.transition(WithActor(ctx, approverID), handler.MethodDecide, handler.ActionRequest{
		RequestID: requestID,
		Decision:  string(decision),
		Comments:  comments,
	})
}

// Delegate hands fromID's step to toID.
func (c *ApprovalsGRPCClient) Delegate(ctx context.Context, fromID, requestID, toID, comments string) (*handler.TransitionResponse, error) {
	return c.transition(WithActor(ctx, fromID), handler.MethodDelegate, handler.ActionRequest{
		RequestID: requestID,
		ToID:      toID,
		Comments:  comments,
	})
}

// Escalate escalates a request manually.
func (c *ApprovalsGRPCClient) Escalate(ctx context.Context, requestID, reason string) (*handler.TransitionResponse, error) {
	return c.transition(ctx, handler.MethodEscalate, handler.ActionRequest{RequestID: requestID, Reason: reason})
}

// Cancel withdraws a request acting as actorID.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, actorID, requestID, reason string) (*handler.TransitionResponse, error) {
	return c.transition(WithActor(ctx, actorID), handler.MethodCancel, handler.ActionRequest{RequestID: requestID, Reason: reason})
}

// Get returns a request by id.
func (c *ApprovalsGRPCClient) Get(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	var out repository.ApprovalRequest
	if err := c.call(ctx, handler.MethodGet, handler.IDRequest{ID: requestID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPending returns requests awaiting approverID.
func (c *ApprovalsGRPCClient) ListPending(ctx context.Context, approverID string, req handler.PendingRequest) ([]*repository.ApprovalRequest, error) {
	var out struct {
		Requests []*repository.ApprovalRequest `json:"requests"`
	}
	if err := c.call(WithActor(ctx, approverID), handler.MethodListPending, req, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// History returns a request's timeline.
func (c *ApprovalsGRPCClient) History(ctx context.Context, requestID string) ([]service.HistoryEvent, error) {
	var out struct {
		Events []service.HistoryEvent `json:"events"`
	}
	if err := c.call(ctx, handler.MethodHistory, handler.IDRequest{ID: requestID}, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *ApprovalsGRPCClient) transition(ctx context.Context, method string, req handler.ActionRequest) (*handler.TransitionResponse, error) {
	var out handler.TransitionResponse
	if err := c.call(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ApprovalsGRPCClient) call(ctx context.Context, method string, in, out any) error {
	req, err := handler.ToStruct(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, handler.FullMethod(method), req, resp); err != nil {
		return err
	}
	if err := handler.FromStruct(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

package handler

import (
	"context"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// Engine is the approval engine surface exposed over HTTP and gRPC.
// *service.RequestCoordinator implements it.
type Engine interface {
	Submit(ctx context.Context, draft service.PurchaseDraft, requesterID string, j repository.Justification) (*service.SubmitResult, error)
	Decide(ctx context.Context, requestID, approverID string, decision service.Decision, comments string) (*service.TransitionResult, error)
	Delegate(ctx context.Context, requestID, fromID, toID, comments string) (*service.TransitionResult, error)
	Escalate(ctx context.Context, requestID, reason string) (*service.TransitionResult, error)
	Cancel(ctx context.Context, requestID, actorID, reason string) (*service.TransitionResult, error)
	Expire(ctx context.Context, requestID string) (*service.TransitionResult, error)
	Remind(ctx context.Context, requestID string) (*service.TransitionResult, error)
	Get(ctx context.Context, requestID string) (*repository.ApprovalRequest, error)
	ListPendingFor(ctx context.Context, approverID string, f service.PendingFilter) ([]*repository.ApprovalRequest, error)
	History(ctx context.Context, requestID string) ([]service.HistoryEvent, error)
}

var _ Engine = (*service.RequestCoordinator)(nil)

// httpStatus maps an engine error code to an HTTP status.
func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeInvalidDecision:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeNotAuthorized, errors.ErrCodePermissionInsufficient,
		errors.ErrCodeInactiveApprover, errors.ErrCodeInsufficientLimit:
		return http.StatusForbidden
	case errors.ErrCodeConflict, errors.ErrCodeVersionConflict, errors.ErrCodeAlreadyResolved:
		return http.StatusConflict
	case errors.ErrCodeNoApproverFound, errors.ErrCodePolicy:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an engine error code to a gRPC status code.
func grpcCode(err error) codes.Code {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeInvalidDecision:
		return codes.InvalidArgument
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeUnauthorized:
		return codes.Unauthenticated
	case errors.ErrCodeNotAuthorized, errors.ErrCodePermissionInsufficient,
		errors.ErrCodeInactiveApprover, errors.ErrCodeInsufficientLimit:
		return codes.PermissionDenied
	case errors.ErrCodeVersionConflict, errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeAlreadyResolved, errors.ErrCodeNoApproverFound, errors.ErrCodePolicy:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// ActorHeader carries the authenticated user id, set by the gateway.
const ActorHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine Engine
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine Engine, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine: engine,
		log:    log.Component("http"),
	}
}

// Routes mounts every approval endpoint on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/v1/approvals", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/pending", h.Pending)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/history", h.History)
			r.Post("/decide", h.Decide)
			r.Post("/delegate", h.Delegate)
			r.Post("/escalate", h.Escalate)
			r.Post("/cancel", h.Cancel)
			r.Post("/expire", h.Expire)
			r.Post("/remind", h.Remind)
		})
	})
}

// ── Request bodies ───────────────────────────────────────────────────────────

// SubmitRequest is the body of POST /api/v1/approvals.
type SubmitRequest struct {
	PurchaseRefID   string             `json:"purchase_ref_id"`
	CompanyID       string             `json:"company_id,omitempty"`
	Amount          int64              `json:"amount"`
	Currency        string             `json:"currency"`
	CostCenter      string             `json:"cost_center,omitempty"`
	BudgetCode      string             `json:"budget_code,omitempty"`
	ProjectCode     string             `json:"project_code,omitempty"`
	TravelDate      *time.Time         `json:"travel_date,omitempty"`
	Purpose         string             `json:"purpose"`
	Urgency         repository.Urgency `json:"urgency"`
	BusinessReason  string             `json:"business_reason,omitempty"`
	ExpectedOutcome string             `json:"expected_outcome,omitempty"`
	Alternatives    string             `json:"alternatives,omitempty"`
}

// SubmitResponse is returned by POST /api/v1/approvals.
type SubmitResponse struct {
	RequiresApproval bool                        `json:"requires_approval"`
	Reason           string                      `json:"reason"`
	RequestID        string                      `json:"request_id,omitempty"`
	FirstApprovers   []string                    `json:"first_approvers,omitempty"`
	Deadline         *time.Time                  `json:"deadline,omitempty"`
	Request          *repository.ApprovalRequest `json:"request,omitempty"`
}

// ActionRequest is the body shared by the per-request actions. Over HTTP the
// request id comes from the path.
type ActionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Comments  string `json:"comments,omitempty"`
	ToID      string `json:"to_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TransitionResponse reports the outcome of an action.
type TransitionResponse struct {
	Outcome service.Outcome             `json:"outcome"`
	Request *repository.ApprovalRequest `json:"request"`
}

type errorResponse struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Field   string           `json:"field,omitempty"`
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Submit handles POST /api/v1/approvals
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "malformed JSON"))
		return
	}

	res, err := h.engine.Submit(r.Context(), service.PurchaseDraft{
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
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.RequiresApproval {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, SubmitResponse{
		RequiresApproval: res.RequiresApproval,
		Reason:           res.Reason,
		RequestID:        res.RequestID,
		FirstApprovers:   res.FirstApprovers,
		Deadline:         res.Deadline,
		Request:          res.Request,
	})
}

// Get handles GET /api/v1/approvals/{id}
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// History handles GET /api/v1/approvals/{id}/history
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := h.engine.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "events": events})
}

// Pending handles GET /api/v1/approvals/pending for the calling approver.
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := service.PendingFilter{
		CompanyID: q.Get("company_id"),
		Urgency:   repository.Urgency(q.Get("urgency")),
	}
	var err error
	if filter.MinAmount, err = optionalInt64(q.Get("min_amount")); err != nil {
		h.writeError(w, errors.InvalidInput("min_amount", "must be an integer"))
		return
	}
	if filter.MaxAmount, err = optionalInt64(q.Get("max_amount")); err != nil {
		h.writeError(w, errors.InvalidInput("max_amount", "must be an integer"))
		return
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			h.writeError(w, errors.InvalidInput("limit", "must be a non-negative integer"))
			return
		}
	}

	requests, err := h.engine.ListPendingFor(r.Context(), actor, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if requests == nil {
		requests = []*repository.ApprovalRequest{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": requests, "total": len(requests)})
}

// Decide handles POST /api/v1/approvals/{id}/decide
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, true, func(req ActionRequest, actor string) (*service.TransitionResult, error) {
		return h.engine.Decide(r.Context(), req.RequestID, actor, service.Decision(req.Decision), req.Comments)
	})
}

// Delegate handles POST /api/v1/approvals/{id}/delegate
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, true, func(req ActionRequest, actor string) (*service.TransitionResult, error) {
		return h.engine.Delegate(r.Context(), req.RequestID, actor, req.ToID, req.Comments)
	})
}

// Escalate handles POST /api/v1/approvals/{id}/escalate
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, false, func(req ActionRequest, _ string) (*service.TransitionResult, error) {
		return h.engine.Escalate(r.Context(), req.RequestID, req.Reason)
	})
}

// Cancel handles POST /api/v1/approvals/{id}/cancel
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, true, func(req ActionRequest, actor string) (*service.TransitionResult, error) {
		return h.engine.Cancel(r.Context(), req.RequestID, actor, req.Reason)
	})
}

// Expire handles POST /api/v1/approvals/{id}/expire
func (h *HTTPHandler) Expire(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, false, func(req ActionRequest, _ string) (*service.TransitionResult, error) {
		return h.engine.Expire(r.Context(), req.RequestID)
	})
}

// Remind handles POST /api/v1/approvals/{id}/remind
func (h *HTTPHandler) Remind(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, false, func(req ActionRequest, _ string) (*service.TransitionResult, error) {
		return h.engine.Remind(r.Context(), req.RequestID)
	})
}

func (h *HTTPHandler) action(
	w http.ResponseWriter,
	r *http.Request,
	needsActor bool,
	fn func(req ActionRequest, actor string) (*service.TransitionResult, error),
) {
	actor := r.Header.Get(ActorHeader)
	if needsActor && actor == "" {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "missing "+ActorHeader+" header"))
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, errors.InvalidInput("body", "malformed JSON"))
		return
	}
	req.RequestID = chi.URLParam(r, "id")

	res, err := fn(req, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TransitionResponse{Outcome: res.Outcome, Request: res.Request})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "missing "+ActorHeader+" header"))
		return "", false
	}
	return actor, true
}

func optionalInt64(v string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	body := errorResponse{Code: errors.CodeOf(err), Message: err.Error()}

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
		body.Message = "internal error"
	}
	h.writeJSON(w, status, body)
}

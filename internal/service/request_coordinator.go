package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// PurchaseDraft is the pending purchase submitted for approval.
type PurchaseDraft struct {
	PurchaseRefID string
	CompanyID     string // optional; must match the requester's company
	Amount        int64  // cents
	Currency      string
	CostCenter    string
	BudgetCode    string
	ProjectCode   string
	TravelDate    *time.Time
}

// SubmitResult reports whether approval is needed and, if so, the request
// that was opened.
type SubmitResult struct {
	RequiresApproval bool
	Reason           string
	RequestID        string
	FirstApprovers   []string
	Deadline         *time.Time
	Request          *repository.ApprovalRequest
}

// PendingFilter narrows ListPendingFor.
type PendingFilter struct {
	CompanyID string
	Urgency   repository.Urgency
	MinAmount *int64
	MaxAmount *int64
	Limit     int
}

// HistoryEvent is one entry of a request's reconstructed timeline.
type HistoryEvent struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	ActorID  string    `json:"actor_id,omitempty"`
	TargetID string    `json:"target_id,omitempty"`
	Level    int       `json:"level,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// CoordinatorConfig tunes retries and the sweep.
type CoordinatorConfig struct {
	RetryAttempts        int
	RetryInitialWait     time.Duration
	RetryMaxWait         time.Duration
	MaxEscalations       int
	DefaultDeadlineHours int
}

// RequestCoordinator is the entry point of the approval engine. It gates
// purchases through policy, opens requests, forwards later actions to the
// state machine and dispatches the resulting intents.
type RequestCoordinator struct {
	policies   PolicyStore
	dir        Directory
	store      RequestStore
	evaluator  *PolicyEvaluator
	chains     *ChainBuilder
	deadlines  *DeadlineCalculator
	machine    *ApprovalStateMachine
	dispatcher Dispatcher
	audit      AuditLog
	retrier    retry.Retry[*TransitionResult]
	cfg        CoordinatorConfig
	newID      func() string
	log        *logger.Logger
}

// NewRequestCoordinator creates a new RequestCoordinator.
func NewRequestCoordinator(
	policies PolicyStore,
	dir Directory,
	store RequestStore,
	chains *ChainBuilder,
	deadlines *DeadlineCalculator,
	machine *ApprovalStateMachine,
	dispatcher Dispatcher,
	cfg CoordinatorConfig,
	log *logger.Logger,
) *RequestCoordinator {
	if dispatcher == nil {
		dispatcher = noopDispatcher{}
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	return &RequestCoordinator{
		policies:   policies,
		dir:        dir,
		store:      store,
		evaluator:  NewPolicyEvaluator(),
		chains:     chains,
		deadlines:  deadlines,
		machine:    machine,
		dispatcher: dispatcher,
		audit:      noopAudit{},
		retrier: retry.New[*TransitionResult](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryInitialWait,
			MaxDelay:      cfg.RetryMaxWait,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   errors.IsRetryable,
		}),
		cfg:   cfg,
		newID: uuid.NewString,
		log:   log,
	}
}

// SetAuditLog records every persisted transition to a. Audit failures are
// logged and never fail the transition.
func (c *RequestCoordinator) SetAuditLog(a AuditLog) {
	if a == nil {
		a = noopAudit{}
	}
	c.audit = a
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit gates a purchase through company policy and, when approval is
// required, opens a pending request at level 1.
func (c *RequestCoordinator) Submit(
	ctx context.Context,
	draft PurchaseDraft,
	requesterID string,
	justification repository.Justification,
) (*SubmitResult, error) {
	if err := validateSubmission(draft, requesterID, &justification); err != nil {
		return nil, err
	}

	requester, err := c.dir.GetUser(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if draft.CompanyID != "" && draft.CompanyID != requester.CompanyID {
		return nil, errors.InvalidInput("company_id", "requester does not belong to company")
	}

	policy := c.loadPolicy(ctx, requester.CompanyID)
	decision := c.evaluator.ShouldRequireApproval(policy, draft.Amount, requester.Role)
	if !decision.Required {
		c.log.Info().
			Str("requester_id", requesterID).
			Str("purchase_ref_id", draft.PurchaseRefID).
			Str("reason", decision.Reason).
			Msg("Purchase does not require approval")
		return &SubmitResult{RequiresApproval: false, Reason: decision.Reason}, nil
	}

	urgency := justification.Urgency
	chain, err := c.chains.BuildChain(ctx, requester, draft.Amount, urgency)
	if err != nil {
		return nil, err
	}

	defaultHours := c.cfg.DefaultDeadlineHours
	rules := repository.Rules{}
	if policy != nil {
		if policy.DefaultDeadlineHours > 0 {
			defaultHours = policy.DefaultDeadlineHours
		}
		rules = repository.Rules{
			AutoApprovalThreshold:    policy.AutoApprovalThreshold,
			ParallelApprovalAllowed:  policy.ParallelApprovalAllowed,
			AutoEscalationDelayHours: policy.AutoEscalationDelayHours,
			RequireConsensus:         policy.RequireConsensus,
		}
	}
	if rules.AutoEscalationDelayHours <= 0 {
		rules.AutoEscalationDelayHours = c.deadlines.ComputeEscalationDelay(urgency)
	}

	deadline := c.deadlines.ComputeDeadline(draft.TravelDate, urgency, defaultHours)
	if !deadline.After(c.deadlines.Now()) {
		c.log.Warn().
			Str("purchase_ref_id", draft.PurchaseRefID).
			Time("deadline", deadline).
			Msg("Approval deadline already inside the travel blackout window")
	}

	res, err := c.machine.Create(ctx, NewRequest{
		ID:            c.newID(),
		RequesterID:   requester.ID,
		CompanyID:     requester.CompanyID,
		PurchaseRefID: draft.PurchaseRefID,
		Chain:         chain,
		Justification: justification,
		Financials: repository.Financials{
			Amount:      draft.Amount,
			Currency:    draft.Currency,
			CostCenter:  draft.CostCenter,
			BudgetCode:  draft.BudgetCode,
			ProjectCode: draft.ProjectCode,
		},
		RequiredBy:     deadline,
		SLATargetHours: c.deadlines.ComputeSLA(urgency),
		Rules:          rules,
	})
	if err != nil {
		return nil, err
	}

	req := res.Request
	c.record(ctx, requesterID, res)
	first := firstApprovers(req)
	notifiedAt := c.deadlines.Now()
	if req.Timeline.FirstNotificationAt != nil {
		notifiedAt = *req.Timeline.FirstNotificationAt
	}

	c.dispatch(ctx, []Intent{
		{
			Type:          IntentNotifyApprovers,
			RequestID:     req.ID,
			TargetUserIDs: first,
			Payload: map[string]any{
				"level":       req.CurrentLevel,
				"amount":      req.Financials.Amount,
				"currency":    req.Financials.Currency,
				"required_by": req.Timeline.RequiredBy,
			},
		},
		{
			Type:          IntentScheduleReminders,
			RequestID:     req.ID,
			TargetUserIDs: first,
			Payload: map[string]any{
				"offsets_hours": c.deadlines.ComputeReminderOffsets(urgency),
				"notified_at":   notifiedAt,
			},
		},
		{
			Type:      IntentScheduleEscalation,
			RequestID: req.ID,
			Payload: map[string]any{
				"delay_hours": rules.AutoEscalationDelayHours,
				"at":          notifiedAt.Add(time.Duration(rules.AutoEscalationDelayHours) * time.Hour),
			},
		},
		{
			Type:      IntentMarkPurchasePending,
			RequestID: req.ID,
			Payload:   map[string]any{"purchase_ref_id": req.PurchaseRefID},
		},
	})

	return &SubmitResult{
		RequiresApproval: true,
		Reason:           decision.Reason,
		RequestID:        req.ID,
		FirstApprovers:   first,
		Deadline:         &req.Timeline.RequiredBy,
		Request:          req,
	}, nil
}

func validateSubmission(draft PurchaseDraft, requesterID string, j *repository.Justification) error {
	if requesterID == "" {
		return errors.InvalidInput("requester_id", "requester is required")
	}
	if draft.PurchaseRefID == "" {
		return errors.InvalidInput("purchase_ref_id", "purchase reference is required")
	}
	if draft.Amount < 0 {
		return errors.InvalidInput("amount", "amount must not be negative")
	}
	if strings.TrimSpace(draft.Currency) == "" {
		return errors.InvalidInput("currency", "currency is required")
	}
	if j.Urgency == "" {
		j.Urgency = repository.UrgencyMedium
	}
	if !j.Urgency.Valid() {
		return errors.InvalidInput("urgency", fmt.Sprintf("unknown urgency %q", j.Urgency))
	}
	return nil
}

// loadPolicy fails closed: a missing or unreadable policy yields nil, which
// the evaluator treats as approval required.
func (c *RequestCoordinator) loadPolicy(ctx context.Context, companyID string) *repository.CompanyPolicy {
	policy, err := c.policies.GetCompanyPolicy(ctx, companyID)
	if err == nil {
		return policy
	}
	if !errors.HasCode(err, errors.ErrCodeNotFound) {
		c.log.Warn().Err(err).
			Str("company_id", companyID).
			Msg("Failed to load company policy, requiring approval")
	}
	return nil
}

func firstApprovers(req *repository.ApprovalRequest) []string {
	var ids []string
	for _, s := range req.Chain {
		if s.Level == req.CurrentLevel && s.Status == repository.StepPending {
			ids = append(ids, s.EffectiveApprover())
		}
	}
	return ids
}

// ── Forwarded transitions ─────────────────────────────────────────────────────

// Decide applies an approver's verdict.
func (c *RequestCoordinator) Decide(ctx context.Context, requestID, approverID string, decision Decision, comments string) (*TransitionResult, error) {
	return c.mutate(ctx, approverID, func(ctx context.Context) (*TransitionResult, error) {
		return c.machine.Decide(ctx, requestID, approverID, decision, comments)
	})
}

// Delegate reassigns fromID's step to toID.
func (c *RequestCoordinator) Delegate(ctx context.Context, requestID, fromID, toID, comments string) (*TransitionResult, error) {
	return c.mutate(ctx, fromID, func(ctx context.Context) (*TransitionResult, error) {
		return c.machine.Delegate(ctx, requestID, fromID, toID, comments)
	})
}

// Escalate appends an escalation step.
func (c *RequestCoordinator) Escalate(ctx context.Context, requestID, reason string) (*TransitionResult, error) {
	return c.mutate(ctx, SystemActor, func(ctx context.Context) (*TransitionResult, error) {
		return c.machine.Escalate(ctx, requestID, reason)
	})
}

// Cancel withdraws a pending request.
func (c *RequestCoordinator) Cancel(ctx context.Context, requestID, actorID, reason string) (*TransitionResult, error) {
	return c.mutate(ctx, actorID, func(ctx context.Context) (*TransitionResult, error) {
		return c.machine.Cancel(ctx, requestID, actorID, reason)
	})
}

// Expire closes an overdue request; safe to call repeatedly.
func (c *RequestCoordinator) Expire(ctx context.Context, requestID string) (*TransitionResult, error) {
	return c.mutate(ctx, SystemActor, func(ctx context.Context) (*TransitionResult, error) {
		return c.machine.Expire(ctx, requestID)
	})
}

// Remind sends due reminders.
func (c *RequestCoordinator) Remind(ctx context.Context, requestID string) (*TransitionResult, error) {
	return c.mutate(ctx, SystemActor, func(ctx context.Context) (*TransitionResult, error) {
		return c.machine.Remind(ctx, requestID)
	})
}

// mutate retries op on version conflicts, audits the winning attempt and
// dispatches its intents.
func (c *RequestCoordinator) mutate(ctx context.Context, actor string, op func(context.Context) (*TransitionResult, error)) (*TransitionResult, error) {
	res, err := c.retrier.Do(ctx, op)
	if err != nil {
		return nil, err
	}
	c.record(ctx, actor, res)
	c.dispatch(ctx, res.Intents)
	return res, nil
}

func (c *RequestCoordinator) record(ctx context.Context, actor string, res *TransitionResult) {
	if res.Outcome == OutcomeNoop {
		return
	}
	intents := make([]string, 0, len(res.Intents))
	for _, in := range res.Intents {
		intents = append(intents, string(in.Type))
	}
	entry := &repository.AuditEntry{
		RequestID:   res.Request.ID,
		Action:      string(res.Outcome),
		PerformedBy: actor,
		StatusAfter: res.Request.FinalStatus,
		Version:     res.Request.Version,
		Metadata: map[string]any{
			"current_level": res.Request.CurrentLevel,
			"intents":       intents,
		},
	}
	if err := c.audit.Append(ctx, entry); err != nil {
		c.log.Warn().Err(err).
			Str("request_id", res.Request.ID).
			Str("action", entry.Action).
			Msg("Failed to append audit entry (non-fatal)")
	}
}

func (c *RequestCoordinator) dispatch(ctx context.Context, intents []Intent) {
	for _, in := range intents {
		c.dispatcher.Dispatch(ctx, in)
	}
}

// ── Read side ─────────────────────────────────────────────────────────────────

// Get returns a request by id.
func (c *RequestCoordinator) Get(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return c.store.Load(ctx, requestID)
}

// ListPendingFor returns pending requests approverID can decide right now.
func (c *RequestCoordinator) ListPendingFor(ctx context.Context, approverID string, f PendingFilter) ([]*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "approver is required")
	}

	candidates, err := c.store.Query(ctx, repository.RequestFilter{
		CompanyID:  f.CompanyID,
		ApproverID: approverID,
		Status:     repository.StatusPending,
		Urgency:    f.Urgency,
		MinAmount:  f.MinAmount,
		MaxAmount:  f.MaxAmount,
	})
	if err != nil {
		return nil, err
	}

	var out []*repository.ApprovalRequest
	for _, req := range candidates {
		if decidableStep(req, approverID) < 0 {
			continue
		}
		out = append(out, req)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// History reconstructs a request's timeline from its decisions, escalations
// and communications, oldest first.
func (c *RequestCoordinator) History(ctx context.Context, requestID string) ([]HistoryEvent, error) {
	req, err := c.store.Load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	events := []HistoryEvent{{
		At:      req.Timeline.CreatedAt,
		Type:    "submitted",
		ActorID: req.RequesterID,
	}}

	for _, s := range req.Chain {
		if s.DecidedAt == nil {
			continue
		}
		events = append(events, HistoryEvent{
			At:      *s.DecidedAt,
			Type:    string(s.Status),
			ActorID: s.EffectiveApprover(),
			Level:   s.Level,
			Message: s.Comments,
		})
	}

	for _, e := range req.Escalation.History {
		events = append(events, HistoryEvent{
			At:       e.At,
			Type:     "escalated",
			ActorID:  SystemActor,
			TargetID: e.TargetID,
			Level:    e.Level,
			Message:  e.Reason,
		})
	}

	for _, m := range req.Communications {
		// Rejections and escalations are already covered above.
		if m.Type == CommRejection || m.Type == CommEscalation {
			continue
		}
		events = append(events, HistoryEvent{
			At:       m.At,
			Type:     m.Type,
			ActorID:  m.FromID,
			TargetID: m.ToID,
			Message:  m.Message,
		})
	}

	if req.Timeline.ExpiredAt != nil {
		events = append(events, HistoryEvent{
			At:      *req.Timeline.ExpiredAt,
			Type:    string(repository.StatusExpired),
			ActorID: SystemActor,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})
	return events, nil
}

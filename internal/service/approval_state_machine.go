package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Outcome is the externally visible result of a transition.
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeApprovedPartial Outcome = "approved_partial"
	OutcomeApprovedFinal   Outcome = "approved_final"
	OutcomeRejected        Outcome = "rejected"
	OutcomeDelegated       Outcome = "delegated"
	OutcomeEscalated       Outcome = "escalated"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeExpired         Outcome = "expired"
	OutcomeReminded        Outcome = "reminded"
	OutcomeNoop            Outcome = "noop"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Communication types recorded on the request.
const (
	CommRejection    = "rejection"
	CommDelegation   = "delegation"
	CommEscalation   = "escalation"
	CommCancellation = "cancellation"
)

// SystemActor is the actor recorded for sweep-driven transitions.
const SystemActor = "system"

// TransitionResult is the persisted request after a transition together with
// the intents the caller must dispatch.
type TransitionResult struct {
	Request *repository.ApprovalRequest
	Outcome Outcome
	Intents []Intent
}

// NewRequest carries everything needed to materialise a pending request.
type NewRequest struct {
	ID             string
	RequesterID    string
	CompanyID      string
	PurchaseRefID  string
	Chain          []ChainLink
	Justification  repository.Justification
	Financials     repository.Financials
	RequiredBy     time.Time
	SLATargetHours int
	Rules          repository.Rules
}

// ApprovalStateMachine owns every write to an approval request. Each
// operation is a single load, validate, mutate and compare-and-swap save.
type ApprovalStateMachine struct {
	store     RequestStore
	dir       Directory
	stats     StatsRecorder
	deadlines *DeadlineCalculator
	lifecycle *lifecycle
	log       *logger.Logger
}

// NewApprovalStateMachine creates a new ApprovalStateMachine. A nil stats
// recorder disables statistics.
func NewApprovalStateMachine(
	store RequestStore,
	dir Directory,
	stats StatsRecorder,
	deadlines *DeadlineCalculator,
	log *logger.Logger,
) (*ApprovalStateMachine, error) {
	lc, err := newLifecycle()
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = noopStats{}
	}
	return &ApprovalStateMachine{
		store:     store,
		dir:       dir,
		stats:     stats,
		deadlines: deadlines,
		lifecycle: lc,
		log:       log,
	}, nil
}

// ── Create ────────────────────────────────────────────────────────────────────

// Create persists a new pending request positioned at its lowest level. The
// first-level approvers are stamped as notified.
func (m *ApprovalStateMachine) Create(ctx context.Context, in NewRequest) (*TransitionResult, error) {
	if len(in.Chain) == 0 {
		return nil, errors.New(errors.ErrCodeNoApproverFound, "approval chain is empty")
	}

	now := m.deadlines.Now()
	req := &repository.ApprovalRequest{
		ID:            in.ID,
		RequesterID:   in.RequesterID,
		CompanyID:     in.CompanyID,
		PurchaseRefID: in.PurchaseRefID,
		FinalStatus:   repository.StatusPending,
		Justification: in.Justification,
		Financials:    in.Financials,
		Timeline: repository.Timeline{
			CreatedAt:      now,
			RequiredBy:     in.RequiredBy,
			SLATargetHours: in.SLATargetHours,
		},
		Rules: in.Rules,
	}

	req.CurrentLevel = in.Chain[0].Level
	for _, link := range in.Chain {
		if link.Level < req.CurrentLevel {
			req.CurrentLevel = link.Level
		}
	}
	for _, link := range in.Chain {
		step := repository.ApprovalStep{
			ApproverID:  link.ApproverID,
			Level:       link.Level,
			Status:      repository.StepPending,
			Urgency:     link.Urgency,
			LimitWaived: link.LimitWaived,
		}
		if link.Level == req.CurrentLevel {
			step.NotifiedAt = timePtr(now)
		}
		req.Chain = append(req.Chain, step)
	}
	req.Timeline.FirstNotificationAt = timePtr(now)

	if err := m.store.Save(ctx, req, 0); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("request_id", req.ID).
		Str("requester_id", req.RequesterID).
		Int("chain_length", len(req.Chain)).
		Msg("Approval request created")

	return &TransitionResult{Request: req, Outcome: OutcomeCreated}, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide applies an approve or reject verdict from actorID.
func (m *ApprovalStateMachine) Decide(
	ctx context.Context,
	requestID, actorID string,
	decision Decision,
	comments string,
) (*TransitionResult, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, errors.New(errors.ErrCodeInvalidDecision,
			fmt.Sprintf("decision must be approve or reject, got %q", decision))
	}

	var decided repository.ApprovalStep
	res, err := m.apply(ctx, requestID, func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error) {
		if req.FinalStatus.Terminal() {
			return "", nil, alreadyResolved(req)
		}

		idx := decidableStep(req, actorID)
		if idx < 0 {
			return "", nil, errors.New(errors.ErrCodeNotAuthorized,
				fmt.Sprintf("user %s holds no decidable step on request %s", actorID, req.ID))
		}
		step := &req.Chain[idx]

		actor, err := m.dir.GetUser(ctx, actorID)
		if err != nil {
			return "", nil, err
		}
		if !actor.IsActive {
			return "", nil, errors.New(errors.ErrCodeInactiveApprover,
				fmt.Sprintf("approver %s is inactive", actorID))
		}
		if !step.LimitWaived && !repository.IsAdministrator(actor.Role) && actor.ApprovalLimit < req.Financials.Amount {
			return "", nil, errors.New(errors.ErrCodePermissionInsufficient,
				fmt.Sprintf("approval limit %d is below amount %d", actor.ApprovalLimit, req.Financials.Amount))
		}

		step.DecidedAt = timePtr(now)
		step.Comments = comments

		if decision == DecisionReject {
			status, err := m.lifecycle.next(req.FinalStatus, EventReject)
			if err != nil {
				return "", nil, err
			}
			step.Status = repository.StepRejected
			req.FinalStatus = status
			req.Timeline.RejectedAt = timePtr(now)
			if comments != "" {
				req.Communications = append(req.Communications, repository.Communication{
					FromID: actorID, ToID: req.RequesterID, Type: CommRejection, Message: comments, At: now,
				})
			}
			decided = *step
			return OutcomeRejected, []Intent{
				{
					Type:          IntentNotifyRequester,
					RequestID:     req.ID,
					TargetUserIDs: []string{req.RequesterID},
					Payload:       map[string]any{"event": string(repository.StatusRejected), "decided_by": actorID, "comments": comments},
				},
				cancelPurchase(req, string(repository.StatusRejected)),
			}, nil
		}

		step.Status = repository.StepApproved
		decided = *step

		if !step.Escalated {
			if next := nextPendingLevel(req, step.Level); next > 0 {
				if _, err := m.lifecycle.next(req.FinalStatus, EventAdvance); err != nil {
					return "", nil, err
				}
				req.CurrentLevel = next
				targets := notifyLevel(req, next, now)
				return OutcomeApprovedPartial, []Intent{{
					Type:          IntentNotifyApprovers,
					RequestID:     req.ID,
					TargetUserIDs: targets,
					Payload:       map[string]any{"level": next, "approved_by": actorID},
				}}, nil
			}
		}

		status, err := m.lifecycle.next(req.FinalStatus, EventApprove)
		if err != nil {
			return "", nil, err
		}
		req.FinalStatus = status
		req.Timeline.ApprovedAt = timePtr(now)
		if step.Level > req.CurrentLevel {
			req.CurrentLevel = step.Level
		}
		return OutcomeApprovedFinal, []Intent{
			{
				Type:          IntentNotifyRequester,
				RequestID:     req.ID,
				TargetUserIDs: []string{req.RequesterID},
				Payload:       map[string]any{"event": string(repository.StatusApproved), "decided_by": actorID},
			},
			{
				Type:      IntentConfirmPurchase,
				RequestID: req.ID,
				Payload:   map[string]any{"purchase_ref_id": req.PurchaseRefID},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	m.recordDecision(ctx, res.Request, decided, actorID, res.Outcome)

	m.log.Info().
		Str("request_id", requestID).
		Str("approver_id", actorID).
		Str("outcome", string(res.Outcome)).
		Int("current_level", res.Request.CurrentLevel).
		Msg("Approval decision applied")

	return res, nil
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// Delegate hands fromID's decidable step to toID without moving the request.
func (m *ApprovalStateMachine) Delegate(
	ctx context.Context,
	requestID, fromID, toID, comments string,
) (*TransitionResult, error) {
	if toID == "" {
		return nil, errors.InvalidInput("to_approver_id", "delegate is required")
	}
	if fromID == toID {
		return nil, errors.InvalidInput("to_approver_id", "cannot delegate to yourself")
	}

	res, err := m.apply(ctx, requestID, func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error) {
		if req.FinalStatus.Terminal() {
			return "", nil, alreadyResolved(req)
		}

		idx := decidableStep(req, fromID)
		if idx < 0 {
			return "", nil, errors.New(errors.ErrCodeNotAuthorized,
				fmt.Sprintf("user %s holds no decidable step on request %s", fromID, req.ID))
		}
		if toID == req.RequesterID {
			return "", nil, errors.InvalidInput("to_approver_id", "cannot delegate to the requester")
		}

		target, err := m.dir.GetUser(ctx, toID)
		if err != nil {
			return "", nil, err
		}
		if !target.IsActive {
			return "", nil, errors.New(errors.ErrCodeInactiveApprover,
				fmt.Sprintf("delegate %s is inactive", toID))
		}
		if !target.CanApprove || target.ApprovalLimit < req.Financials.Amount {
			return "", nil, errors.New(errors.ErrCodeInsufficientLimit,
				fmt.Sprintf("delegate %s cannot approve amount %d", toID, req.Financials.Amount))
		}
		if _, err := m.lifecycle.next(req.FinalStatus, EventDelegate); err != nil {
			return "", nil, err
		}

		step := &req.Chain[idx]
		step.DelegatedToID = &toID
		if step.NotifiedAt == nil {
			step.NotifiedAt = timePtr(now)
		}
		req.Communications = append(req.Communications, repository.Communication{
			FromID: fromID, ToID: toID, Type: CommDelegation, Message: comments, At: now,
		})

		return OutcomeDelegated, []Intent{{
			Type:          IntentNotifyDelegate,
			RequestID:     req.ID,
			TargetUserIDs: []string{toID},
			Payload:       map[string]any{"delegated_by": fromID, "level": step.Level, "comments": comments},
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("request_id", requestID).
		Str("from_id", fromID).
		Str("to_id", toID).
		Msg("Approval step delegated")

	return res, nil
}

// ── Escalate ──────────────────────────────────────────────────────────────────

// Escalate appends a step for the company's escalation target. Escalated
// steps are decidable regardless of the current level.
func (m *ApprovalStateMachine) Escalate(ctx context.Context, requestID, reason string) (*TransitionResult, error) {
	if reason == "" {
		reason = "timeout"
	}

	res, err := m.apply(ctx, requestID, func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error) {
		if req.FinalStatus.Terminal() {
			return "", nil, alreadyResolved(req)
		}

		target, err := m.escalationTarget(ctx, req)
		if err != nil {
			return "", nil, err
		}
		if _, err := m.lifecycle.next(req.FinalStatus, EventEscalate); err != nil {
			return "", nil, err
		}

		level := len(req.Chain) + 1
		req.Chain = append(req.Chain, repository.ApprovalStep{
			ApproverID:  target.ID,
			Level:       level,
			Status:      repository.StepPending,
			Urgency:     repository.UrgencyHigh,
			NotifiedAt:  timePtr(now),
			Escalated:   true,
			LimitWaived: true,
		})
		req.Escalation.EscalatedTo = &target.ID
		req.Escalation.EscalationLevel++
		req.Escalation.History = append(req.Escalation.History, repository.EscalationEntry{
			Level:    req.Escalation.EscalationLevel,
			Reason:   reason,
			TargetID: target.ID,
			At:       now,
		})
		req.Timeline.LastEscalationAt = timePtr(now)
		req.Communications = append(req.Communications, repository.Communication{
			FromID: SystemActor, ToID: target.ID, Type: CommEscalation, Message: reason, At: now,
		})

		return OutcomeEscalated, []Intent{{
			Type:          IntentNotifyEscalation,
			RequestID:     req.ID,
			TargetUserIDs: []string{target.ID},
			Payload: map[string]any{
				"reason":           reason,
				"level":            level,
				"escalation_level": req.Escalation.EscalationLevel,
			},
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("request_id", requestID).
		Str("reason", reason).
		Int("escalation_level", res.Request.Escalation.EscalationLevel).
		Msg("Approval request escalated")

	return res, nil
}

// escalationTarget prefers the top administrator and falls back to the
// approver with the highest limit. The requester is never a target.
func (m *ApprovalStateMachine) escalationTarget(ctx context.Context, req *repository.ApprovalRequest) (*repository.DirectoryUser, error) {
	admin, err := m.dir.TopAdministrator(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	if admin != nil && admin.IsActive && admin.ID != req.RequesterID {
		return admin, nil
	}

	approvers, err := m.dir.ListApprovers(ctx, req.CompanyID)
	if err != nil {
		return nil, err
	}
	var best *repository.DirectoryUser
	for _, u := range approvers {
		if u.ID == req.RequesterID || !u.IsActive || !u.CanApprove {
			continue
		}
		if best == nil || u.ApprovalLimit > best.ApprovalLimit {
			best = u
		}
	}
	if best == nil {
		return nil, errors.New(errors.ErrCodeNoApproverFound,
			fmt.Sprintf("no escalation target in company %s", req.CompanyID))
	}
	return best, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a pending request. Only the requester, an administrator of
// the same company, or a super admin may cancel.
func (m *ApprovalStateMachine) Cancel(ctx context.Context, requestID, actorID, reason string) (*TransitionResult, error) {
	res, err := m.apply(ctx, requestID, func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error) {
		if req.FinalStatus.Terminal() {
			return "", nil, alreadyResolved(req)
		}
		if err := m.assertCanCancel(ctx, req, actorID); err != nil {
			return "", nil, err
		}

		status, err := m.lifecycle.next(req.FinalStatus, EventCancel)
		if err != nil {
			return "", nil, err
		}
		req.FinalStatus = status
		req.Timeline.CancelledAt = timePtr(now)
		req.Communications = append(req.Communications, repository.Communication{
			FromID: actorID, Type: CommCancellation, Message: reason, At: now,
		})

		intents := []Intent{cancelPurchase(req, string(repository.StatusCancelled))}
		if targets := notifiedPendingApprovers(req); len(targets) > 0 {
			intents = append(intents, Intent{
				Type:          IntentNotifyApprovers,
				RequestID:     req.ID,
				TargetUserIDs: targets,
				Payload:       map[string]any{"event": string(repository.StatusCancelled), "reason": reason},
			})
		}
		return OutcomeCancelled, intents, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Msg("Approval request cancelled")

	return res, nil
}

func (m *ApprovalStateMachine) assertCanCancel(ctx context.Context, req *repository.ApprovalRequest, actorID string) error {
	if actorID == req.RequesterID {
		return nil
	}

	denied := errors.New(errors.ErrCodeNotAuthorized,
		fmt.Sprintf("user %s may not cancel request %s", actorID, req.ID))

	actor, err := m.dir.GetUser(ctx, actorID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return denied
	}
	if err != nil {
		return err
	}
	if !actor.IsActive {
		return denied
	}
	if actor.Role == repository.RoleSuperAdmin {
		return nil
	}
	if actor.Role == repository.RoleCompanyAdmin && actor.CompanyID == req.CompanyID {
		return nil
	}
	return denied
}

// ── Expire ────────────────────────────────────────────────────────────────────

// Expire closes a pending request whose deadline has passed. It is a no-op on
// terminal requests and on requests still inside their deadline.
func (m *ApprovalStateMachine) Expire(ctx context.Context, requestID string) (*TransitionResult, error) {
	res, err := m.apply(ctx, requestID, func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error) {
		if req.FinalStatus.Terminal() || !now.After(req.Timeline.RequiredBy) {
			return OutcomeNoop, nil, nil
		}

		status, err := m.lifecycle.next(req.FinalStatus, EventExpire)
		if err != nil {
			return "", nil, err
		}
		req.FinalStatus = status
		req.Timeline.ExpiredAt = timePtr(now)

		return OutcomeExpired, []Intent{
			cancelPurchase(req, string(repository.StatusExpired)),
			{
				Type:          IntentNotifyRequester,
				RequestID:     req.ID,
				TargetUserIDs: []string{req.RequesterID},
				Payload:       map[string]any{"event": string(repository.StatusExpired), "required_by": req.Timeline.RequiredBy},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if res.Outcome == OutcomeExpired {
		m.log.Info().Str("request_id", requestID).Msg("Approval request expired")
	}
	return res, nil
}

// ── Remind ────────────────────────────────────────────────────────────────────

// Remind bumps the reminder count of every decidable step whose next reminder
// offset has elapsed and emits one reminder intent per step.
func (m *ApprovalStateMachine) Remind(ctx context.Context, requestID string) (*TransitionResult, error) {
	return m.apply(ctx, requestID, func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error) {
		if req.FinalStatus.Terminal() {
			return OutcomeNoop, nil, nil
		}

		var intents []Intent
		for i := range req.Chain {
			step := &req.Chain[i]
			if !isDecidable(req, step) || step.NotifiedAt == nil {
				continue
			}
			offsets := m.deadlines.ComputeReminderOffsets(step.Urgency)
			if step.ReminderCount >= len(offsets) {
				continue
			}
			due := step.NotifiedAt.Add(time.Duration(offsets[step.ReminderCount]) * time.Hour)
			if now.Before(due) {
				continue
			}
			step.ReminderCount++
			intents = append(intents, Intent{
				Type:          IntentReminder,
				RequestID:     req.ID,
				TargetUserIDs: []string{step.EffectiveApprover()},
				Payload: map[string]any{
					"level":          step.Level,
					"reminder_count": step.ReminderCount,
					"required_by":    req.Timeline.RequiredBy,
				},
			})
		}
		if len(intents) == 0 {
			return OutcomeNoop, nil, nil
		}
		if _, err := m.lifecycle.next(req.FinalStatus, EventRemind); err != nil {
			return "", nil, err
		}
		return OutcomeReminded, intents, nil
	})
}

// ── Internal helpers ──────────────────────────────────────────────────────────

type mutation func(req *repository.ApprovalRequest, now time.Time) (Outcome, []Intent, error)

// apply runs fn against a copy of the stored request and saves it against the
// loaded version. A noop outcome skips the write.
func (m *ApprovalStateMachine) apply(ctx context.Context, requestID string, fn mutation) (*TransitionResult, error) {
	current, err := m.store.Load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	req := current.Clone()
	outcome, intents, err := fn(req, m.deadlines.Now())
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeNoop {
		return &TransitionResult{Request: current, Outcome: OutcomeNoop}, nil
	}

	if err := m.store.Save(ctx, req, current.Version); err != nil {
		return nil, err
	}
	return &TransitionResult{Request: req, Outcome: outcome, Intents: intents}, nil
}

// recordDecision forwards statistics and logs a warning on failure (never
// returns error).
func (m *ApprovalStateMachine) recordDecision(
	ctx context.Context,
	req *repository.ApprovalRequest,
	step repository.ApprovalStep,
	actorID string,
	outcome Outcome,
) {
	decidedAt := req.UpdatedAt
	if step.DecidedAt != nil {
		decidedAt = *step.DecidedAt
	}
	since := req.Timeline.CreatedAt
	if step.NotifiedAt != nil {
		since = *step.NotifiedAt
	}

	stats := repository.DecisionStats{
		RequestID:    req.ID,
		CompanyID:    req.CompanyID,
		RequesterID:  req.RequesterID,
		ApproverID:   actorID,
		Outcome:      string(outcome),
		Amount:       req.Financials.Amount,
		ResponseTime: decidedAt.Sub(since),
		DecidedAt:    decidedAt,
	}
	if err := m.stats.RecordDecision(ctx, stats); err != nil {
		m.log.Warn().Err(err).
			Str("request_id", req.ID).
			Str("approver_id", actorID).
			Msg("Failed to record decision statistics")
	}
}

// isDecidable reports whether step may currently be decided: pending and
// either at the current level or appended by escalation.
func isDecidable(req *repository.ApprovalRequest, step *repository.ApprovalStep) bool {
	if step.Status != repository.StepPending {
		return false
	}
	return step.Escalated || step.Level == req.CurrentLevel
}

// decidableStep returns the index of the step userID may decide, preferring
// the regular current-level step over escalated ones, or -1.
func decidableStep(req *repository.ApprovalRequest, userID string) int {
	escalated := -1
	for i := range req.Chain {
		step := &req.Chain[i]
		if !isDecidable(req, step) || step.EffectiveApprover() != userID {
			continue
		}
		if !step.Escalated {
			return i
		}
		if escalated < 0 {
			escalated = i
		}
	}
	return escalated
}

// nextPendingLevel is the lowest level above after holding a pending regular
// step, or 0.
func nextPendingLevel(req *repository.ApprovalRequest, after int) int {
	next := 0
	for _, s := range req.Chain {
		if s.Escalated || s.Status != repository.StepPending || s.Level <= after {
			continue
		}
		if next == 0 || s.Level < next {
			next = s.Level
		}
	}
	return next
}

// notifyLevel stamps the pending regular steps at level as notified and
// returns their effective approvers.
func notifyLevel(req *repository.ApprovalRequest, level int, now time.Time) []string {
	var targets []string
	for i := range req.Chain {
		s := &req.Chain[i]
		if s.Escalated || s.Level != level || s.Status != repository.StepPending {
			continue
		}
		s.NotifiedAt = timePtr(now)
		targets = append(targets, s.EffectiveApprover())
	}
	return targets
}

// notifiedPendingApprovers lists approvers that were told about a request and
// have not decided yet.
func notifiedPendingApprovers(req *repository.ApprovalRequest) []string {
	var targets []string
	seen := map[string]bool{}
	for _, s := range req.Chain {
		if s.Status != repository.StepPending || s.NotifiedAt == nil {
			continue
		}
		id := s.EffectiveApprover()
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	return targets
}

func cancelPurchase(req *repository.ApprovalRequest, reason string) Intent {
	return Intent{
		Type:      IntentCancelPurchase,
		RequestID: req.ID,
		Payload:   map[string]any{"purchase_ref_id": req.PurchaseRefID, "reason": reason},
	}
}

func alreadyResolved(req *repository.ApprovalRequest) error {
	return errors.New(errors.ErrCodeAlreadyResolved,
		fmt.Sprintf("request %s is already %s", req.ID, req.FinalStatus))
}

func timePtr(t time.Time) *time.Time {
	return &t
}

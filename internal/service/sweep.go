package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// EscalationReasonTimeout is recorded for sweep-driven escalations.
const EscalationReasonTimeout = "timeout"

// SweepCandidates lists every pending request.
func (c *RequestCoordinator) SweepCandidates(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	return c.store.Query(ctx, repository.RequestFilter{Status: repository.StatusPending})
}

// SweepOne applies the time-driven transition due for req at now: expiry
// first, then escalation, then reminders.
func (c *RequestCoordinator) SweepOne(ctx context.Context, req *repository.ApprovalRequest, now time.Time) (*TransitionResult, error) {
	if req.FinalStatus.Terminal() {
		return &TransitionResult{Request: req, Outcome: OutcomeNoop}, nil
	}
	if now.After(req.Timeline.RequiredBy) {
		return c.Expire(ctx, req.ID)
	}
	if c.escalationDue(req, now) {
		return c.Escalate(ctx, req.ID, EscalationReasonTimeout)
	}
	return c.Remind(ctx, req.ID)
}

// escalationDue reports whether the escalation window since the last
// escalation (or first notification) has elapsed and the request still has
// automatic escalations left.
func (c *RequestCoordinator) escalationDue(req *repository.ApprovalRequest, now time.Time) bool {
	if c.cfg.MaxEscalations > 0 && req.Escalation.EscalationLevel >= c.cfg.MaxEscalations {
		return false
	}

	delay := req.Rules.AutoEscalationDelayHours
	if delay <= 0 {
		delay = c.deadlines.ComputeEscalationDelay(req.Justification.Urgency)
	}

	since := req.Timeline.CreatedAt
	if req.Timeline.FirstNotificationAt != nil {
		since = *req.Timeline.FirstNotificationAt
	}
	if req.Timeline.LastEscalationAt != nil {
		since = *req.Timeline.LastEscalationAt
	}
	return !now.Before(since.Add(time.Duration(delay) * time.Hour))
}

package service

import (
	"context"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Directory resolves the org chart. ManagerOf and TopAdministrator return
// (nil, nil) when nobody fills the position.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*repository.DirectoryUser, error)
	ManagerOf(ctx context.Context, userID string) (*repository.DirectoryUser, error)
	TopAdministrator(ctx context.Context, companyID string) (*repository.DirectoryUser, error)
	// ListApprovers returns active approvers of a company, most senior first.
	ListApprovers(ctx context.Context, companyID string) ([]*repository.DirectoryUser, error)
}

// PolicyStore loads company approval policy. A missing company yields a
// NOT_FOUND error.
type PolicyStore interface {
	GetCompanyPolicy(ctx context.Context, companyID string) (*repository.CompanyPolicy, error)
}

// RequestStore persists approval requests. Save fails with VERSION_CONFLICT
// when the stored version differs from expectedVersion; 0 means create.
type RequestStore interface {
	Load(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	Save(ctx context.Context, req *repository.ApprovalRequest, expectedVersion int64) error
	Query(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error)
}

// Dispatcher hands intents to the delivery side. It never fails from the
// engine's point of view.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent Intent)
}

// StatsRecorder accumulates decision statistics.
type StatsRecorder interface {
	RecordDecision(ctx context.Context, stats repository.DecisionStats) error
}

// AuditLog appends immutable transition records.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
}

// IntentType names a side effect for an external collaborator.
type IntentType string

const (
	IntentNotifyApprovers     IntentType = "notify_approvers"
	IntentNotifyRequester     IntentType = "notify_requester"
	IntentNotifyDelegate      IntentType = "notify_delegate"
	IntentNotifyEscalation    IntentType = "notify_escalation"
	IntentScheduleReminders   IntentType = "schedule_reminders"
	IntentScheduleEscalation  IntentType = "schedule_escalation"
	IntentMarkPurchasePending IntentType = "mark_purchase_pending"
	IntentConfirmPurchase     IntentType = "confirm_purchase"
	IntentCancelPurchase      IntentType = "cancel_purchase"
	IntentReminder            IntentType = "reminder"
)

// Intent is a fire-and-forget instruction emitted after a transition.
type Intent struct {
	Type          IntentType     `json:"type"`
	RequestID     string         `json:"request_id"`
	TargetUserIDs []string       `json:"target_user_ids,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, Intent) {}

type noopStats struct{}

func (noopStats) RecordDecision(context.Context, repository.DecisionStats) error { return nil }

type noopAudit struct{}

func (noopAudit) Append(context.Context, *repository.AuditEntry) error { return nil }

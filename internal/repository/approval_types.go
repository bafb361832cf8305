package repository

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// Urgency is the requester-declared urgency of a purchase.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is one of the known urgency levels.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// RequestStatus is the final status of an approval request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// StepStatus is the status of one approval step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

// Directory roles that carry meaning for the approval engine.
const (
	RoleEmployee     = "employee"
	RoleManager      = "manager"
	RoleCompanyAdmin = "company_admin"
	RoleSuperAdmin   = "super_admin"
)

// IsAdministrator reports whether role is a company or system administrator.
func IsAdministrator(role string) bool {
	return role == RoleCompanyAdmin || role == RoleSuperAdmin
}

// ── Approval request aggregate ───────────────────────────────────────────────

// ApprovalStep is one approver slot in a request's chain. Steps are only ever
// addressed through their parent request.
type ApprovalStep struct {
	ApproverID    string     `json:"approver_id"`
	Level         int        `json:"level"`
	Status        StepStatus `json:"status"`
	DelegatedToID *string    `json:"delegated_to_id,omitempty"`
	Urgency       Urgency    `json:"urgency"`
	NotifiedAt    *time.Time `json:"notified_at,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	Comments      string     `json:"comments,omitempty"`
	ReminderCount int        `json:"reminder_count"`
	Escalated     bool       `json:"escalated,omitempty"`
	LimitWaived   bool       `json:"limit_waived,omitempty"`
}

// EffectiveApprover is the user currently entitled to decide the step.
func (s *ApprovalStep) EffectiveApprover() string {
	if s.DelegatedToID != nil && *s.DelegatedToID != "" {
		return *s.DelegatedToID
	}
	return s.ApproverID
}

// Justification is the requester's business case.
type Justification struct {
	Purpose         string  `json:"purpose"`
	Urgency         Urgency `json:"urgency"`
	BusinessReason  string  `json:"business_reason,omitempty"`
	ExpectedOutcome string  `json:"expected_outcome,omitempty"`
	Alternatives    string  `json:"alternatives,omitempty"`
}

// Financials describes the money at stake. Amount is in minor units (cents).
type Financials struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CostCenter  string `json:"cost_center,omitempty"`
	BudgetCode  string `json:"budget_code,omitempty"`
	ProjectCode string `json:"project_code,omitempty"`
}

// Timeline holds the request's timestamps. Exactly one terminal timestamp is
// set once the request leaves pending.
type Timeline struct {
	CreatedAt           time.Time  `json:"created_at"`
	RequiredBy          time.Time  `json:"required_by"`
	SLATargetHours      int        `json:"sla_target_hours"`
	FirstNotificationAt *time.Time `json:"first_notification_at,omitempty"`
	LastEscalationAt    *time.Time `json:"last_escalation_at,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	RejectedAt          *time.Time `json:"rejected_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
}

// Rules are the routing parameters stamped at creation. RequireConsensus is
// informational only.
type Rules struct {
	AutoApprovalThreshold    int64 `json:"auto_approval_threshold"`
	ParallelApprovalAllowed  bool  `json:"parallel_approval_allowed"`
	AutoEscalationDelayHours int   `json:"auto_escalation_delay_hours"`
	RequireConsensus         bool  `json:"require_consensus"`
}

// EscalationEntry is one recorded escalation.
type EscalationEntry struct {
	Level    int       `json:"level"`
	Reason   string    `json:"reason"`
	TargetID string    `json:"target_id"`
	At       time.Time `json:"at"`
}

// Escalation tracks escalations applied to a request.
type Escalation struct {
	EscalatedTo     *string           `json:"escalated_to,omitempty"`
	EscalationLevel int               `json:"escalation_level"`
	History         []EscalationEntry `json:"history,omitempty"`
}

// Communication is an audit record of a notable actor-to-actor message.
type Communication struct {
	FromID  string    `json:"from_id"`
	ToID    string    `json:"to_id,omitempty"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ApprovalRequest is the aggregate root owned by the approval engine.
// Version is the optimistic-concurrency token checked on every save.
type ApprovalRequest struct {
	ID             string          `json:"id"`
	RequesterID    string          `json:"requester_id"`
	CompanyID      string          `json:"company_id"`
	PurchaseRefID  string          `json:"purchase_ref_id"`
	Chain          []ApprovalStep  `json:"chain"`
	CurrentLevel   int             `json:"current_level"`
	FinalStatus    RequestStatus   `json:"final_status"`
	Justification  Justification   `json:"justification"`
	Financials     Financials      `json:"financials"`
	Timeline       Timeline        `json:"timeline"`
	Rules          Rules           `json:"rules"`
	Escalation     Escalation      `json:"escalation"`
	Communications []Communication `json:"communications,omitempty"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching the
// loaded original.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	c := *r
	c.Chain = make([]ApprovalStep, len(r.Chain))
	for i, s := range r.Chain {
		c.Chain[i] = s
		c.Chain[i].DelegatedToID = clonePtr(s.DelegatedToID)
		c.Chain[i].NotifiedAt = clonePtr(s.NotifiedAt)
		c.Chain[i].DecidedAt = clonePtr(s.DecidedAt)
	}
	c.Timeline.FirstNotificationAt = clonePtr(r.Timeline.FirstNotificationAt)
	c.Timeline.LastEscalationAt = clonePtr(r.Timeline.LastEscalationAt)
	c.Timeline.ApprovedAt = clonePtr(r.Timeline.ApprovedAt)
	c.Timeline.RejectedAt = clonePtr(r.Timeline.RejectedAt)
	c.Timeline.CancelledAt = clonePtr(r.Timeline.CancelledAt)
	c.Timeline.ExpiredAt = clonePtr(r.Timeline.ExpiredAt)
	c.Escalation.EscalatedTo = clonePtr(r.Escalation.EscalatedTo)
	c.Escalation.History = append([]EscalationEntry(nil), r.Escalation.History...)
	c.Communications = append([]Communication(nil), r.Communications...)
	return &c
}

// HasApprover reports whether userID already holds a step in the chain.
func (r *ApprovalRequest) HasApprover(userID string) bool {
	for _, s := range r.Chain {
		if s.ApproverID == userID {
			return true
		}
	}
	return false
}

// MaxLevel is the highest level present in the chain.
func (r *ApprovalRequest) MaxLevel() int {
	highest := 0
	for _, s := range r.Chain {
		if s.Level > highest {
			highest = s.Level
		}
	}
	return highest
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RequestFilter narrows RequestStore queries. Zero values are ignored.
type RequestFilter struct {
	CompanyID     string
	RequesterID   string
	ApproverID    string // matches approver or delegate on a pending step
	Status        RequestStatus
	Urgency       Urgency
	MinAmount     *int64
	MaxAmount     *int64
	RequiredByLTE *time.Time
	Limit         int
}

// ── Directory and policy records ─────────────────────────────────────────────

// DirectoryUser is the org-chart view of a user.
type DirectoryUser struct {
	ID            string
	CompanyID     string
	ManagerID     *string
	Name          string
	Email         string
	Role          string
	ApprovalLimit int64 // cents
	CanApprove    bool
	IsActive      bool
	Seniority     int // higher = more senior
}

// CompanyPolicy is a company's approval policy.
type CompanyPolicy struct {
	CompanyID                string
	ApprovalRequired         bool
	ApprovalLimit            int64 // cents; purchases below this skip approval
	ExemptRoles              []string
	DefaultDeadlineHours     int
	AutoApprovalThreshold    int64
	ParallelApprovalAllowed  bool
	RequireConsensus         bool
	AutoEscalationDelayHours int // 0 = derive from urgency
	UpdatedAt                time.Time
}

// DecisionStats is one decision counted toward requester, approver and company
// running statistics.
type DecisionStats struct {
	RequestID    string
	CompanyID    string
	RequesterID  string
	ApproverID   string
	Outcome      string
	Amount       int64
	ResponseTime time.Duration
	DecidedAt    time.Time
}

// AuditEntry is one immutable record of a persisted transition.
type AuditEntry struct {
	ID          int64
	RequestID   string
	Action      string
	PerformedBy string
	StatusAfter RequestStatus
	Version     int64
	Metadata    map[string]any
	PerformedAt time.Time
}

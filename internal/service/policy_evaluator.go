package service

import (
	"slices"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Reasons reported by PolicyEvaluator.
const (
	ReasonPolicyMissing    = "policy_missing"
	ReasonPolicyInvalid    = "policy_invalid"
	ReasonApprovalDisabled = "approval_disabled"
	ReasonBelowLimit       = "below_approval_limit"
	ReasonExemptRole       = "exempt_role"
	ReasonAboveLimit       = "above_approval_limit"
)

// PolicyDecision is the outcome of a policy check.
type PolicyDecision struct {
	Required bool
	Reason   string
}

// PolicyEvaluator decides whether a purchase needs approval.
type PolicyEvaluator struct{}

// NewPolicyEvaluator creates a new PolicyEvaluator.
func NewPolicyEvaluator() *PolicyEvaluator {
	return &PolicyEvaluator{}
}

// ShouldRequireApproval fails closed: a missing or malformed policy always
// requires approval.
func (e *PolicyEvaluator) ShouldRequireApproval(policy *repository.CompanyPolicy, amount int64, requesterRole string) PolicyDecision {
	if policy == nil {
		return PolicyDecision{Required: true, Reason: ReasonPolicyMissing}
	}
	if policy.ApprovalLimit < 0 {
		return PolicyDecision{Required: true, Reason: ReasonPolicyInvalid}
	}
	if !policy.ApprovalRequired {
		return PolicyDecision{Required: false, Reason: ReasonApprovalDisabled}
	}
	if amount < policy.ApprovalLimit {
		return PolicyDecision{Required: false, Reason: ReasonBelowLimit}
	}

	exempt := policy.ExemptRoles
	if exempt == nil {
		exempt = []string{repository.RoleSuperAdmin}
	}
	if requesterRole != "" && slices.Contains(exempt, requesterRole) {
		return PolicyDecision{Required: false, Reason: ReasonExemptRole}
	}

	return PolicyDecision{Required: true, Reason: ReasonAboveLimit}
}

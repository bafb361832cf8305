package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/database"
	"github.com/pesio-ai/be-travel-approvals/internal/errors"
)

// CompanyPolicyRepository reads and writes per-company approval policy.
type CompanyPolicyRepository struct {
	db *database.DB
}

// NewCompanyPolicyRepository creates a new CompanyPolicyRepository.
func NewCompanyPolicyRepository(db *database.DB) *CompanyPolicyRepository {
	return &CompanyPolicyRepository{db: db}
}

// GetCompanyPolicy returns the policy for companyID.
func (r *CompanyPolicyRepository) GetCompanyPolicy(ctx context.Context, companyID string) (*CompanyPolicy, error) {
	query := `
		SELECT id, approval_required, approval_limit, exempt_roles,
		       default_deadline_hours, auto_approval_threshold,
		       parallel_approval_allowed, require_consensus,
		       auto_escalation_delay_hours, updated_at
		FROM companies
		WHERE id = $1
	`

	p := &CompanyPolicy{}
	err := r.db.QueryRow(ctx, query, companyID).Scan(
		&p.CompanyID,
		&p.ApprovalRequired,
		&p.ApprovalLimit,
		&p.ExemptRoles,
		&p.DefaultDeadlineHours,
		&p.AutoApprovalThreshold,
		&p.ParallelApprovalAllowed,
		&p.RequireConsensus,
		&p.AutoEscalationDelayHours,
		&p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("company_policy", companyID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get company policy")
	}
	return p, nil
}

// Upsert inserts or replaces a company policy.
func (r *CompanyPolicyRepository) Upsert(ctx context.Context, p *CompanyPolicy) error {
	exempt := p.ExemptRoles
	if exempt == nil {
		exempt = []string{RoleSuperAdmin}
	}

	query := `
		INSERT INTO companies
		    (id, approval_required, approval_limit, exempt_roles,
		     default_deadline_hours, auto_approval_threshold,
		     parallel_approval_allowed, require_consensus,
		     auto_escalation_delay_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET approval_required           = EXCLUDED.approval_required,
		    approval_limit              = EXCLUDED.approval_limit,
		    exempt_roles                = EXCLUDED.exempt_roles,
		    default_deadline_hours      = EXCLUDED.default_deadline_hours,
		    auto_approval_threshold     = EXCLUDED.auto_approval_threshold,
		    parallel_approval_allowed   = EXCLUDED.parallel_approval_allowed,
		    require_consensus           = EXCLUDED.require_consensus,
		    auto_escalation_delay_hours = EXCLUDED.auto_escalation_delay_hours,
		    updated_at                  = NOW()
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.CompanyID,
		p.ApprovalRequired,
		p.ApprovalLimit,
		exempt,
		p.DefaultDeadlineHours,
		p.AutoApprovalThreshold,
		p.ParallelApprovalAllowed,
		p.RequireConsensus,
		p.AutoEscalationDelayHours,
	).Scan(&p.UpdatedAt)
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert company policy")
}

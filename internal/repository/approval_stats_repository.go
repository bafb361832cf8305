package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/database"
	"github.com/pesio-ai/be-travel-approvals/internal/errors"
)

// Stats scopes.
const (
	StatsScopeRequester = "requester"
	StatsScopeApprover  = "approver"
	StatsScopeCompany   = "company"
)

// DecisionTotals is one aggregated stats row.
type DecisionTotals struct {
	Scope           string
	SubjectID       string
	Outcome         string
	DecisionCount   int64
	TotalAmount     int64
	TotalResponseMs int64
	LastDecidedAt   *time.Time
}

// ApprovalStatsRepository keeps running decision counters per requester,
// approver and company.
type ApprovalStatsRepository struct {
	db *database.DB
}

// NewApprovalStatsRepository creates a new ApprovalStatsRepository.
func NewApprovalStatsRepository(db *database.DB) *ApprovalStatsRepository {
	return &ApprovalStatsRepository{db: db}
}

// RecordDecision bumps the three counters for s in one transaction.
func (r *ApprovalStatsRepository) RecordDecision(ctx context.Context, s DecisionStats) error {
	query := `
		INSERT INTO approval_decision_stats
		    (scope, subject_id, outcome, decision_count,
		     total_amount, total_response_ms, last_decided_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (scope, subject_id, outcome) DO UPDATE
		SET decision_count    = approval_decision_stats.decision_count + 1,
		    total_amount      = approval_decision_stats.total_amount + EXCLUDED.total_amount,
		    total_response_ms = approval_decision_stats.total_response_ms + EXCLUDED.total_response_ms,
		    last_decided_at   = GREATEST(approval_decision_stats.last_decided_at, EXCLUDED.last_decided_at)
	`

	subjects := []struct{ scope, id string }{
		{StatsScopeRequester, s.RequesterID},
		{StatsScopeApprover, s.ApproverID},
		{StatsScopeCompany, s.CompanyID},
	}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, sub := range subjects {
			if sub.id == "" {
				continue
			}
			if _, err := tx.Exec(ctx, query,
				sub.scope, sub.id, s.Outcome,
				s.Amount, s.ResponseTime.Milliseconds(), s.DecidedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision stats")
}

// Totals returns all outcome rows for one subject.
func (r *ApprovalStatsRepository) Totals(ctx context.Context, scope, subjectID string) ([]*DecisionTotals, error) {
	query := `
		SELECT scope, subject_id, outcome, decision_count,
		       total_amount, total_response_ms, last_decided_at
		FROM approval_decision_stats
		WHERE scope = $1 AND subject_id = $2
		ORDER BY outcome
	`

	rows, err := r.db.Query(ctx, query, scope, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query decision stats")
	}
	defer rows.Close()

	var out []*DecisionTotals
	for rows.Next() {
		t := &DecisionTotals{}
		if err := rows.Scan(
			&t.Scope,
			&t.SubjectID,
			&t.Outcome,
			&t.DecisionCount,
			&t.TotalAmount,
			&t.TotalResponseMs,
			&t.LastDecidedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision stats")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

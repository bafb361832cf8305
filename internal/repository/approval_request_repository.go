package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/database"
	"github.com/pesio-ai/be-travel-approvals/internal/errors"
)

// ApprovalRequestRepository stores approval requests as JSONB documents with
// the routing columns denormalised for filtering. Every write is a
// compare-and-swap on the version column.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// Load fetches a request by id.
func (r *ApprovalRequestRepository) Load(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT document, version, updated_at
		FROM approval_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval request")
	}
	return req, nil
}

// Save persists req if the stored version still equals expectedVersion.
// expectedVersion 0 means the request must not exist yet. On success
// req.Version and req.UpdatedAt reflect the stored row.
func (r *ApprovalRequestRepository) Save(ctx context.Context, req *ApprovalRequest, expectedVersion int64) error {
	next := expectedVersion + 1
	doc := *req
	doc.Version = next

	payload, err := json.Marshal(&doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode approval request")
	}

	var updatedAt time.Time
	if expectedVersion == 0 {
		query := `
			INSERT INTO approval_requests
			    (id, requester_id, company_id, purchase_ref_id,
			     final_status, current_level, urgency, amount,
			     required_by, document, version, created_at)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8,
			        $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
			RETURNING updated_at
		`
		err = r.db.QueryRow(ctx, query,
			req.ID,
			req.RequesterID,
			req.CompanyID,
			req.PurchaseRefID,
			req.FinalStatus,
			req.CurrentLevel,
			req.Justification.Urgency,
			req.Financials.Amount,
			req.Timeline.RequiredBy,
			payload,
			next,
			req.Timeline.CreatedAt,
		).Scan(&updatedAt)
		if err == pgx.ErrNoRows {
			return errors.New(errors.ErrCodeVersionConflict, fmt.Sprintf("approval request %s already exists", req.ID))
		}
	} else {
		query := `
			UPDATE approval_requests
			SET final_status  = $3,
			    current_level = $4,
			    required_by   = $5,
			    document      = $6,
			    version       = $7,
			    updated_at    = NOW()
			WHERE id = $1
			  AND version = $2
			RETURNING updated_at
		`
		err = r.db.QueryRow(ctx, query,
			req.ID,
			expectedVersion,
			req.FinalStatus,
			req.CurrentLevel,
			req.Timeline.RequiredBy,
			payload,
			next,
		).Scan(&updatedAt)
		if err == pgx.ErrNoRows {
			return r.missOrConflict(ctx, req.ID, expectedVersion)
		}
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save approval request")
	}

	req.Version = next
	req.UpdatedAt = updatedAt
	return nil
}

// missOrConflict distinguishes a vanished row from a lost CAS race.
func (r *ApprovalRequestRepository) missOrConflict(ctx context.Context, id string, expected int64) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval request")
	}
	if !exists {
		return errors.NotFound("approval_request", id)
	}
	return errors.New(errors.ErrCodeVersionConflict,
		fmt.Sprintf("approval request %s changed since version %d", id, expected))
}

// Query returns requests matching filter, soonest deadline first.
func (r *ApprovalRequestRepository) Query(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.CompanyID != "" {
		add("company_id = $%d", filter.CompanyID)
	}
	if filter.RequesterID != "" {
		add("requester_id = $%d", filter.RequesterID)
	}
	if filter.Status != "" {
		add("final_status = $%d", filter.Status)
	}
	if filter.Urgency != "" {
		add("urgency = $%d", filter.Urgency)
	}
	if filter.MinAmount != nil {
		add("amount >= $%d", *filter.MinAmount)
	}
	if filter.MaxAmount != nil {
		add("amount <= $%d", *filter.MaxAmount)
	}
	if filter.RequiredByLTE != nil {
		add("required_by <= $%d", *filter.RequiredByLTE)
	}
	if filter.ApproverID != "" {
		byApprover, _ := json.Marshal([]map[string]string{{"approver_id": filter.ApproverID, "status": string(StepPending)}})
		byDelegate, _ := json.Marshal([]map[string]string{{"delegated_to_id": filter.ApproverID, "status": string(StepPending)}})
		args = append(args, string(byApprover), string(byDelegate))
		where = append(where, fmt.Sprintf(
			"((document -> 'chain') @> $%d::jsonb OR (document -> 'chain') @> $%d::jsonb)",
			len(args)-1, len(args)))
	}

	query := `SELECT document, version, updated_at FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY required_by ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query approval requests")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval requests")
	}
	return out, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	var (
		doc       []byte
		version   int64
		updatedAt time.Time
	)
	if err := row.Scan(&doc, &version, &updatedAt); err != nil {
		return nil, err
	}
	req := &ApprovalRequest{}
	if err := json.Unmarshal(doc, req); err != nil {
		return nil, err
	}
	req.Version = version
	req.UpdatedAt = updatedAt
	return req, nil
}

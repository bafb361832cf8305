package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/database"
	"github.com/pesio-ai/be-travel-approvals/internal/errors"
)

const directoryColumns = `
	id, company_id, manager_id, name, email, role,
	approval_limit, can_approve, is_active, seniority
`

// DirectoryRepository reads the org chart used to route approvals.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetUser returns the user with the given id.
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*DirectoryUser, error) {
	query := `SELECT ` + directoryColumns + ` FROM directory_users WHERE id = $1`

	u, err := r.scanUser(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ManagerOf returns userID's direct manager, or nil when there is none.
func (r *DirectoryRepository) ManagerOf(ctx context.Context, userID string) (*DirectoryUser, error) {
	query := `
		SELECT m.id, m.company_id, m.manager_id, m.name, m.email, m.role,
		       m.approval_limit, m.can_approve, m.is_active, m.seniority
		FROM directory_users u
		JOIN directory_users m ON m.id = u.manager_id
		WHERE u.id = $1
	`

	u, err := r.scanUser(r.db.QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get manager")
	}
	return u, nil
}

// TopAdministrator returns the most senior active company admin, or nil.
func (r *DirectoryRepository) TopAdministrator(ctx context.Context, companyID string) (*DirectoryUser, error) {
	query := `SELECT ` + directoryColumns + `
		FROM directory_users
		WHERE company_id = $1
		  AND role = $2
		  AND is_active
		ORDER BY seniority DESC, approval_limit DESC, id ASC
		LIMIT 1
	`

	u, err := r.scanUser(r.db.QueryRow(ctx, query, companyID, RoleCompanyAdmin))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get top administrator")
	}
	return u, nil
}

// ListApprovers returns active users able to approve, most senior first.
func (r *DirectoryRepository) ListApprovers(ctx context.Context, companyID string) ([]*DirectoryUser, error) {
	query := `SELECT ` + directoryColumns + `
		FROM directory_users
		WHERE company_id = $1
		  AND can_approve
		  AND is_active
		ORDER BY seniority DESC, approval_limit DESC, id ASC
	`

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	var users []*DirectoryUser
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Upsert inserts or replaces a directory user.
func (r *DirectoryRepository) Upsert(ctx context.Context, u *DirectoryUser) error {
	query := `
		INSERT INTO directory_users
		    (id, company_id, manager_id, name, email, role,
		     approval_limit, can_approve, is_active, seniority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET company_id     = EXCLUDED.company_id,
		    manager_id     = EXCLUDED.manager_id,
		    name           = EXCLUDED.name,
		    email          = EXCLUDED.email,
		    role           = EXCLUDED.role,
		    approval_limit = EXCLUDED.approval_limit,
		    can_approve    = EXCLUDED.can_approve,
		    is_active      = EXCLUDED.is_active,
		    seniority      = EXCLUDED.seniority
	`

	_, err := r.db.Exec(ctx, query,
		u.ID, u.CompanyID, u.ManagerID, u.Name, u.Email, u.Role,
		u.ApprovalLimit, u.CanApprove, u.IsActive, u.Seniority,
	)
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
}

type userScanner interface {
	Scan(dest ...any) error
}

func (r *DirectoryRepository) scanUser(row userScanner) (*DirectoryUser, error) {
	u := &DirectoryUser{}
	err := row.Scan(
		&u.ID,
		&u.CompanyID,
		&u.ManagerID,
		&u.Name,
		&u.Email,
		&u.Role,
		&u.ApprovalLimit,
		&u.CanApprove,
		&u.IsActive,
		&u.Seniority,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
)

// ApproverRepository reads and maintains the approvers table.
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

// LoadApprovers returns every approver, active or not, ordered by role then id.
func (r *ApproverRepository) LoadApprovers(ctx context.Context) ([]Approver, error) {
	query := `
		SELECT id, name, role, department,
		       COALESCE(email, ''), COALESCE(phone, ''), active
		FROM approvers
		ORDER BY role ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to query approvers")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Upsert inserts or replaces an approver.
func (r *ApproverRepository) Upsert(ctx context.Context, a *Approver) error {
	if !a.Role.Valid() {
		return errors.InvalidInput("role", "unknown approver role: "+string(a.Role))
	}
	if a.Role == RoleDepartmentManager && (a.Department == nil || *a.Department == "") {
		return errors.InvalidInput("department", "department_manager requires a department")
	}

	query := `
		INSERT INTO approvers (id, name, role, department, email, phone, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name       = EXCLUDED.name,
		    role       = EXCLUDED.role,
		    department = EXCLUDED.department,
		    email      = EXCLUDED.email,
		    phone      = EXCLUDED.phone,
		    active     = EXCLUDED.active,
		    updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		a.ID,
		a.Name,
		string(a.Role),
		a.Department,
		a.Email,
		a.Phone,
		a.Active,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert approver")
	}
	return nil
}

// SetActive toggles an approver's active flag.
func (r *ApproverRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE approvers
		SET active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approver", id)
	}
	return err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApproverRepository) scanRows(rows pgx.Rows) ([]Approver, error) {
	approvers := []Approver{}
	for rows.Next() {
		var (
			a    Approver
			role string
		)
		if err := rows.Scan(&a.ID, &a.Name, &role, &a.Department, &a.Email, &a.Phone, &a.Active); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		a.Role = Role(role)
		approvers = append(approvers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to read approvers")
	}
	return approvers, nil
}

// StaticApproverSource serves a fixed approver list, typically seeded from config.
type StaticApproverSource struct {
	approvers []Approver
}

// NewStaticApproverSource copies approvers into a new source.
func NewStaticApproverSource(approvers []Approver) *StaticApproverSource {
	return &StaticApproverSource{approvers: append([]Approver(nil), approvers...)}
}

// LoadApprovers returns a copy of the seeded list.
func (s *StaticApproverSource) LoadApprovers(ctx context.Context) ([]Approver, error) {
	return append([]Approver(nil), s.approvers...), nil
}

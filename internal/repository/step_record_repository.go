package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StepRecordRepository persists the step records of a workflow. Writes run
// inside the transaction opened by PostgresWorkflowRepository.
type StepRecordRepository struct {
	db *database.DB
}

// NewStepRecordRepository creates a new StepRecordRepository.
func NewStepRecordRepository(db *database.DB) *StepRecordRepository {
	return &StepRecordRepository{db: db}
}

// save inserts a record, or resolves it when it already exists and is still
// pending. Resolved rows are left untouched.
func (r *StepRecordRepository) save(ctx context.Context, q querier, workflowID string, seq int, rec *StepRecord) error {
	query := `
		INSERT INTO return_workflow_steps
		    (id, workflow_id, seq, step_id, status,
		     started_at, completed_at, assigned_to, completed_by,
		     action, comments)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status       = EXCLUDED.status,
		    completed_at = EXCLUDED.completed_at,
		    assigned_to  = EXCLUDED.assigned_to,
		    completed_by = EXCLUDED.completed_by,
		    action       = EXCLUDED.action,
		    comments     = EXCLUDED.comments
		WHERE return_workflow_steps.status = 'pending'
	`

	_, err := q.Exec(ctx, query,
		rec.ID,
		workflowID,
		seq,
		string(rec.StepID),
		string(rec.Status),
		rec.StartedAt,
		rec.CompletedAt,
		rec.AssignedTo,
		rec.CompletedBy,
		string(rec.Action),
		rec.Comments,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save step record")
	}
	return nil
}

// list returns all records of a workflow in append order.
func (r *StepRecordRepository) list(ctx context.Context, q querier, workflowID string) ([]*StepRecord, error) {
	query := `
		SELECT id::text, step_id, status,
		       started_at, completed_at, assigned_to, completed_by,
		       action, comments
		FROM return_workflow_steps
		WHERE workflow_id = $1
		ORDER BY seq ASC
	`

	rows, err := q.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step records")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *StepRecordRepository) scanRows(rows pgx.Rows) ([]*StepRecord, error) {
	steps := []*StepRecord{}
	for rows.Next() {
		var (
			rec                 StepRecord
			stepID, status, act string
		)
		err := rows.Scan(
			&rec.ID,
			&stepID,
			&status,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.AssignedTo,
			&rec.CompletedBy,
			&act,
			&rec.Comments,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step record")
		}
		rec.StepID = Step(stepID)
		rec.Status = StepStatus(status)
		rec.Action = StepAction(act)
		steps = append(steps, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read step records")
	}
	return steps, nil
}

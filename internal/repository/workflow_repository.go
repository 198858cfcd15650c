package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
)

// PostgresWorkflowRepository stores workflow instances and their step records.
// An instance and its records are always written together in one transaction.
type PostgresWorkflowRepository struct {
	db    *database.DB
	steps *StepRecordRepository
}

// NewPostgresWorkflowRepository creates a new PostgresWorkflowRepository.
func NewPostgresWorkflowRepository(db *database.DB) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{db: db, steps: NewStepRecordRepository(db)}
}

const workflowColumns = `
	w.id::text, w.request_id, w.request_type, w.asset_id, w.requester_id,
	w.current_step, w.status,
	COALESCE(w.asset_name, ''), COALESCE(w.requester_name, ''),
	COALESCE(w.department, ''), COALESCE(w.urgency, ''), COALESCE(w.reason, ''),
	w.version, w.created_at, w.updated_at`

// Create inserts the instance at version 1 together with its step records.
func (r *PostgresWorkflowRepository) Create(ctx context.Context, wf *WorkflowInstance) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO return_workflows
			    (id, request_id, request_type, asset_id, requester_id,
			     current_step, status,
			     asset_name, requester_name, department, urgency, reason,
			     version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7,
			        $8, $9, $10, $11, $12,
			        1, $13, $14)
		`

		_, err := tx.Exec(ctx, query,
			wf.ID,
			wf.RequestID,
			wf.RequestType,
			wf.AssetID,
			wf.RequesterID,
			string(wf.CurrentStep),
			string(wf.Status),
			wf.Metadata.AssetName,
			wf.Metadata.RequesterName,
			wf.Metadata.Department,
			wf.Metadata.Urgency,
			wf.Metadata.Reason,
			wf.CreatedAt,
			wf.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create return workflow")
		}

		for i, rec := range wf.Steps {
			if err := r.steps.save(ctx, tx, wf.ID, i, rec); err != nil {
				return err
			}
		}

		wf.Version = 1
		return nil
	})
}

// Get loads an instance with its step records.
func (r *PostgresWorkflowRepository) Get(ctx context.Context, id string) (*WorkflowInstance, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	query := `SELECT ` + workflowColumns + `
		FROM return_workflows w
		WHERE w.id = $1
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get return workflow")
	}

	wf.Steps, err = r.steps.list(ctx, r.db, wf.ID)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// Update writes the instance when the stored version equals expectedVersion
// and saves any new or newly resolved step records.
func (r *PostgresWorkflowRepository) Update(ctx context.Context, wf *WorkflowInstance, expectedVersion int64) error {
	var newVersion int64
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE return_workflows
			SET current_step = $3,
			    status       = $4,
			    updated_at   = $5,
			    version      = version + 1
			WHERE id = $1
			  AND version = $2
			RETURNING version
		`

		err := tx.QueryRow(ctx, query,
			wf.ID,
			expectedVersion,
			string(wf.CurrentStep),
			string(wf.Status),
			wf.UpdatedAt,
		).Scan(&newVersion)
		if err == pgx.ErrNoRows {
			return r.classifyMissedUpdate(ctx, tx, wf.ID, expectedVersion)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update return workflow")
		}

		for i, rec := range wf.Steps {
			if err := r.steps.save(ctx, tx, wf.ID, i, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wf.Version = newVersion
	return nil
}

// classifyMissedUpdate tells a missing row apart from a stale version.
func (r *PostgresWorkflowRepository) classifyMissedUpdate(ctx context.Context, tx pgx.Tx, id string, expected int64) error {
	var actual int64
	err := tx.QueryRow(ctx, `SELECT version FROM return_workflows WHERE id = $1`, id).Scan(&actual)
	if err == pgx.ErrNoRows {
		return notFound(id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read return workflow version")
	}
	return versionConflict(id, expected, actual)
}

// List returns matching instances, newest first.
func (r *PostgresWorkflowRepository) List(ctx context.Context, filter WorkflowFilter) ([]*WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != nil {
		add("w.status = $%d", string(*filter.Status))
	}
	if filter.CurrentStep != nil {
		add("w.current_step = $%d", string(*filter.CurrentStep))
	}
	if filter.Department != nil {
		add("w.department = $%d", *filter.Department)
	}
	if filter.RequesterID != nil {
		add("w.requester_id = $%d", *filter.RequesterID)
	}
	if filter.AssetID != nil {
		add("w.asset_id = $%d", *filter.AssetID)
	}
	if filter.AssignedTo != nil {
		add(`EXISTS (
			SELECT 1 FROM return_workflow_steps s
			WHERE s.workflow_id = w.id
			  AND s.step_id = w.current_step
			  AND s.status = 'pending'
			  AND s.assigned_to = $%d)`, *filter.AssignedTo)
	}

	query := `SELECT ` + workflowColumns + ` FROM return_workflows w`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.created_at DESC, w.id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list return workflows")
	}

	workflows := []*WorkflowInstance{}
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan return workflow")
		}
		workflows = append(workflows, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list return workflows")
	}

	for _, wf := range workflows {
		if wf.Steps, err = r.steps.list(ctx, r.db, wf.ID); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type workflowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresWorkflowRepository) scanWorkflow(row workflowScanner) (*WorkflowInstance, error) {
	var (
		wf                  WorkflowInstance
		currentStep, status string
	)
	err := row.Scan(
		&wf.ID,
		&wf.RequestID,
		&wf.RequestType,
		&wf.AssetID,
		&wf.RequesterID,
		&currentStep,
		&status,
		&wf.Metadata.AssetName,
		&wf.Metadata.RequesterName,
		&wf.Metadata.Department,
		&wf.Metadata.Urgency,
		&wf.Metadata.Reason,
		&wf.Version,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wf.CurrentStep = Step(currentStep)
	wf.Status = WorkflowStatus(status)
	return &wf, nil
}

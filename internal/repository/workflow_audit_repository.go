package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
)

// WorkflowAuditRepository appends and reads immutable workflow audit entries.
type WorkflowAuditRepository struct {
	db *database.DB
}

// NewWorkflowAuditRepository creates a new WorkflowAuditRepository.
func NewWorkflowAuditRepository(db *database.DB) *WorkflowAuditRepository {
	return &WorkflowAuditRepository{db: db}
}

// Append inserts one audit entry. This is the only mutation exposed.
func (r *WorkflowAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	var stepID *string
	if entry.StepID != nil {
		s := string(*entry.StepID)
		stepID = &s
	}

	query := `
		INSERT INTO return_workflow_audit_log
		    (id, workflow_id, step_id,
		     action, performed_by,
		     status_before, status_after,
		     metadata)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7,
		        $8)
		RETURNING performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.WorkflowID,
		stepID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.PerformedAt)
}

// GetByWorkflowID returns all audit entries for a workflow, oldest first.
func (r *WorkflowAuditRepository) GetByWorkflowID(ctx context.Context, workflowID string) ([]*AuditEntry, error) {
	query := `
		SELECT id::text, workflow_id::text, step_id,
		       action, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM return_workflow_audit_log
		WHERE workflow_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *WorkflowAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	entries := []*AuditEntry{}
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowAuditRepository) scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var (
		stepID       *string
		metadataJSON []byte
	)

	err := sc.Scan(
		&entry.ID,
		&entry.WorkflowID,
		&stepID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if stepID != nil {
		s := Step(*stepID)
		entry.StepID = &s
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}

// MemoryAuditRepository is the in-process audit log used with the memory store.
type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries map[string][]*AuditEntry
	now     func() time.Time
}

// NewMemoryAuditRepository creates an empty audit log.
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{entries: make(map[string][]*AuditEntry), now: time.Now}
}

// Append records entry, stamping PerformedAt when unset.
func (r *MemoryAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = r.now()
	}
	stored := *entry

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.WorkflowID] = append(r.entries[entry.WorkflowID], &stored)
	return nil
}

// GetByWorkflowID returns copies of the entries for a workflow in append order.
func (r *MemoryAuditRepository) GetByWorkflowID(ctx context.Context, workflowID string) ([]*AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AuditEntry, 0, len(r.entries[workflowID]))
	for _, e := range r.entries[workflowID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

package service

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
)

// ApproverSource loads the full approver list.
type ApproverSource interface {
	LoadApprovers(ctx context.Context) ([]repository.Approver, error)
}

// ApproverDirectory answers "who may act on step X for department Y".
// It is safe for concurrent use; Load swaps the whole list atomically.
type ApproverDirectory struct {
	source  ApproverSource
	catalog *StepCatalog
	log     *logger.Logger

	mu        sync.RWMutex
	approvers []repository.Approver
	byID      map[string]repository.Approver
}

// NewApproverDirectory creates an empty directory. Call Load before use.
func NewApproverDirectory(source ApproverSource, catalog *StepCatalog, log *logger.Logger) *ApproverDirectory {
	return &ApproverDirectory{
		source:  source,
		catalog: catalog,
		log:     log.With("approver_directory"),
		byID:    map[string]repository.Approver{},
	}
}

// Load replaces the approver list from the source.
//
// A source failure returns a *DirectoryLoadError and keeps the previous list.
// A successful but empty load installs the empty list and returns
// ErrNoApproversConfigured so callers can tell the two cases apart.
func (d *ApproverDirectory) Load(ctx context.Context) error {
	approvers, err := d.source.LoadApprovers(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to load approvers")
		return errors.Wrap(&DirectoryLoadError{Err: err}, errors.ErrCodeUnavailable,
			"승인자 목록을 불러오지 못했습니다")
	}

	byID := make(map[string]repository.Approver, len(approvers))
	for _, a := range approvers {
		byID[a.ID] = a
	}

	d.mu.Lock()
	d.approvers = approvers
	d.byID = byID
	d.mu.Unlock()

	if len(approvers) == 0 {
		d.log.Warn().Msg("Approver directory loaded with no approvers")
		return errors.Wrap(ErrNoApproversConfigured, errors.ErrCodeNotFound, "등록된 승인자가 없습니다")
	}

	d.log.Info().Int("approvers", len(approvers)).Msg("Approver directory loaded")
	return nil
}

// Reload drops any cache in front of the source, then calls Load.
func (d *ApproverDirectory) Reload(ctx context.Context) error {
	if inv, ok := d.source.(interface{ Invalidate(context.Context) error }); ok {
		if err := inv.Invalidate(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Failed to invalidate approver cache")
		}
	}
	return d.Load(ctx)
}

// AssignedApprover returns the first active approver eligible for step in
// department. The bool is false when nobody is available, which is not an error.
func (d *ApproverDirectory) AssignedApprover(step repository.Step, department string) (*repository.Approver, bool) {
	role, ok := d.requiredRole(step)
	if !ok {
		return nil, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, a := range d.approvers {
		if eligible(a, role, department) {
			found := a
			return &found, true
		}
	}
	return nil, false
}

// HasApprovalPermission reports whether approverID may approve or reject step
// for department. It is the only authorization check in the workflow.
func (d *ApproverDirectory) HasApprovalPermission(approverID string, step repository.Step, department string) bool {
	role, ok := d.requiredRole(step)
	if !ok {
		return false
	}

	d.mu.RLock()
	a, found := d.byID[approverID]
	d.mu.RUnlock()

	return found && eligible(a, role, department)
}

// Approver looks up an approver by id.
func (d *ApproverDirectory) Approver(id string) (*repository.Approver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

// Approvers returns a snapshot of the loaded list.
func (d *ApproverDirectory) Approvers() []repository.Approver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]repository.Approver(nil), d.approvers...)
}

func (d *ApproverDirectory) requiredRole(step repository.Step) (repository.Role, bool) {
	def, ok := d.catalog.StepInfo(step)
	if !ok || def.RequiredRole == nil {
		return "", false
	}
	return *def.RequiredRole, true
}

func eligible(a repository.Approver, role repository.Role, department string) bool {
	if !a.Active || a.Role != role {
		return false
	}
	if role == repository.RoleDepartmentManager {
		return a.Department != nil && *a.Department == department
	}
	return true
}

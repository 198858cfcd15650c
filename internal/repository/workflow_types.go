package repository

import "time"

// ── Domain types for the return approval workflow ────────────────────────────

// Step identifies a stage of the return approval path. The set is closed; see
// AllSteps.
type Step string

const (
	StepRequested            Step = "requested"
	StepDeptApproval         Step = "dept_approval"
	StepAssetManagerApproval Step = "asset_manager_approval"
	StepFinalApproval        Step = "final_approval"
	StepApproved             Step = "approved"
	StepReturned             Step = "returned"
	StepRejected             Step = "rejected"
)

// AllSteps lists every step in canonical order.
var AllSteps = []Step{
	StepRequested,
	StepDeptApproval,
	StepAssetManagerApproval,
	StepFinalApproval,
	StepApproved,
	StepReturned,
	StepRejected,
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	switch s {
	case StepRequested, StepDeptApproval, StepAssetManagerApproval, StepFinalApproval,
		StepApproved, StepReturned, StepRejected:
		return true
	}
	return false
}

// Role is an approver role.
type Role string

const (
	RoleDepartmentManager Role = "department_manager"
	RoleAssetManager      Role = "asset_manager"
	RoleFinalApprover     Role = "final_approver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDepartmentManager, RoleAssetManager, RoleFinalApprover:
		return true
	}
	return false
}

// WorkflowStatus is the overall state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowRejected  WorkflowStatus = "rejected"
	WorkflowCompleted WorkflowStatus = "completed"
)

// StepStatus is the state of a single StepRecord.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusCompleted StepStatus = "completed"
	StepStatusRejected  StepStatus = "rejected"
)

// StepAction tags what happened to a StepRecord.
type StepAction string

const (
	ActionSubmitted         StepAction = "submitted"
	ActionAssigned          StepAction = "assigned"
	ActionApproved          StepAction = "approved"
	ActionRejected          StepAction = "rejected"
	ActionWorkflowRejected  StepAction = "workflow_rejected"
	ActionWorkflowCompleted StepAction = "workflow_completed"
)

// Approver is a user who may act on approval steps.
type Approver struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Role       Role    `json:"role"`
	Department *string `json:"department,omitempty"` // required for department_manager only
	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Active     bool    `json:"active"`
}

// WorkflowMetadata is descriptive data copied from the originating request.
type WorkflowMetadata struct {
	AssetName     string `json:"asset_name,omitempty"`
	RequesterName string `json:"requester_name,omitempty"`
	Department    string `json:"department"`
	Urgency       string `json:"urgency"` // low | normal | high | urgent
	Reason        string `json:"reason,omitempty"`
}

// WorkflowInstance is one return/disposal approval case.
type WorkflowInstance struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id"`
	RequestType string           `json:"request_type"` // return | disposal
	AssetID     string           `json:"asset_id"`
	RequesterID string           `json:"requester_id"`
	CurrentStep Step             `json:"current_step"`
	Status      WorkflowStatus   `json:"status"`
	Steps       []*StepRecord    `json:"steps"`
	Metadata    WorkflowMetadata `json:"metadata"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// StepRecord is a workflow's occupancy of one step. Once resolved it is never
// mutated again.
type StepRecord struct {
	ID          string     `json:"id"`
	StepID      Step       `json:"step_id"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	Action      StepAction `json:"action"`
	Comments    string     `json:"comments"`
}

// PendingRecord returns the pending record for CurrentStep, or nil.
func (w *WorkflowInstance) PendingRecord() *StepRecord {
	for i := len(w.Steps) - 1; i >= 0; i-- {
		rec := w.Steps[i]
		if rec.StepID == w.CurrentStep && rec.Status == StepStatusPending {
			return rec
		}
	}
	return nil
}

// Clone returns a deep copy.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	c.Steps = make([]*StepRecord, len(w.Steps))
	for i, rec := range w.Steps {
		r := *rec
		r.CompletedAt = clonePtr(rec.CompletedAt)
		r.AssignedTo = clonePtr(rec.AssignedTo)
		r.CompletedBy = clonePtr(rec.CompletedBy)
		c.Steps[i] = &r
	}
	return &c
}

// WorkflowFilter narrows List results. Nil fields are ignored.
type WorkflowFilter struct {
	Status      *WorkflowStatus
	CurrentStep *Step
	Department  *string
	RequesterID *string
	AssetID     *string
	AssignedTo  *string // matches the pending step's assignee
	Limit       int
	Offset      int
}

// Matches reports whether w satisfies every set field.
func (f WorkflowFilter) Matches(w *WorkflowInstance) bool {
	if f.Status != nil && w.Status != *f.Status {
		return false
	}
	if f.CurrentStep != nil && w.CurrentStep != *f.CurrentStep {
		return false
	}
	if f.Department != nil && w.Metadata.Department != *f.Department {
		return false
	}
	if f.RequesterID != nil && w.RequesterID != *f.RequesterID {
		return false
	}
	if f.AssetID != nil && w.AssetID != *f.AssetID {
		return false
	}
	if f.AssignedTo != nil {
		rec := w.PendingRecord()
		if rec == nil || rec.AssignedTo == nil || *rec.AssignedTo != *f.AssignedTo {
			return false
		}
	}
	return true
}

// AuditEntry is one immutable record in the workflow audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	StepID       *Step          `json:"step_id,omitempty"`
	Action       string         `json:"action"` // submitted | approved | rejected | completed
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

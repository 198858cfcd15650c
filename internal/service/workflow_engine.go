package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
)

// WorkflowStore persists workflow instances. Update must fail with
// ErrVersionConflict when the stored version differs from expectedVersion.
type WorkflowStore interface {
	Create(ctx context.Context, inst *repository.WorkflowInstance) error
	Get(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	Update(ctx context.Context, inst *repository.WorkflowInstance, expectedVersion int64) error
	List(ctx context.Context, filter repository.WorkflowFilter) ([]*repository.WorkflowInstance, error)
}

// AuditLog is the append-only workflow history.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByWorkflowID(ctx context.Context, workflowID string) ([]*repository.AuditEntry, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBulkApprove   = 100
)

var validUrgencies = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

// StartRequest is the originating return or disposal request.
type StartRequest struct {
	RequestID     string `json:"request_id"`
	RequestType   string `json:"request_type"` // return (default) | disposal
	AssetID       string `json:"asset_id"`
	AssetName     string `json:"asset_name"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	Department    string `json:"department"`
	Urgency       string `json:"urgency"`
	Reason        string `json:"reason"`
}

// BulkResult is the outcome of one id in BulkApprove.
type BulkResult struct {
	WorkflowID string                       `json:"workflow_id"`
	Success    bool                         `json:"success"`
	Message    string                       `json:"message,omitempty"`
	Workflow   *repository.WorkflowInstance `json:"workflow,omitempty"`
}

// EngineOption customizes a WorkflowEngine.
type EngineOption func(*WorkflowEngine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *WorkflowEngine) { e.now = now }
}

// WithIDGenerator overrides uuid generation for workflow, step and audit ids.
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *WorkflowEngine) { e.newID = newID }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec *metrics.Recorder) EngineOption {
	return func(e *WorkflowEngine) { e.metrics = rec }
}

// WorkflowEngine owns workflow transitions. Every mutation is written back with
// the version it was read at, so two approvers racing on the same pending step
// cannot both succeed.
type WorkflowEngine struct {
	store      WorkflowStore
	directory  *ApproverDirectory
	catalog    *StepCatalog
	dispatcher *NotificationDispatcher
	audit      AuditLog
	metrics    *metrics.Recorder
	log        *logger.Logger
	now        func() time.Time
	newID      func() string
}

// NewWorkflowEngine creates a new WorkflowEngine.
func NewWorkflowEngine(
	store WorkflowStore,
	directory *ApproverDirectory,
	catalog *StepCatalog,
	dispatcher *NotificationDispatcher,
	audit AuditLog,
	log *logger.Logger,
	opts ...EngineOption,
) *WorkflowEngine {
	e := &WorkflowEngine{
		store:      store,
		directory:  directory,
		catalog:    catalog,
		dispatcher: dispatcher,
		audit:      audit,
		metrics:    metrics.Nop(),
		log:        log.With("workflow_engine"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the step catalog the engine runs on.
func (e *WorkflowEngine) Catalog() *StepCatalog {
	return e.catalog
}

// ── Start ─────────────────────────────────────────────────────────────────────

// StartWorkflow creates an instance, auto-completes the requested step and
// advances to the first approval step.
func (e *WorkflowEngine) StartWorkflow(ctx context.Context, req StartRequest) (*repository.WorkflowInstance, error) {
	start := time.Now()
	defer e.metrics.Timing("start", start)

	if err := validateStartRequest(&req); err != nil {
		return nil, err
	}

	now := e.now()
	inst := &repository.WorkflowInstance{
		ID:          e.newID(),
		RequestID:   req.RequestID,
		RequestType: req.RequestType,
		AssetID:     req.AssetID,
		RequesterID: req.RequesterID,
		CurrentStep: repository.StepRequested,
		Status:      repository.WorkflowActive,
		Metadata: repository.WorkflowMetadata{
			AssetName:     req.AssetName,
			RequesterName: req.RequesterName,
			Department:    req.Department,
			Urgency:       req.Urgency,
			Reason:        req.Reason,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if inst.RequestID == "" {
		inst.RequestID = inst.ID
	}

	requester := req.RequesterID
	completedAt := now
	inst.Steps = append(inst.Steps, &repository.StepRecord{
		ID:          e.newID(),
		StepID:      repository.StepRequested,
		Status:      repository.StepStatusCompleted,
		StartedAt:   now,
		CompletedAt: &completedAt,
		CompletedBy: &requester,
		Action:      repository.ActionSubmitted,
		Comments:    req.Reason,
	})

	if err := e.moveToNextStep(inst); err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, inst); err != nil {
		e.metrics.Incr(metrics.WorkflowFailed, "operation:start")
		return nil, err
	}

	e.appendAudit(ctx, inst, repository.StepRequested, NotifySubmitted, req.RequesterID,
		"", repository.WorkflowActive, map[string]any{
			"asset_id":     inst.AssetID,
			"request_type": inst.RequestType,
			"urgency":      inst.Metadata.Urgency,
		})
	e.metrics.Incr(metrics.WorkflowStarted, "department:"+req.Department)

	e.log.Info().
		Str("workflow_id", inst.ID).
		Str("asset_id", inst.AssetID).
		Str("requester_id", inst.RequesterID).
		Str("current_step", string(inst.CurrentStep)).
		Msg("Return workflow started")

	e.dispatcher.Dispatch(ctx, inst, NotifySubmitted, req.RequesterID)
	return inst, nil
}

func validateStartRequest(req *StartRequest) error {
	req.AssetID = strings.TrimSpace(req.AssetID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.Department = strings.TrimSpace(req.Department)

	if req.AssetID == "" {
		return errors.InvalidInput("asset_id", "자산 ID는 필수입니다")
	}
	if req.RequesterID == "" {
		return errors.InvalidInput("requester_id", "요청자 ID는 필수입니다")
	}
	if req.Department == "" {
		return errors.InvalidInput("department", "부서는 필수입니다")
	}

	switch req.RequestType {
	case "":
		req.RequestType = "return"
	case "return", "disposal":
	default:
		return errors.InvalidInput("request_type", "요청 유형은 return 또는 disposal 이어야 합니다")
	}

	if req.Urgency == "" {
		req.Urgency = "normal"
	}
	if !validUrgencies[req.Urgency] {
		return errors.InvalidInput("urgency", "긴급도는 low, normal, high, urgent 중 하나여야 합니다")
	}
	return nil
}

// moveToNextStep advances inst to the first listed next step of its current
// step and opens a pending record assigned through the directory. Branching is
// not supported.
func (e *WorkflowEngine) moveToNextStep(inst *repository.WorkflowInstance) error {
	def, ok := e.catalog.StepInfo(inst.CurrentStep)
	if !ok {
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("unknown workflow step %q", inst.CurrentStep))
	}
	if len(def.NextSteps) == 0 {
		return errors.Wrap(ErrTerminalState, errors.ErrCodeConflict,
			fmt.Sprintf("'%s' 단계 이후로 진행할 단계가 없습니다", def.Name))
	}

	next := def.NextSteps[0]
	now := e.now()
	rec := &repository.StepRecord{
		ID:        e.newID(),
		StepID:    next,
		Status:    repository.StepStatusPending,
		StartedAt: now,
		Action:    repository.ActionAssigned,
	}
	if a, ok := e.directory.AssignedApprover(next, inst.Metadata.Department); ok {
		rec.AssignedTo = &a.ID
	} else {
		e.log.Warn().
			Str("workflow_id", inst.ID).
			Str("step", string(next)).
			Str("department", inst.Metadata.Department).
			Msg("No approver available for step; leaving unassigned")
	}

	inst.CurrentStep = next
	inst.Steps = append(inst.Steps, rec)
	inst.UpdatedAt = now
	return nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// ApproveStep completes the pending record of the current step and advances the
// workflow. Approving the last step completes the workflow.
func (e *WorkflowEngine) ApproveStep(ctx context.Context, workflowID, approverID, comments string) (*repository.WorkflowInstance, error) {
	start := time.Now()
	defer e.metrics.Timing("approve", start)

	inst, rec, err := e.loadForAction(ctx, workflowID, approverID)
	if err != nil {
		return nil, err
	}

	expected := inst.Version
	stepBefore := inst.CurrentStep
	def, _ := e.catalog.StepInfo(stepBefore)

	now := e.now()
	rec.Status = repository.StepStatusCompleted
	rec.CompletedAt = &now
	rec.CompletedBy = &approverID
	rec.Action = repository.ActionApproved
	rec.Comments = comments

	action := NotifyApproved
	if len(def.NextSteps) > 0 {
		if err := e.moveToNextStep(inst); err != nil {
			return nil, err
		}
	} else {
		rec.Action = repository.ActionWorkflowCompleted
		inst.Status = repository.WorkflowCompleted
		action = NotifyCompleted
	}
	inst.UpdatedAt = now

	if err := e.save(ctx, inst, expected, "approve"); err != nil {
		return nil, err
	}

	e.appendAudit(ctx, inst, stepBefore, NotifyApproved, approverID,
		repository.WorkflowActive, inst.Status, map[string]any{
			"comments":  comments,
			"next_step": string(inst.CurrentStep),
		})
	e.metrics.Incr(metrics.WorkflowApproved, "step:"+string(stepBefore))
	if inst.Status == repository.WorkflowCompleted {
		e.metrics.Incr(metrics.WorkflowCompleted)
	}

	e.log.Info().
		Str("workflow_id", inst.ID).
		Str("approver_id", approverID).
		Str("step", string(stepBefore)).
		Str("current_step", string(inst.CurrentStep)).
		Str("status", string(inst.Status)).
		Msg("Workflow step approved")

	e.dispatcher.Dispatch(ctx, inst, action, approverID)
	return inst, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// RejectStep rejects the current step and ends the workflow. Only steps that
// list rejected as a next step can be rejected. Resubmission is a new
// StartWorkflow call.
func (e *WorkflowEngine) RejectStep(ctx context.Context, workflowID, approverID, reason string) (*repository.WorkflowInstance, error) {
	start := time.Now()
	defer e.metrics.Timing("reject", start)

	inst, rec, err := e.loadForAction(ctx, workflowID, approverID)
	if err != nil {
		return nil, err
	}
	if !e.catalog.CanReject(inst.CurrentStep) {
		return nil, errors.Wrap(ErrRejectNotAllowed, errors.ErrCodeConflict,
			"현재 단계에서는 반려할 수 없습니다")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "반려 사유를 입력해주세요")
	}

	expected := inst.Version
	stepBefore := inst.CurrentStep

	now := e.now()
	rec.Status = repository.StepStatusRejected
	rec.CompletedAt = &now
	rec.CompletedBy = &approverID
	rec.Action = repository.ActionRejected
	rec.Comments = reason

	terminalAt := now
	inst.Steps = append(inst.Steps, &repository.StepRecord{
		ID:          e.newID(),
		StepID:      repository.StepRejected,
		Status:      repository.StepStatusRejected,
		StartedAt:   now,
		CompletedAt: &terminalAt,
		CompletedBy: &approverID,
		Action:      repository.ActionWorkflowRejected,
		Comments:    reason,
	})
	inst.CurrentStep = repository.StepRejected
	inst.Status = repository.WorkflowRejected
	inst.UpdatedAt = now

	if err := e.save(ctx, inst, expected, "reject"); err != nil {
		return nil, err
	}

	e.appendAudit(ctx, inst, stepBefore, NotifyRejected, approverID,
		repository.WorkflowActive, repository.WorkflowRejected, map[string]any{"reason": reason})
	e.metrics.Incr(metrics.WorkflowRejected, "step:"+string(stepBefore))

	e.log.Info().
		Str("workflow_id", inst.ID).
		Str("approver_id", approverID).
		Str("step", string(stepBefore)).
		Msg("Workflow rejected")

	e.dispatcher.Dispatch(ctx, inst, NotifyRejected, approverID)
	return inst, nil
}

// ── Bulk ──────────────────────────────────────────────────────────────────────

// BulkApprove approves each workflow in order. A failure is reported in that
// id's result and does not stop the rest.
func (e *WorkflowEngine) BulkApprove(ctx context.Context, workflowIDs []string, approverID, comments string) ([]BulkResult, error) {
	if len(workflowIDs) == 0 {
		return nil, errors.InvalidInput("workflow_ids", "승인할 결재 건을 선택해주세요")
	}
	if len(workflowIDs) > maxBulkApprove {
		return nil, errors.InvalidInput("workflow_ids",
			fmt.Sprintf("한 번에 최대 %d건까지 승인할 수 있습니다", maxBulkApprove))
	}

	results := make([]BulkResult, 0, len(workflowIDs))
	for _, id := range workflowIDs {
		if err := ctx.Err(); err != nil {
			results = append(results, BulkResult{WorkflowID: id, Message: "요청이 취소되었습니다"})
			continue
		}
		inst, err := e.ApproveStep(ctx, id, approverID, comments)
		if err != nil {
			results = append(results, BulkResult{WorkflowID: id, Message: UserMessage(err)})
			continue
		}
		results = append(results, BulkResult{WorkflowID: id, Success: true, Workflow: inst})
	}
	return results, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetWorkflow returns an instance by id.
func (e *WorkflowEngine) GetWorkflow(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	return e.store.Get(ctx, id)
}

// ListWorkflows returns instances matching filter. Limit defaults to 50 and is
// capped at 200.
func (e *WorkflowEngine) ListWorkflows(ctx context.Context, filter repository.WorkflowFilter) ([]*repository.WorkflowInstance, error) {
	if filter.Status != nil {
		switch *filter.Status {
		case repository.WorkflowActive, repository.WorkflowRejected, repository.WorkflowCompleted:
		default:
			return nil, errors.InvalidInput("status", "알 수 없는 진행 상태입니다")
		}
	}
	if filter.CurrentStep != nil && !filter.CurrentStep.Valid() {
		return nil, errors.InvalidInput("current_step", "알 수 없는 결재 단계입니다")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.store.List(ctx, filter)
}

// PendingForApprover returns active workflows whose pending step is assigned to
// approverID.
func (e *WorkflowEngine) PendingForApprover(ctx context.Context, approverID string) ([]*repository.WorkflowInstance, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "승인자 ID는 필수입니다")
	}
	active := repository.WorkflowActive
	return e.ListWorkflows(ctx, repository.WorkflowFilter{
		Status:     &active,
		AssignedTo: &approverID,
		Limit:      maxListLimit,
	})
}

// History returns the audit trail of a workflow.
func (e *WorkflowEngine) History(ctx context.Context, workflowID string) ([]*repository.AuditEntry, error) {
	if _, err := e.store.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.audit.GetByWorkflowID(ctx, workflowID)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// loadForAction runs the guards shared by approve and reject: the instance
// exists, its current step has a pending record, and the approver may act.
func (e *WorkflowEngine) loadForAction(ctx context.Context, workflowID, approverID string) (*repository.WorkflowInstance, *repository.StepRecord, error) {
	inst, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	rec := inst.PendingRecord()
	if rec == nil {
		return nil, nil, errors.Wrap(ErrNoPendingStep, errors.ErrCodeConflict,
			"처리 대기 중인 결재 단계가 없습니다")
	}

	if !e.directory.HasApprovalPermission(approverID, inst.CurrentStep, inst.Metadata.Department) {
		e.log.Warn().
			Str("workflow_id", inst.ID).
			Str("approver_id", approverID).
			Str("step", string(inst.CurrentStep)).
			Msg("Approval permission denied")
		return nil, nil, errors.Wrap(ErrPermissionDenied, errors.ErrCodeForbidden,
			"해당 단계의 결재 권한이 없습니다")
	}
	return inst, rec, nil
}

func (e *WorkflowEngine) save(ctx context.Context, inst *repository.WorkflowInstance, expected int64, operation string) error {
	err := e.store.Update(ctx, inst, expected)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVersionConflict) {
		e.metrics.Incr(metrics.WorkflowConflict, "operation:"+operation)
		e.log.Warn().
			Str("workflow_id", inst.ID).
			Int64("expected_version", expected).
			Msg("Concurrent workflow update detected")
		return err
	}
	e.metrics.Incr(metrics.WorkflowFailed, "operation:"+operation)
	return err
}

// appendAudit writes an audit entry. Failures are logged but not returned.
func (e *WorkflowEngine) appendAudit(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	step repository.Step,
	action, performedBy string,
	before, after repository.WorkflowStatus,
	meta map[string]any,
) {
	entry := &repository.AuditEntry{
		ID:          e.newID(),
		WorkflowID:  inst.ID,
		StepID:      &step,
		Action:      action,
		PerformedBy: performedBy,
		PerformedAt: e.now(),
		Metadata:    meta,
	}
	entry.StatusBefore = statusString(before)
	entry.StatusAfter = statusString(after)

	if err := e.audit.Append(ctx, entry); err != nil {
		e.log.Error().Err(err).
			Str("workflow_id", inst.ID).
			Str("action", action).
			Msg("Failed to write workflow audit entry")
	}
}

func statusString(s repository.WorkflowStatus) *string {
	if s == "" {
		return nil
	}
	str := string(s)
	return &str
}

// UserMessage returns the user-facing message carried by err.
func UserMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "요청을 처리하지 못했습니다. 잠시 후 다시 시도해주세요"
}

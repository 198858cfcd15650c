package service

import (
	"math"

	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
)

// Status badges shown next to a workflow.
const (
	BadgeInProgress = "진행중"
	BadgeRejected   = "반려"
	BadgeCompleted  = "완료"
)

// StatusView is the read projection of a workflow instance.
type StatusView struct {
	WorkflowID       string                    `json:"workflow_id"`
	CurrentStep      repository.Step           `json:"current_step"`
	StepName         string                    `json:"step_name"`
	StepDescription  string                    `json:"step_description"`
	Status           repository.WorkflowStatus `json:"status"`
	Badge            string                    `json:"badge"`
	CanEdit          bool                      `json:"can_edit"`
	CanCancel        bool                      `json:"can_cancel"`
	Progress         int                       `json:"progress"`
	AssignedApprover *repository.Approver      `json:"assigned_approver,omitempty"`
	TotalSteps       int                       `json:"total_steps"`
	CompletedSteps   int                       `json:"completed_steps"`
	RejectedSteps    int                       `json:"rejected_steps"`
}

// WorkflowStatus projects inst for display. It has no side effects.
//
// Progress counts completed records on the canonical path against the
// catalog's progress denominator, so a rejected workflow keeps the progress it
// had when it was rejected. The result is capped at 100.
func (e *WorkflowEngine) WorkflowStatus(inst *repository.WorkflowInstance) StatusView {
	def, _ := e.catalog.StepInfo(inst.CurrentStep)

	view := StatusView{
		WorkflowID:      inst.ID,
		CurrentStep:     inst.CurrentStep,
		StepName:        def.Name,
		StepDescription: def.Description,
		Status:          inst.Status,
		Badge:           badgeFor(inst.Status),
		CanEdit:         def.CanEdit,
		CanCancel:       def.CanCancel,
		TotalSteps:      len(inst.Steps),
	}

	onPath := make(map[repository.Step]bool)
	for _, step := range e.catalog.CanonicalPath() {
		onPath[step] = true
	}

	pathCompleted := 0
	for _, rec := range inst.Steps {
		switch rec.Status {
		case repository.StepStatusCompleted:
			view.CompletedSteps++
			if onPath[rec.StepID] {
				pathCompleted++
			}
		case repository.StepStatusRejected:
			view.RejectedSteps++
		}
	}
	view.Progress = progressPercent(pathCompleted, e.catalog.ProgressDenominator())

	if rec := inst.PendingRecord(); rec != nil && rec.AssignedTo != nil {
		if a, ok := e.directory.Approver(*rec.AssignedTo); ok {
			view.AssignedApprover = a
		} else {
			view.AssignedApprover = &repository.Approver{ID: *rec.AssignedTo}
		}
	}
	return view
}

func progressPercent(completed, denominator int) int {
	if denominator <= 0 {
		return 0
	}
	p := int(math.Round(float64(completed) * 100 / float64(denominator)))
	return min(p, 100)
}

func badgeFor(status repository.WorkflowStatus) string {
	switch status {
	case repository.WorkflowRejected:
		return BadgeRejected
	case repository.WorkflowCompleted:
		return BadgeCompleted
	default:
		return BadgeInProgress
	}
}

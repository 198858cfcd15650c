package service

import "github.com/pesio-ai/be-ops-return-workflows/internal/repository"

// StepDefinition describes one step of the approval path.
type StepDefinition struct {
	ID           repository.Step   `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	NextSteps    []repository.Step `json:"next_steps"`
	CanEdit      bool              `json:"can_edit"`
	CanCancel    bool              `json:"can_cancel"`
	RequiredRole *repository.Role  `json:"required_role,omitempty"` // nil for requested and rejected
}

// StepCatalog is the read-only table of step definitions.
type StepCatalog struct {
	defs  map[repository.Step]StepDefinition
	order []repository.Step
	path  []repository.Step
}

// NewStepCatalog builds the catalog for every step in repository.AllSteps.
func NewStepCatalog() *StepCatalog {
	c := &StepCatalog{defs: make(map[repository.Step]StepDefinition, len(repository.AllSteps))}
	for _, step := range repository.AllSteps {
		def, ok := definitionFor(step)
		if !ok {
			panic("step catalog: missing definition for " + string(step))
		}
		c.defs[step] = def
		c.order = append(c.order, step)
	}
	c.path = c.walkCanonicalPath()
	return c
}

// StepInfo returns the definition for step.
func (c *StepCatalog) StepInfo(step repository.Step) (StepDefinition, bool) {
	def, ok := c.defs[step]
	return def, ok
}

// Steps returns all definitions in canonical order.
func (c *StepCatalog) Steps() []StepDefinition {
	out := make([]StepDefinition, 0, len(c.order))
	for _, step := range c.order {
		out = append(out, c.defs[step])
	}
	return out
}

// CanReject reports whether step lists rejected among its next steps.
func (c *StepCatalog) CanReject(step repository.Step) bool {
	for _, next := range c.defs[step].NextSteps {
		if next == repository.StepRejected {
			return true
		}
	}
	return false
}

// CanonicalPath returns the linear path from requested to the terminal step,
// following the first next step of each definition.
func (c *StepCatalog) CanonicalPath() []repository.Step {
	return append([]repository.Step(nil), c.path...)
}

// ProgressDenominator is the number of steps after the initial one on the
// canonical path.
func (c *StepCatalog) ProgressDenominator() int {
	return len(c.path) - 1
}

func (c *StepCatalog) walkCanonicalPath() []repository.Step {
	path := []repository.Step{repository.StepRequested}
	seen := map[repository.Step]bool{repository.StepRequested: true}
	for cur := repository.StepRequested; ; {
		next := c.defs[cur].NextSteps
		if len(next) == 0 || seen[next[0]] {
			return path
		}
		cur = next[0]
		seen[cur] = true
		path = append(path, cur)
	}
}

// definitionFor must handle every repository.Step; NewStepCatalog panics on a
// step without a definition.
func definitionFor(step repository.Step) (StepDefinition, bool) {
	switch step {
	case repository.StepRequested:
		return StepDefinition{
			ID:          step,
			Name:        "반납 요청",
			Description: "자산 반납/폐기 요청이 접수되었습니다",
			NextSteps:   []repository.Step{repository.StepDeptApproval},
			CanEdit:     true,
			CanCancel:   true,
		}, true
	case repository.StepDeptApproval:
		return StepDefinition{
			ID:           step,
			Name:         "부서장 승인",
			Description:  "요청 부서장의 승인을 기다리고 있습니다",
			NextSteps:    []repository.Step{repository.StepAssetManagerApproval, repository.StepRejected},
			CanCancel:    true,
			RequiredRole: rolePtr(repository.RoleDepartmentManager),
		}, true
	case repository.StepAssetManagerApproval:
		return StepDefinition{
			ID:           step,
			Name:         "자산관리자 승인",
			Description:  "자산관리자의 검토 및 승인을 기다리고 있습니다",
			NextSteps:    []repository.Step{repository.StepFinalApproval, repository.StepRejected},
			CanCancel:    true,
			RequiredRole: rolePtr(repository.RoleAssetManager),
		}, true
	case repository.StepFinalApproval:
		return StepDefinition{
			ID:           step,
			Name:         "최종 승인",
			Description:  "최종 승인권자의 결재를 기다리고 있습니다",
			NextSteps:    []repository.Step{repository.StepApproved, repository.StepRejected},
			RequiredRole: rolePtr(repository.RoleFinalApprover),
		}, true
	case repository.StepApproved:
		return StepDefinition{
			ID:           step,
			Name:         "승인 완료",
			Description:  "승인이 완료되어 자산 반납 처리를 기다리고 있습니다",
			NextSteps:    []repository.Step{repository.StepReturned},
			RequiredRole: rolePtr(repository.RoleAssetManager),
		}, true
	case repository.StepReturned:
		return StepDefinition{
			ID:           step,
			Name:         "반납 완료",
			Description:  "자산 입고 확인 후 반납이 완료됩니다",
			NextSteps:    nil,
			RequiredRole: rolePtr(repository.RoleAssetManager),
		}, true
	case repository.StepRejected:
		return StepDefinition{
			ID:          step,
			Name:        "반려",
			Description: "요청이 반려되었습니다. 내용을 수정하여 다시 요청할 수 있습니다",
			NextSteps:   []repository.Step{repository.StepRequested},
			CanEdit:     true,
		}, true
	}
	return StepDefinition{}, false
}

func rolePtr(r repository.Role) *repository.Role {
	return &r
}

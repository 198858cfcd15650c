package service

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/pesio-ai/be-ops-return-workflows/internal/client"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
)

const (
	deptDev  = "개발팀"
	deptSale = "영업팀"
)

func strPtr(s string) *string { return &s }

func testApprovers() []repository.Approver {
	return []repository.Approver{
		{ID: "dm-dev", Name: "김부장", Role: repository.RoleDepartmentManager, Department: strPtr(deptDev), Active: true},
		{ID: "dm-sales", Name: "박부장", Role: repository.RoleDepartmentManager, Department: strPtr(deptSale), Active: true},
		{ID: "am-retired", Name: "최과장", Role: repository.RoleAssetManager, Active: false},
		{ID: "am-1", Name: "이과장", Role: repository.RoleAssetManager, Active: true},
		{ID: "fa-1", Name: "정이사", Role: repository.RoleFinalApprover, Active: true},
	}
}

// mockApproverSource is a testify mock of ApproverSource.
type mockApproverSource struct {
	mock.Mock
}

func (m *mockApproverSource) LoadApprovers(ctx context.Context) ([]repository.Approver, error) {
	args := m.Called(ctx)
	approvers, _ := args.Get(0).([]repository.Approver)
	return approvers, args.Error(1)
}

// recordingPublisher captures published notifications.
type recordingPublisher struct {
	sent []*client.Notification
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, n *client.Notification) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPublisher) types() []string {
	out := make([]string, 0, len(p.sent))
	for _, n := range p.sent {
		out = append(out, n.Type)
	}
	return out
}

// fixedClock returns a clock that advances one minute per call.
func fixedClock() func() time.Time {
	t := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

// sequentialIDs returns deterministic ids id-0001, id-0002, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}

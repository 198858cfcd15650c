package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"

	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/testutil"
)

type PostgresRepositoryIntegrationTestSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *database.DB
	workflows *PostgresWorkflowRepository
	approvers *ApproverRepository
	audit     *WorkflowAuditRepository
	ctx       context.Context
}

func TestPostgresRepositoryIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(PostgresRepositoryIntegrationTestSuite))
}

func (suite *PostgresRepositoryIntegrationTestSuite) SetupSuite() {
	suite.ctx = context.Background()
	suite.container, suite.db = testutil.SetupTestDatabase(suite.T(), suite.ctx)
	suite.workflows = NewPostgresWorkflowRepository(suite.db)
	suite.approvers = NewApproverRepository(suite.db)
	suite.audit = NewWorkflowAuditRepository(suite.db)
}

func (suite *PostgresRepositoryIntegrationTestSuite) TearDownSuite() {
	testutil.CleanupTestDatabase(suite.T(), suite.ctx, suite.container, suite.db)
}

func (suite *PostgresRepositoryIntegrationTestSuite) SetupTest() {
	testutil.TruncateTables(suite.T(), suite.ctx, suite.db)
}

func (suite *PostgresRepositoryIntegrationTestSuite) createTestWorkflow(createdAt time.Time) *WorkflowInstance {
	id := uuid.NewString()
	assignee := "dm-dev"
	submitter := "U1"
	created := createdAt.UTC().Truncate(time.Microsecond)
	wf := &WorkflowInstance{
		ID:          id,
		RequestID:   "REQ-" + id[:8],
		RequestType: "return",
		AssetID:     "A1",
		RequesterID: "U1",
		CurrentStep: StepDeptApproval,
		Status:      WorkflowActive,
		Steps: []*StepRecord{
			{ID: uuid.NewString(), StepID: StepRequested, Status: StepStatusCompleted, StartedAt: created,
				CompletedAt: &created, CompletedBy: &submitter, Action: ActionSubmitted, Comments: "교체"},
			{ID: uuid.NewString(), StepID: StepDeptApproval, Status: StepStatusPending, StartedAt: created,
				AssignedTo: &assignee, Action: ActionAssigned},
		},
		Metadata:  WorkflowMetadata{AssetName: "노트북", Department: "개발팀", Urgency: "normal", Reason: "교체"},
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(suite.T(), suite.workflows.Create(suite.ctx, wf))
	return wf
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestCreateAndGet() {
	wf := suite.createTestWorkflow(time.Now())
	assert.EqualValues(suite.T(), 1, wf.Version)

	got, err := suite.workflows.Get(suite.ctx, wf.ID)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), wf.ID, got.ID)
	assert.Equal(suite.T(), StepDeptApproval, got.CurrentStep)
	assert.Equal(suite.T(), WorkflowActive, got.Status)
	assert.Equal(suite.T(), "노트북", got.Metadata.AssetName)
	require.Len(suite.T(), got.Steps, 2)
	assert.Equal(suite.T(), StepRequested, got.Steps[0].StepID)
	assert.Equal(suite.T(), "교체", got.Steps[0].Comments)
	require.NotNil(suite.T(), got.Steps[1].AssignedTo)
	assert.Equal(suite.T(), "dm-dev", *got.Steps[1].AssignedTo)
	assert.Nil(suite.T(), got.Steps[1].CompletedAt)
	assert.True(suite.T(), wf.CreatedAt.Equal(got.CreatedAt))
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestGetMissing() {
	_, err := suite.workflows.Get(suite.ctx, uuid.NewString())
	assert.ErrorIs(suite.T(), err, ErrWorkflowNotFound)

	_, err = suite.workflows.Get(suite.ctx, "not-a-uuid")
	assert.ErrorIs(suite.T(), err, ErrWorkflowNotFound)
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestUpdateVersioning() {
	wf := suite.createTestWorkflow(time.Now())

	now := time.Now().UTC().Truncate(time.Microsecond)
	approver := "dm-dev"
	wf.Steps[1].Status = StepStatusCompleted
	wf.Steps[1].CompletedAt = &now
	wf.Steps[1].CompletedBy = &approver
	wf.Steps[1].Action = ActionApproved
	wf.Steps = append(wf.Steps, &StepRecord{
		ID: uuid.NewString(), StepID: StepAssetManagerApproval, Status: StepStatusPending,
		StartedAt: now, Action: ActionAssigned,
	})
	wf.CurrentStep = StepAssetManagerApproval
	wf.UpdatedAt = now

	require.NoError(suite.T(), suite.workflows.Update(suite.ctx, wf, 1))
	assert.EqualValues(suite.T(), 2, wf.Version)

	got, err := suite.workflows.Get(suite.ctx, wf.ID)
	require.NoError(suite.T(), err)
	assert.EqualValues(suite.T(), 2, got.Version)
	assert.Equal(suite.T(), StepAssetManagerApproval, got.CurrentStep)
	require.Len(suite.T(), got.Steps, 3)
	assert.Equal(suite.T(), StepStatusCompleted, got.Steps[1].Status)
	assert.Equal(suite.T(), "dm-dev", *got.Steps[1].CompletedBy)

	stale := got.Clone()
	stale.Status = WorkflowRejected
	err = suite.workflows.Update(suite.ctx, stale, 1)
	assert.ErrorIs(suite.T(), err, ErrVersionConflict)
	assert.Equal(suite.T(), errors.ErrCodeConflict, errors.CodeOf(err))

	missing := got.Clone()
	missing.ID = uuid.NewString()
	err = suite.workflows.Update(suite.ctx, missing, 2)
	assert.ErrorIs(suite.T(), err, ErrWorkflowNotFound)
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestResolvedRecordsAreNotRewritten() {
	wf := suite.createTestWorkflow(time.Now())

	tampered := wf.Clone()
	tampered.Steps[0].Comments = "changed"
	require.NoError(suite.T(), suite.workflows.Update(suite.ctx, tampered, 1))

	got, err := suite.workflows.Get(suite.ctx, wf.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "교체", got.Steps[0].Comments)
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestList() {
	base := time.Now().Add(-time.Hour)
	first := suite.createTestWorkflow(base)
	second := suite.createTestWorkflow(base.Add(time.Minute))

	sales := suite.createTestWorkflow(base.Add(2 * time.Minute))
	sales.Metadata.Department = "영업팀"
	_, err := suite.db.Exec(suite.ctx, `UPDATE return_workflows SET department = '영업팀' WHERE id = $1`, sales.ID)
	require.NoError(suite.T(), err)

	all, err := suite.workflows.List(suite.ctx, WorkflowFilter{})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), all, 3)
	assert.Equal(suite.T(), sales.ID, all[0].ID)
	assert.Equal(suite.T(), first.ID, all[2].ID)

	dept := "개발팀"
	dev, err := suite.workflows.List(suite.ctx, WorkflowFilter{Department: &dept})
	require.NoError(suite.T(), err)
	assert.Len(suite.T(), dev, 2)

	assignee := "dm-dev"
	pending, err := suite.workflows.List(suite.ctx, WorkflowFilter{AssignedTo: &assignee, Limit: 1, Offset: 1})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), pending, 1)
	assert.Equal(suite.T(), second.ID, pending[0].ID)
	assert.Len(suite.T(), pending[0].Steps, 2)

	rejected := WorkflowRejected
	none, err := suite.workflows.List(suite.ctx, WorkflowFilter{Status: &rejected})
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), none)
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestApprovers() {
	dev := "개발팀"
	require.NoError(suite.T(), suite.approvers.Upsert(suite.ctx, &Approver{
		ID: "dm-dev", Name: "김부장", Role: RoleDepartmentManager, Department: &dev, Active: true,
	}))
	require.NoError(suite.T(), suite.approvers.Upsert(suite.ctx, &Approver{
		ID: "am-1", Name: "이과장", Role: RoleAssetManager, Email: "am@example.com", Active: true,
	}))

	err := suite.approvers.Upsert(suite.ctx, &Approver{ID: "dm-x", Name: "x", Role: RoleDepartmentManager})
	assert.Equal(suite.T(), errors.ErrCodeInvalidInput, errors.CodeOf(err))

	require.NoError(suite.T(), suite.approvers.SetActive(suite.ctx, "am-1", false))

	list, err := suite.approvers.LoadApprovers(suite.ctx)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), list, 2)
	assert.Equal(suite.T(), "am-1", list[0].ID)
	assert.False(suite.T(), list[0].Active)
	assert.Equal(suite.T(), "am@example.com", list[0].Email)
	require.NotNil(suite.T(), list[1].Department)
	assert.Equal(suite.T(), dev, *list[1].Department)

	err = suite.approvers.SetActive(suite.ctx, "ghost", true)
	assert.Equal(suite.T(), errors.ErrCodeNotFound, errors.CodeOf(err))
}

func (suite *PostgresRepositoryIntegrationTestSuite) TestAuditLog() {
	wf := suite.createTestWorkflow(time.Now())
	step := StepDeptApproval
	before, after := "active", "rejected"

	require.NoError(suite.T(), suite.audit.Append(suite.ctx, &AuditEntry{
		ID: uuid.NewString(), WorkflowID: wf.ID, Action: "submitted", PerformedBy: "U1",
	}))
	require.NoError(suite.T(), suite.audit.Append(suite.ctx, &AuditEntry{
		ID: uuid.NewString(), WorkflowID: wf.ID, StepID: &step, Action: "rejected", PerformedBy: "dm-dev",
		StatusBefore: &before, StatusAfter: &after,
		Metadata: map[string]any{"reason": "사양 불일치"},
	}))

	entries, err := suite.audit.GetByWorkflowID(suite.ctx, wf.ID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), entries, 2)
	assert.Nil(suite.T(), entries[0].StepID)
	assert.False(suite.T(), entries[0].PerformedAt.IsZero())
	assert.Equal(suite.T(), StepDeptApproval, *entries[1].StepID)
	assert.Equal(suite.T(), "사양 불일치", entries[1].Metadata["reason"])
	assert.Equal(suite.T(), "rejected", *entries[1].StatusAfter)
}

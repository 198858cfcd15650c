package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/pesio-ai/be-ops-return-workflows/internal/client"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
	"github.com/pesio-ai/be-ops-return-workflows/internal/service"
)

func strPtr(s string) *string { return &s }

func testApprovers() []repository.Approver {
	return []repository.Approver{
		{ID: "dm-dev", Name: "김부장", Role: repository.RoleDepartmentManager, Department: strPtr("개발팀"), Active: true},
		{ID: "am-1", Name: "이과장", Role: repository.RoleAssetManager, Active: true},
		{ID: "fa-1", Name: "정이사", Role: repository.RoleFinalApprover, Active: true},
	}
}

// newTestEngine wires an in-memory engine with notifications disabled.
func newTestEngine(t *testing.T) (*service.WorkflowEngine, *service.ApproverDirectory) {
	t.Helper()
	return newTestEngineWithSource(t, repository.NewStaticApproverSource(testApprovers()))
}

func newTestEngineWithSource(t *testing.T, source service.ApproverSource) (*service.WorkflowEngine, *service.ApproverDirectory) {
	t.Helper()
	catalog := service.NewStepCatalog()
	directory := service.NewApproverDirectory(source, catalog, logger.Nop())
	if err := directory.Load(context.Background()); err != nil {
		t.Fatalf("load approvers: %v", err)
	}
	dispatcher := service.NewNotificationDispatcher(
		client.NewNotificationPublisher(nil, logger.Nop()), directory, catalog, nil, logger.Nop())
	engine := service.NewWorkflowEngine(repository.NewMemoryWorkflowRepository(), directory, catalog,
		dispatcher, repository.NewMemoryAuditRepository(), logger.Nop())
	return engine, directory
}

type HTTPHandlerTestSuite struct {
	suite.Suite
	router *gin.Engine
}

func TestHTTPHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HTTPHandlerTestSuite))
}

func (s *HTTPHandlerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	engine, directory := newTestEngine(s.T())
	h := NewHTTPHandler(engine, directory, logger.Nop())
	s.router = NewRouter(h, logger.Nop(), metrics.Nop(), []string{"*"})
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (s *HTTPHandlerTestSuite) do(method, path, userID string, body any) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}

	recorder := httptest.NewRecorder()
	s.router.ServeHTTP(recorder, req)

	var env envelope
	s.Require().NoError(json.Unmarshal(recorder.Body.Bytes(), &env), recorder.Body.String())
	return recorder, env
}

func (s *HTTPHandlerTestSuite) startWorkflow() WorkflowView {
	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/start", "U1",
		map[string]any{"asset_id": "A1", "asset_name": "노트북", "department": "개발팀"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Require().True(env.Success)

	var view WorkflowView
	s.Require().NoError(json.Unmarshal(env.Data, &view))
	return view
}

func (s *HTTPHandlerTestSuite) TestHealth() {
	rec, env := s.do(http.MethodGet, "/health", "", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.True(env.Success)
	s.NotEmpty(rec.Header().Get(HeaderRequestID))
}

func (s *HTTPHandlerTestSuite) TestStartWorkflow() {
	view := s.startWorkflow()
	s.Equal("U1", view.Workflow.RequesterID)
	s.Equal(repository.StepDeptApproval, view.Workflow.CurrentStep)
	s.Equal(20, view.Status.Progress)
	s.Equal("부서장 승인", view.Status.StepName)
	s.Require().NotNil(view.Status.AssignedApprover)
	s.Equal("dm-dev", view.Status.AssignedApprover.ID)
}

func (s *HTTPHandlerTestSuite) TestStartWorkflow_Validation() {
	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/start", "U1",
		map[string]any{"department": "개발팀"})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.False(env.Success)
	s.Equal("자산 ID는 필수입니다", env.Message)
}

func (s *HTTPHandlerTestSuite) TestMissingUser() {
	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/approve", "",
		map[string]any{"workflow_id": "x"})
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.False(env.Success)
}

func (s *HTTPHandlerTestSuite) TestApproveAndReject() {
	view := s.startWorkflow()
	id := view.Workflow.ID

	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/approve", "am-1",
		map[string]any{"workflow_id": id})
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal("해당 단계의 결재 권한이 없습니다", env.Message)

	rec, env = s.do(http.MethodPost, "/operations/api/operations/return/workflows/approve", "dm-dev",
		map[string]any{"workflow_id": id, "comment": "확인"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("승인되었습니다", env.Message)

	rec, env = s.do(http.MethodPost, "/operations/api/operations/return/workflows/reject", "am-1",
		map[string]any{"workflow_id": id, "reason": "사양 불일치"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.True(env.Success)

	var rejected WorkflowView
	s.Require().NoError(json.Unmarshal(env.Data, &rejected))
	s.Equal(repository.WorkflowRejected, rejected.Workflow.Status)
	s.Equal("반려", rejected.Status.Badge)

	rec, env = s.do(http.MethodPost, "/operations/api/operations/return/workflows/reject", "am-1",
		map[string]any{"workflow_id": id, "reason": "다시"})
	s.Equal(http.StatusConflict, rec.Code)
	s.False(env.Success)

	rec, env = s.do(http.MethodGet, "/operations/api/return/workflows/"+id+"/history", "", nil)
	s.Equal(http.StatusOK, rec.Code)
	var history []repository.AuditEntry
	s.Require().NoError(json.Unmarshal(env.Data, &history))
	s.Len(history, 3)
}

func (s *HTTPHandlerTestSuite) TestRejectBadBody() {
	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/reject", "dm-dev",
		map[string]any{"reason": "no id"})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("요청 형식이 올바르지 않습니다", env.Message)
}

func (s *HTTPHandlerTestSuite) TestBulkApprove() {
	a := s.startWorkflow()
	b := s.startWorkflow()

	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/bulk-approve", "dm-dev",
		map[string]any{"workflow_ids": []string{a.Workflow.ID, "missing", b.Workflow.ID}, "comment": "일괄"})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.False(env.Success)
	s.Equal("2건 승인, 1건 실패", env.Message)

	var results []service.BulkResult
	s.Require().NoError(json.Unmarshal(env.Data, &results))
	s.Len(results, 3)
	s.False(results[1].Success)
}

func (s *HTTPHandlerTestSuite) TestListAndPending() {
	a := s.startWorkflow()
	s.startWorkflow()

	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows", "", map[string]any{"status": "active"})
	s.Require().Equal(http.StatusOK, rec.Code)
	var list struct {
		Workflows []WorkflowView `json:"workflows"`
		Count     int            `json:"count"`
	}
	s.Require().NoError(json.Unmarshal(env.Data, &list))
	s.Equal(2, list.Count)

	rec, _ = s.do(http.MethodPost, "/operations/api/operations/return/workflows", "", map[string]any{"status": "archived"})
	s.Equal(http.StatusBadRequest, rec.Code)

	_, _ = s.do(http.MethodPost, "/operations/api/operations/return/workflows/approve", "dm-dev",
		map[string]any{"workflow_id": a.Workflow.ID})

	rec, env = s.do(http.MethodGet, "/operations/api/return/approvers/am-1/pending", "", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().NoError(json.Unmarshal(env.Data, &list))
	s.Equal(1, list.Count)
	s.Equal(a.Workflow.ID, list.Workflows[0].Workflow.ID)
}

func (s *HTTPHandlerTestSuite) TestGetWorkflow() {
	view := s.startWorkflow()

	rec, env := s.do(http.MethodGet, "/operations/api/return/workflows/"+view.Workflow.ID, "", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.True(env.Success)

	rec, env = s.do(http.MethodGet, "/operations/api/return/workflows/missing", "", nil)
	s.Equal(http.StatusNotFound, rec.Code)
	s.False(env.Success)
	s.Contains(env.Message, "찾을 수 없습니다")
}

func (s *HTTPHandlerTestSuite) TestReloadApprovers() {
	rec, env := s.do(http.MethodPost, "/operations/api/return/approvers/reload", "", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"count":3}`, string(env.Data))
}

func (s *HTTPHandlerTestSuite) TestListWorkflows_EmptyChunkedBody() {
	s.startWorkflow()

	req, err := http.NewRequest(http.MethodPost, "/operations/api/operations/return/workflows",
		strings.NewReader(""))
	s.Require().NoError(err)
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	s.router.ServeHTTP(recorder, req)
	s.Require().Equal(http.StatusOK, recorder.Code, recorder.Body.String())

	var env envelope
	s.Require().NoError(json.Unmarshal(recorder.Body.Bytes(), &env))
	s.JSONEq(`1`, string(mustField(s.T(), env.Data, "count")))
}

func (s *HTTPHandlerTestSuite) TestApproverMaintenance_Disabled() {
	rec, env := s.do(http.MethodPut, "/operations/api/return/approvers/am-2", "",
		map[string]any{"name": "박대리", "role": "asset_manager"})
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.False(env.Success)
}

func mustField(t *testing.T, data json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return fields[name]
}

// memoryApproverStore is an ApproverStore that also serves as the directory source.
type memoryApproverStore struct {
	mu        sync.Mutex
	approvers []repository.Approver
}

func (m *memoryApproverStore) LoadApprovers(ctx context.Context) ([]repository.Approver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.Approver(nil), m.approvers...), nil
}

func (m *memoryApproverStore) Upsert(ctx context.Context, a *repository.Approver) error {
	if !a.Role.Valid() {
		return errors.InvalidInput("role", "unknown approver role: "+string(a.Role))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.approvers {
		if m.approvers[i].ID == a.ID {
			m.approvers[i] = *a
			return nil
		}
	}
	m.approvers = append(m.approvers, *a)
	return nil
}

func (m *memoryApproverStore) SetActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.approvers {
		if m.approvers[i].ID == id {
			m.approvers[i].Active = active
			return nil
		}
	}
	return errors.NotFound("approver", id)
}

func TestHTTPHandler_ApproverMaintenance(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &memoryApproverStore{approvers: testApprovers()}
	engine, directory := newTestEngineWithSource(t, store)
	router := NewRouter(NewHTTPHandler(engine, directory, logger.Nop(), WithApproverStore(store)),
		logger.Nop(), metrics.Nop(), []string{"*"})

	call := func(method, path string, body any) (int, envelope) {
		t.Helper()
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req, err := http.NewRequest(method, path, &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		var env envelope
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &env), recorder.Body.String())
		return recorder.Code, env
	}

	code, env := call(http.MethodPut, "/operations/api/return/approvers/am-2",
		map[string]any{"name": "박대리", "role": "asset_manager"})
	require.Equal(t, http.StatusOK, code, env.Message)
	a, ok := directory.Approver("am-2")
	require.True(t, ok)
	assert.True(t, a.Active)
	assert.Equal(t, "박대리", a.Name)

	code, _ = call(http.MethodPut, "/operations/api/return/approvers/x-1",
		map[string]any{"name": "x", "role": "janitor"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(http.MethodPost, "/operations/api/return/approvers/am-1/active", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, code)
	a, ok = directory.Approver("am-1")
	require.True(t, ok)
	assert.False(t, a.Active)

	code, _ = call(http.MethodPost, "/operations/api/return/approvers/ghost/active", map[string]any{"active": true})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(http.MethodPost, "/operations/api/return/approvers/am-1/active", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func (s *HTTPHandlerTestSuite) TestRejectRequiresReason() {
	view := s.startWorkflow()

	rec, env := s.do(http.MethodPost, "/operations/api/operations/return/workflows/reject", "dm-dev",
		map[string]any{"workflow_id": view.Workflow.ID, "reason": "   "})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("반려 사유를 입력해주세요", env.Message)
}

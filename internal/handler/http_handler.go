package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
	"github.com/pesio-ai/be-ops-return-workflows/internal/service"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// WorkflowView pairs an instance with its status projection.
type WorkflowView struct {
	Workflow *repository.WorkflowInstance `json:"workflow"`
	Status   service.StatusView           `json:"status"`
}

type ListWorkflowsRequest struct {
	Status      *string `json:"status"`
	CurrentStep *string `json:"current_step"`
	Department  *string `json:"department"`
	RequesterID *string `json:"requester_id"`
	AssetID     *string `json:"asset_id"`
	AssignedTo  *string `json:"assigned_to"`
	Limit       int     `json:"limit"`
	Offset      int     `json:"offset"`
}

type ApproveRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
	Comment    string `json:"comment"`
}

type RejectRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
	Reason     string `json:"reason"`
}

type BulkApproveRequest struct {
	WorkflowIDs []string `json:"workflow_ids" binding:"required"`
	Comment     string   `json:"comment"`
}

type UpsertApproverRequest struct {
	Name       string  `json:"name" binding:"required"`
	Role       string  `json:"role" binding:"required"`
	Department *string `json:"department"`
	Email      string  `json:"email"`
	Phone      string  `json:"phone"`
	Active     *bool   `json:"active"`
}

type SetApproverActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ApproverStore maintains approvers. repository.ApproverRepository implements it.
type ApproverStore interface {
	Upsert(ctx context.Context, a *repository.Approver) error
	SetActive(ctx context.Context, id string, active bool) error
}

// HTTPHandler serves the return workflow REST API.
type HTTPHandler struct {
	engine    *service.WorkflowEngine
	directory *service.ApproverDirectory
	approvers ApproverStore
	log       *logger.Logger
}

// HandlerOption configures an HTTPHandler.
type HandlerOption func(*HTTPHandler)

// WithApproverStore enables the approver maintenance endpoints.
func WithApproverStore(store ApproverStore) HandlerOption {
	return func(h *HTTPHandler) { h.approvers = store }
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.WorkflowEngine, directory *service.ApproverDirectory, log *logger.Logger, opts ...HandlerOption) *HTTPHandler {
	h := &HTTPHandler{
		engine:    engine,
		directory: directory,
		log:       log.With("http_handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h *HTTPHandler, log *logger.Logger, rec *metrics.Recorder, allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), HTTPLogger(log, rec), HTTPRecovery(log), CORS(allowedOrigins))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the API on r.
func (h *HTTPHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	ops := r.Group("/operations/api/operations/return/workflows")
	{
		ops.POST("", h.ListWorkflows)
		ops.POST("/start", h.StartWorkflow)
		ops.POST("/approve", h.ApproveStep)
		ops.POST("/reject", h.RejectStep)
		ops.POST("/bulk-approve", h.BulkApprove)
	}

	read := r.Group("/operations/api/return")
	{
		read.GET("/workflows/:id", h.GetWorkflow)
		read.GET("/workflows/:id/history", h.GetHistory)
		read.GET("/approvers/:id/pending", h.PendingForApprover)
		read.POST("/approvers/reload", h.ReloadApprovers)
		read.PUT("/approvers/:id", h.UpsertApprover)
		read.POST("/approvers/:id/active", h.SetApproverActive)
	}
}

// Health reports liveness.
func (h *HTTPHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{"status": "ok"}})
}

// ListWorkflows handles the list/search endpoint.
func (h *HTTPHandler) ListWorkflows(c *gin.Context) {
	var req ListWorkflowsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	filter := repository.WorkflowFilter{
		Department:  req.Department,
		RequesterID: req.RequesterID,
		AssetID:     req.AssetID,
		AssignedTo:  req.AssignedTo,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}
	if req.Status != nil {
		st := repository.WorkflowStatus(*req.Status)
		filter.Status = &st
	}
	if req.CurrentStep != nil {
		step := repository.Step(*req.CurrentStep)
		filter.CurrentStep = &step
	}

	workflows, err := h.engine.ListWorkflows(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{
		"workflows": h.views(workflows),
		"count":     len(workflows),
	}})
}

// StartWorkflow creates a workflow for a return or disposal request. The
// requester defaults to the acting user.
func (h *HTTPHandler) StartWorkflow(c *gin.Context) {
	userID, ok := h.actor(c)
	if !ok {
		return
	}
	var req service.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = userID
	}

	inst, err := h.engine.StartWorkflow(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    h.view(inst),
		Message: "반납 결재가 요청되었습니다",
	})
}

// ApproveStep approves the current step as the acting user.
func (h *HTTPHandler) ApproveStep(c *gin.Context) {
	userID, ok := h.actor(c)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	inst, err := h.engine.ApproveStep(c.Request.Context(), req.WorkflowID, userID, req.Comment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	msg := "승인되었습니다"
	if inst.Status == repository.WorkflowCompleted {
		msg = "반납 처리가 완료되었습니다"
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: h.view(inst), Message: msg})
}

// RejectStep rejects the current step as the acting user.
func (h *HTTPHandler) RejectStep(c *gin.Context) {
	userID, ok := h.actor(c)
	if !ok {
		return
	}
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	inst, err := h.engine.RejectStep(c.Request.Context(), req.WorkflowID, userID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: h.view(inst), Message: "반려되었습니다"})
}

// BulkApprove approves several workflows; success is true only when all did.
func (h *HTTPHandler) BulkApprove(c *gin.Context) {
	userID, ok := h.actor(c)
	if !ok {
		return
	}
	var req BulkApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	results, err := h.engine.BulkApprove(c.Request.Context(), req.WorkflowIDs, userID, req.Comment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	approved := 0
	for _, r := range results {
		if r.Success {
			approved++
		}
	}
	failed := len(results) - approved
	c.JSON(http.StatusOK, Response{
		Success: failed == 0,
		Data:    results,
		Message: fmt.Sprintf("%d건 승인, %d건 실패", approved, failed),
	})
}

// GetWorkflow returns one workflow with its status projection.
func (h *HTTPHandler) GetWorkflow(c *gin.Context) {
	inst, err := h.engine.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: h.view(inst)})
}

// GetHistory returns the audit trail of a workflow.
func (h *HTTPHandler) GetHistory(c *gin.Context) {
	entries, err := h.engine.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: entries})
}

// PendingForApprover returns the approver's queue.
func (h *HTTPHandler) PendingForApprover(c *gin.Context) {
	workflows, err := h.engine.PendingForApprover(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{
		"workflows": h.views(workflows),
		"count":     len(workflows),
	}})
}

// ReloadApprovers re-reads the approver directory from its source.
func (h *HTTPHandler) ReloadApprovers(c *gin.Context) {
	if err := h.directory.Reload(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	approvers := h.directory.Approvers()
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    gin.H{"count": len(approvers)},
		Message: "승인자 목록을 다시 불러왔습니다",
	})
}

// UpsertApprover creates or replaces an approver and reloads the directory.
func (h *HTTPHandler) UpsertApprover(c *gin.Context) {
	if !h.approverStoreEnabled(c) {
		return
	}
	var req UpsertApproverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	a := &repository.Approver{
		ID:         c.Param("id"),
		Name:       req.Name,
		Role:       repository.Role(req.Role),
		Department: req.Department,
		Email:      req.Email,
		Phone:      req.Phone,
		Active:     req.Active == nil || *req.Active,
	}
	if err := h.approvers.Upsert(c.Request.Context(), a); err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info().Str("approver_id", a.ID).Str("role", string(a.Role)).Msg("Approver saved")
	h.reloadAfterChange(c, a.ID, "승인자 정보가 저장되었습니다")
}

// SetApproverActive activates or deactivates an approver and reloads the directory.
func (h *HTTPHandler) SetApproverActive(c *gin.Context) {
	if !h.approverStoreEnabled(c) {
		return
	}
	var req SetApproverActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	id := c.Param("id")
	if err := h.approvers.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info().Str("approver_id", id).Bool("active", *req.Active).Msg("Approver active flag changed")
	h.reloadAfterChange(c, id, "승인자 상태가 변경되었습니다")
}

func (h *HTTPHandler) approverStoreEnabled(c *gin.Context) bool {
	if h.approvers == nil {
		h.respondError(c, errors.New(errors.ErrCodeUnavailable, "승인자 관리는 데이터베이스 승인자 소스에서만 지원됩니다"))
		return false
	}
	return true
}

func (h *HTTPHandler) reloadAfterChange(c *gin.Context, id, message string) {
	if err := h.directory.Reload(c.Request.Context()); err != nil && !errors.Is(err, service.ErrNoApproversConfigured) {
		h.respondError(c, err)
		return
	}
	approver, _ := h.directory.Approver(id)
	c.JSON(http.StatusOK, Response{Success: true, Data: approver, Message: message})
}

func (h *HTTPHandler) view(inst *repository.WorkflowInstance) WorkflowView {
	return WorkflowView{Workflow: inst, Status: h.engine.WorkflowStatus(inst)}
}

func (h *HTTPHandler) views(workflows []*repository.WorkflowInstance) []WorkflowView {
	out := make([]WorkflowView, 0, len(workflows))
	for _, inst := range workflows {
		out = append(out, h.view(inst))
	}
	return out
}

// actor reads the acting user, writing a 401 when it is missing.
func (h *HTTPHandler) actor(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if userID == "" {
		h.respondError(c, errors.New(errors.ErrCodeUnauthorized, "사용자 인증 정보가 없습니다"))
		return "", false
	}
	return userID, true
}

func (h *HTTPHandler) badRequest(c *gin.Context, err error) {
	h.log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("Invalid request body")
	c.JSON(http.StatusBadRequest, Response{Success: false, Message: "요청 형식이 올바르지 않습니다"})
}

func (h *HTTPHandler) respondError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", c.GetString(requestIDKey)).
			Str("path", c.Request.URL.Path).
			Msg("Request failed")
	}
	c.JSON(status, Response{Success: false, Message: service.UserMessage(err)})
}

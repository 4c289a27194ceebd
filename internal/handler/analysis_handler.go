package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/middleware"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/service"
	"github.com/Bald0Wang/DeepSeek-Oracle/pkg/response"
)

// AnalysisHandler handles HTTP requests for analyses, tasks and results
type AnalysisHandler struct {
	service *service.AnalysisService
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(service *service.AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{service: service}
}

// TaskView is the polling representation of a task
type TaskView struct {
	TaskID     string            `json:"task_id"`
	Status     string            `json:"status"`
	Progress   int               `json:"progress"`
	Step       string            `json:"step"`
	ResultID   *int64            `json:"result_id"`
	Error      *models.TaskError `json:"error"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
}

func newTaskView(t *models.AnalysisTask) TaskView {
	return TaskView{
		TaskID:     t.TaskID,
		Status:     t.Status,
		Progress:   t.Progress,
		Step:       t.Step,
		ResultID:   t.ResultID,
		Error:      t.Error,
		RetryCount: t.RetryCount,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}

func bindAnalyzeRequest(c *gin.Context) (service.AnalyzeRequest, bool) {
	var req service.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return req, false
	}
	req.CreatedBy = c.GetString(middleware.UserKey)
	return req, true
}

// Analyze submits an analysis
// POST /analyze
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	req, ok := bindAnalyzeRequest(c)
	if !ok {
		return
	}

	result, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, err)
		return
	}

	if result.HitCache {
		response.Success(c, result)
		return
	}
	response.Accepted(c, "accepted", result)
}

// CheckCache reports whether a result already exists for the input
// POST /check_cache
func (h *AnalysisHandler) CheckCache(c *gin.Context) {
	req, ok := bindAnalyzeRequest(c)
	if !ok {
		return
	}

	status, err := h.service.CheckCache(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, status)
}

// GetTask returns the state of a task
// GET /task/:task_id
func (h *AnalysisHandler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, newTaskView(task))
}

// ListTasks lists tasks
// GET /tasks
func (h *AnalysisHandler) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, err := h.service.ListTasks(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		response.Fail(c, err)
		return
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	response.Success(c, gin.H{
		"tasks":  views,
		"limit":  limit,
		"offset": offset,
	})
}

// RetryTask requeues a failed task
// POST /task/:task_id/retry
func (h *AnalysisHandler) RetryTask(c *gin.Context) {
	task, err := h.service.Retry(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"task_id":       task.TaskID,
		"status":        task.Status,
		"retry_count":   task.RetryCount,
		"poll_after_ms": service.PollAfterMs,
	})
}

// CancelTask cancels a queued or running task
// POST /task/:task_id/cancel
func (h *AnalysisHandler) CancelTask(c *gin.Context) {
	task, err := h.service.Cancel(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"task_id": task.TaskID,
		"status":  task.Status,
	})
}

// GetResult returns a result with its three analyses
// GET /result/:id
func (h *AnalysisHandler) GetResult(c *gin.Context) {
	id, ok := parseResultID(c)
	if !ok {
		return
	}

	result, err := h.service.GetResult(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetResultItem returns one analysis of a result
// GET /result/:id/:analysis_type
func (h *AnalysisHandler) GetResultItem(c *gin.Context) {
	id, ok := parseResultID(c)
	if !ok {
		return
	}

	item, err := h.service.GetResultItem(c.Request.Context(), id, c.Param("analysis_type"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, item)
}

// History lists stored results
// GET /history
func (h *AnalysisHandler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, pagination, err := h.service.History(c.Request.Context(), page, pageSize)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"items":      entries,
		"pagination": pagination,
	})
}

func parseResultID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Fail(c, apperr.Validation("id", "invalid result id"))
		return 0, false
	}
	return id, true
}

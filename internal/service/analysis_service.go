package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/cachekey"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/llm"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/metrics"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/queue"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/repository"
)

// PollAfterMs is the polling interval suggested to clients of an accepted task
const PollAfterMs = 2000

// createAttempts bounds the read-then-insert loop of Submit under contention
const createAttempts = 3

// Defaults fill the optional fields of a submission
type Defaults struct {
	Provider      string
	Model         string
	PromptVersion string
	MaxTaskRetry  int
}

// SubmitResult is the outcome of a submission: a cached result or a task to poll
type SubmitResult struct {
	HitCache    bool   `json:"hit_cache"`
	ResultID    *int64 `json:"result_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Status      string `json:"status,omitempty"`
	PollAfterMs int    `json:"poll_after_ms,omitempty"`
	ReusedTask  bool   `json:"reused_task"`
}

// CacheStatus is the outcome of a cache probe
type CacheStatus struct {
	Cached   bool   `json:"cached"`
	ResultID *int64 `json:"result_id"`
}

// AnalysisService handles the API side of analysis tasks
type AnalysisService struct {
	tasks     *repository.TaskRepository
	results   *repository.ResultRepository
	queue     queue.Queue
	providers *llm.Registry
	defaults  Defaults
	validate  *validator.Validate
}

// NewAnalysisService creates a new analysis service
func NewAnalysisService(
	tasks *repository.TaskRepository,
	results *repository.ResultRepository,
	q queue.Queue,
	providers *llm.Registry,
	defaults Defaults,
) *AnalysisService {
	return &AnalysisService{
		tasks:     tasks,
		results:   results,
		queue:     q,
		providers: providers,
		defaults:  defaults,
		validate:  newValidator(),
	}
}

// normalize validates req and returns the birth info with defaults applied
func (s *AnalysisService) normalize(req *AnalyzeRequest) (models.BirthInfo, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.BirthInfo{}, validationError(err)
	}

	if req.Provider == "" {
		req.Provider = s.defaults.Provider
	}
	if req.Model == "" {
		req.Model = s.defaults.Model
	}
	if req.PromptVersion == "" {
		req.PromptVersion = s.defaults.PromptVersion
	}
	if !s.providers.Supported(req.Provider) {
		return models.BirthInfo{}, apperr.Unsupported(fmt.Sprintf("unsupported provider: %s (supported: %s)",
			req.Provider, strings.Join(s.providers.Names(), ", ")))
	}
	if !llm.HasPromptVersion(req.PromptVersion) {
		return models.BirthInfo{}, apperr.Unsupported(fmt.Sprintf("unsupported prompt_version: %s", req.PromptVersion))
	}

	return models.BirthInfo{
		Date:     req.Date,
		Timezone: *req.Timezone,
		Gender:   req.Gender,
		Calendar: req.Calendar,
	}, nil
}

// Submit returns a cached result, the in-flight task for the same input, or a
// newly queued task
func (s *AnalysisService) Submit(ctx context.Context, req AnalyzeRequest) (*SubmitResult, error) {
	birth, err := s.normalize(&req)
	if err != nil {
		return nil, err
	}
	key := cachekey.Derive(birth, req.Provider, req.Model, req.PromptVersion)

	for attempt := 0; attempt < createAttempts; attempt++ {
		// active task first: a run stores its result before it leaves running,
		// so a task finishing between the two reads is still seen as a result
		active, err := s.tasks.FindActiveByCacheKey(ctx, key)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if active != nil {
			metrics.TasksSubmitted.WithLabelValues("reused").Inc()
			return accepted(active, true), nil
		}

		result, err := s.results.FindByCacheKey(ctx, key)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if result != nil {
			metrics.TasksSubmitted.WithLabelValues("cache_hit").Inc()
			return &SubmitResult{HitCache: true, ResultID: &result.ID}, nil
		}

		task := &models.AnalysisTask{
			TaskID:        newTaskID(),
			CacheKey:      key,
			BirthInfo:     birth,
			Provider:      req.Provider,
			Model:         req.Model,
			PromptVersion: req.PromptVersion,
			CreatedBy:     req.CreatedBy,
		}
		err = s.tasks.Create(ctx, task)
		if errors.Is(err, repository.ErrActiveTaskExists) {
			// lost the race to a concurrent submission; read its task
			continue
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}

		if err := s.enqueue(ctx, task.TaskID); err != nil {
			return nil, err
		}
		metrics.TasksSubmitted.WithLabelValues("created").Inc()
		slog.Info("analysis task queued", "task_id", task.TaskID, "provider", task.Provider, "model", task.Model)
		return accepted(task, false), nil
	}

	return nil, apperr.Conflict("concurrent submissions for the same input, please retry")
}

// enqueue hands the task to workers; on failure the task is failed retryable
// so it never stays queued without a delivery
func (s *AnalysisService) enqueue(ctx context.Context, taskID string) error {
	err := s.queue.Enqueue(ctx, taskID)
	if err == nil {
		return nil
	}

	slog.Error("failed to enqueue task", "task_id", taskID, "error", err)
	markErr := s.tasks.MarkFailed(context.WithoutCancel(ctx), taskID, models.TaskError{
		Code:      apperr.CodeInternal,
		Message:   "failed to enqueue task: " + err.Error(),
		Retryable: true,
	})
	if markErr != nil {
		slog.Error("failed to record enqueue failure", "task_id", taskID, "error", markErr)
	}
	return apperr.Wrap(err, apperr.CodeInternal, "failed to enqueue task", http.StatusInternalServerError, true)
}

// CheckCache reports whether a result exists for the request
func (s *AnalysisService) CheckCache(ctx context.Context, req AnalyzeRequest) (*CacheStatus, error) {
	birth, err := s.normalize(&req)
	if err != nil {
		return nil, err
	}
	key := cachekey.Derive(birth, req.Provider, req.Model, req.PromptVersion)

	result, err := s.results.FindByCacheKey(ctx, key)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if result == nil {
		return &CacheStatus{}, nil
	}
	return &CacheStatus{Cached: true, ResultID: &result.ID}, nil
}

// GetTask returns a task by its public id
func (s *AnalysisService) GetTask(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	task, err := s.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, mapTaskError(err, taskID)
	}
	return task, nil
}

// ListTasks lists tasks, newest first
func (s *AnalysisService) ListTasks(ctx context.Context, status string, limit int, offset int) ([]*models.AnalysisTask, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	tasks, err := s.tasks.List(ctx, status, limit, offset)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return tasks, nil
}

// Retry requeues a failed task
func (s *AnalysisService) Retry(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	task, err := s.tasks.Retry(ctx, taskID, s.defaults.MaxTaskRetry)
	switch {
	case errors.Is(err, repository.ErrRetryExhausted):
		return nil, apperr.RetryExhausted(s.defaults.MaxTaskRetry)
	case errors.Is(err, repository.ErrTransitionRejected):
		return nil, apperr.Conflict(fmt.Sprintf("only failed tasks can be retried (status: %s)", task.Status))
	case errors.Is(err, repository.ErrActiveTaskExists):
		return nil, apperr.Conflict("another task for the same input is already active")
	case err != nil:
		return nil, mapTaskError(err, taskID)
	}

	if err := s.enqueue(ctx, task.TaskID); err != nil {
		return nil, err
	}
	slog.Info("analysis task retried", "task_id", task.TaskID, "retry_count", task.RetryCount)
	return task, nil
}

// Cancel stops a queued or running task
func (s *AnalysisService) Cancel(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	err := s.tasks.Cancel(ctx, taskID)
	if errors.Is(err, repository.ErrTransitionRejected) {
		task, getErr := s.tasks.GetByTaskID(ctx, taskID)
		if getErr != nil {
			return nil, mapTaskError(getErr, taskID)
		}
		if task.IsTerminal() {
			return nil, apperr.Conflict(fmt.Sprintf("task already %s", task.Status))
		}
		return nil, apperr.Conflict(fmt.Sprintf("task is %s and cannot be cancelled", task.Status))
	}
	if err != nil {
		return nil, mapTaskError(err, taskID)
	}

	slog.Info("analysis task cancelled", "task_id", taskID)
	return s.GetTask(ctx, taskID)
}

// GetResult returns a result with its three analyses
func (s *AnalysisService) GetResult(ctx context.Context, id int64) (*models.AnalysisResult, error) {
	result, err := s.results.GetByID(ctx, id)
	if errors.Is(err, repository.ErrResultNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("result %d not found", id))
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return result, nil
}

// GetResultItem returns one analysis of a result
func (s *AnalysisService) GetResultItem(ctx context.Context, id int64, analysisType string) (*models.AnalysisItem, error) {
	if !models.IsValidAnalysisType(analysisType) {
		return nil, apperr.Unsupported(fmt.Sprintf("unsupported analysis_type: %s", analysisType))
	}
	item, err := s.results.GetItem(ctx, id, analysisType)
	if errors.Is(err, repository.ErrItemNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s of result %d not found", analysisType, id))
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return item, nil
}

// History lists results, newest first
func (s *AnalysisService) History(ctx context.Context, page int, pageSize int) ([]models.HistoryEntry, models.Pagination, error) {
	entries, pagination, err := s.results.History(ctx, page, pageSize)
	if err != nil {
		return nil, models.Pagination{}, apperr.Internal(err)
	}
	return entries, pagination, nil
}

// Ready checks the dependencies the API needs to accept work
func (s *AnalysisService) Ready(ctx context.Context) error {
	if err := s.tasks.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if n, err := s.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	return nil
}

func accepted(task *models.AnalysisTask, reused bool) *SubmitResult {
	return &SubmitResult{
		TaskID:      task.TaskID,
		Status:      task.Status,
		PollAfterMs: PollAfterMs,
		ReusedTask:  reused,
	}
}

func mapTaskError(err error, taskID string) error {
	if errors.Is(err, repository.ErrTaskNotFound) {
		return apperr.NotFound(fmt.Sprintf("task %s not found", taskID))
	}
	return apperr.Internal(err)
}

func newTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/chart"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/llm"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/metrics"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/repository"
)

// errTaskCancelled is the cancellation cause of a run whose task left running
var errTaskCancelled = errors.New("task cancelled")

// Orchestrator executes one analysis task: chart, three LLM analyses, persist
type Orchestrator struct {
	tasks      *repository.TaskRepository
	results    *repository.ResultRepository
	chart      chart.Renderer
	providers  *llm.Registry
	llm        *llm.Client
	cancelPoll time.Duration
}

// NewOrchestrator creates an orchestrator. A zero cancelPoll disables the
// cancellation watcher; cancellation is then noticed at the next step.
func NewOrchestrator(
	tasks *repository.TaskRepository,
	results *repository.ResultRepository,
	renderer chart.Renderer,
	providers *llm.Registry,
	client *llm.Client,
	cancelPoll time.Duration,
) *Orchestrator {
	return &Orchestrator{
		tasks:      tasks,
		results:    results,
		chart:      renderer,
		providers:  providers,
		llm:        client,
		cancelPoll: cancelPoll,
	}
}

// Run executes the task. It returns an error only when the task was left
// queued, so that the delivery can be handed out again.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	task, err := o.tasks.GetByTaskID(ctx, taskID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		slog.Warn("dropping delivery of unknown task", "task_id", taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusQueued {
		slog.Info("skipping task", "task_id", taskID, "status", task.Status)
		return nil
	}

	existing, err := o.results.FindByCacheKey(ctx, task.CacheKey)
	if err != nil {
		return err
	}

	err = o.tasks.MarkRunning(ctx, taskID)
	if errors.Is(err, repository.ErrTransitionRejected) {
		// cancelled or claimed by another worker in between
		return nil
	}
	if err != nil {
		return err
	}

	log := slog.With("task_id", taskID, "provider", task.Provider, "model", task.Model)
	if existing != nil {
		log.Info("result already exists, completing task", "result_id", existing.ID)
		o.finish(ctx, log, taskID, existing.ID)
		return nil
	}

	log.Info("task started", "retry_count", task.RetryCount)
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.cancelPoll > 0 {
		go o.watchCancel(runCtx, cancel, taskID)
	}

	resultID, err := o.execute(ctx, runCtx, log, task)
	if err != nil {
		o.fail(ctx, runCtx, log, task, err)
		return nil
	}

	if o.finish(ctx, log, taskID, resultID) {
		log.Info("task succeeded", "result_id", resultID, "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

// execute runs the steps and returns the stored result id. Storage writes use
// ctx; chart and LLM calls use runCtx so a cancel aborts them mid-flight.
func (o *Orchestrator) execute(ctx, runCtx context.Context, log *slog.Logger, task *models.AnalysisTask) (int64, error) {
	start := time.Now()

	provider, err := o.providers.Get(task.Provider, task.Model)
	if err != nil {
		return 0, err
	}

	stepStart := time.Now()
	chartText, err := o.chart.Render(runCtx, task.BirthInfo)
	if err != nil {
		return 0, err
	}
	if err := o.completeStep(ctx, task.TaskID, models.StepGenerateChart, stepStart); err != nil {
		return 0, err
	}

	items := make([]models.AnalysisItem, 0, len(models.AnalysisTypes))
	totalTokens := 0
	for _, analysisType := range models.AnalysisTypes {
		step := models.LLMStep(analysisType)
		stepStart = time.Now()

		prompt, err := llm.BuildPrompt(task.PromptVersion, analysisType, chartText)
		if err != nil {
			return 0, apperr.Unsupported(err.Error())
		}
		resp, err := o.llm.Generate(runCtx, provider, llm.SystemPrompt, prompt)
		if err != nil {
			return 0, err
		}

		elapsed := time.Since(stepStart)
		items = append(items, models.AnalysisItem{
			AnalysisType:  analysisType,
			Content:       resp.Content,
			ExecutionTime: elapsed.Seconds(),
			InputTokens:   resp.InputTokens,
			OutputTokens:  resp.OutputTokens,
			TokenCount:    resp.TotalTokens,
		})
		totalTokens += resp.TotalTokens
		log.Info("analysis generated", "step", step, "tokens", resp.TotalTokens, "latency_ms", resp.LatencyMs)

		if err := o.completeStep(ctx, task.TaskID, step, stepStart); err != nil {
			return 0, err
		}
	}

	if err := context.Cause(runCtx); err != nil {
		return 0, err
	}

	stepStart = time.Now()
	result := &models.AnalysisResult{
		CacheKey:           task.CacheKey,
		BirthInfo:          task.BirthInfo,
		TextDescription:    chartText,
		Provider:           task.Provider,
		Model:              task.Model,
		PromptVersion:      task.PromptVersion,
		TotalExecutionTime: time.Since(start).Seconds(),
		TotalTokenCount:    totalTokens,
		CreatedBy:          task.CreatedBy,
	}
	resultID, created, err := o.results.Create(ctx, result, items)
	if err != nil {
		return 0, err
	}
	if !created {
		log.Info("result stored by a concurrent run, reusing it", "result_id", resultID)
	}

	if err := o.advance(ctx, task.TaskID, models.StepPersistResult, 95); err != nil {
		return 0, err
	}
	metrics.StepDuration.WithLabelValues(models.StepPersistResult).Observe(time.Since(stepStart).Seconds())
	return resultID, nil
}

// completeStep records the duration of step and advances to the next one
func (o *Orchestrator) completeStep(ctx context.Context, taskID string, step string, started time.Time) error {
	metrics.StepDuration.WithLabelValues(step).Observe(time.Since(started).Seconds())
	next, progress := models.NextStep(step)
	return o.advance(ctx, taskID, next.Name, progress)
}

// advance writes progress; a rejected write means the task left running
func (o *Orchestrator) advance(ctx context.Context, taskID string, step string, progress int) error {
	err := o.tasks.Advance(ctx, taskID, step, progress)
	if !errors.Is(err, repository.ErrTransitionRejected) {
		return err
	}

	task, getErr := o.tasks.GetByTaskID(ctx, taskID)
	if getErr != nil {
		return getErr
	}
	if task.Status == models.TaskStatusCancelled {
		return errTaskCancelled
	}
	return fmt.Errorf("advance to %s rejected: task is %s at %d%%", step, task.Status, task.Progress)
}

// finish reports whether the task was marked succeeded
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, taskID string, resultID int64) bool {
	err := o.tasks.MarkSucceeded(ctx, taskID, resultID)
	if errors.Is(err, repository.ErrTransitionRejected) {
		log.Info("task left running before completion", "result_id", resultID)
		metrics.TasksFinished.WithLabelValues(models.TaskStatusCancelled).Inc()
		return false
	}
	if err != nil {
		log.Error("failed to mark task as succeeded", "error", err)
		return false
	}
	metrics.TasksFinished.WithLabelValues(models.TaskStatusSucceeded).Inc()
	return true
}

// fail records err on the task unless the run ended because of a cancel
func (o *Orchestrator) fail(ctx, runCtx context.Context, log *slog.Logger, task *models.AnalysisTask, err error) {
	if errors.Is(err, errTaskCancelled) || errors.Is(context.Cause(runCtx), errTaskCancelled) {
		log.Info("task cancelled during execution")
		metrics.TasksFinished.WithLabelValues(models.TaskStatusCancelled).Inc()
		return
	}

	appErr := classify(ctx, err)
	log.Warn("task failed", "code", appErr.Code, "retryable", appErr.Retryable, "error", err)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	markErr := o.tasks.MarkFailed(writeCtx, task.TaskID, models.TaskError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Retryable: appErr.Retryable,
	})
	if markErr != nil && !errors.Is(markErr, repository.ErrTransitionRejected) {
		log.Error("failed to mark task as failed", "error", markErr)
		return
	}
	metrics.TasksFinished.WithLabelValues(models.TaskStatusFailed).Inc()
}

// classify maps an execution failure into the error taxonomy
func classify(ctx context.Context, err error) *apperr.Error {
	if ctx.Err() != nil {
		return apperr.Wrap(err, apperr.CodeWorkerLost, "worker stopped before the task finished",
			http.StatusInternalServerError, true)
	}
	if e, ok := apperr.As(err); ok {
		return e
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llm.ToAppError(err)
	}
	return apperr.Internal(err)
}

// watchCancel aborts runCtx once the stored task is no longer running
func (o *Orchestrator) watchCancel(runCtx context.Context, cancel context.CancelCauseFunc, taskID string) {
	ticker := time.NewTicker(o.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			task, err := o.tasks.GetByTaskID(runCtx, taskID)
			if err != nil {
				continue
			}
			if task.Status != models.TaskStatusRunning {
				cancel(errTaskCancelled)
				return
			}
		}
	}
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/database"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

const taskColumns = `
	id, task_id, status, progress, step,
	birth_date, timezone, gender, calendar,
	provider, model, prompt_version, cache_key,
	result_id, error_code, error_message, error_retryable, retry_count,
	created_by, created_at, updated_at, started_at, finished_at
`

// TaskRepository handles database operations for analysis tasks.
// Every state change is a single conditional UPDATE so that API-side
// retry/cancel and worker-side progress writes never overwrite each other.
type TaskRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTaskRepository creates a new analysis task repository
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db, now: time.Now}
}

// Ping checks the database connection
func (r *TaskRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create inserts a queued task
func (r *TaskRepository) Create(ctx context.Context, task *models.AnalysisTask) error {
	now := r.now()
	task.Status = models.TaskStatusQueued
	task.Step = models.StepQueued
	task.Progress = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	query := `
		INSERT INTO analysis_tasks (
			task_id, status, progress, step,
			birth_date, timezone, gender, calendar,
			provider, model, prompt_version, cache_key,
			retry_count, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		task.TaskID,
		task.Status,
		task.Progress,
		task.Step,
		task.BirthInfo.Date,
		task.BirthInfo.Timezone,
		task.BirthInfo.Gender,
		task.BirthInfo.Calendar,
		task.Provider,
		task.Model,
		task.PromptVersion,
		task.CacheKey,
		task.RetryCount,
		task.CreatedBy,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if database.IsUniqueViolation(err) {
		return ErrActiveTaskExists
	}
	if err != nil {
		return fmt.Errorf("failed to create analysis task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	task.ID = id
	return nil
}

// GetByTaskID retrieves a task by its client-facing id
func (r *TaskRepository) GetByTaskID(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE task_id = ?`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis task: %w", err)
	}
	return task, nil
}

// FindActiveByCacheKey returns the queued or running task holding cacheKey, or nil
func (r *TaskRepository) FindActiveByCacheKey(ctx context.Context, cacheKey string) (*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM analysis_tasks
		WHERE cache_key = ? AND status IN ('queued', 'running')
		ORDER BY id DESC
		LIMIT 1
	`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, cacheKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active task: %w", err)
	}
	return task, nil
}

// List retrieves tasks with an optional status filter, newest first
func (r *TaskRepository) List(ctx context.Context, status string, limit int, offset int) ([]*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE 1=1`

	args := []interface{}{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.AnalysisTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// MarkRunning claims a queued task for execution
func (r *TaskRepository) MarkRunning(ctx context.Context, taskID string) error {
	now := r.now().UnixMilli()
	query := `
		UPDATE analysis_tasks
		SET status = 'running', step = ?, progress = 0,
			started_at = ?, finished_at = NULL, updated_at = ?
		WHERE task_id = ? AND status = 'queued'
	`

	return r.execTransition(ctx, "mark task as running", query,
		models.StepGenerateChart, now, now, taskID)
}

// Advance records step progress of a running task. Progress never moves backwards.
func (r *TaskRepository) Advance(ctx context.Context, taskID string, step string, progress int) error {
	query := `
		UPDATE analysis_tasks
		SET step = ?, progress = ?, updated_at = ?
		WHERE task_id = ? AND status = 'running' AND progress <= ?
	`

	return r.execTransition(ctx, "update task progress", query,
		step, progress, r.now().UnixMilli(), taskID, progress)
}

// MarkSucceeded completes a running task with its result
func (r *TaskRepository) MarkSucceeded(ctx context.Context, taskID string, resultID int64) error {
	now := r.now().UnixMilli()
	query := `
		UPDATE analysis_tasks
		SET status = 'succeeded', step = ?, progress = 100, result_id = ?,
			error_code = NULL, error_message = NULL, error_retryable = 0,
			finished_at = ?, updated_at = ?
		WHERE task_id = ? AND status = 'running'
	`

	return r.execTransition(ctx, "mark task as succeeded", query,
		models.StepDone, resultID, now, now, taskID)
}

// MarkFailed records a classified failure on a queued or running task; progress is kept
func (r *TaskRepository) MarkFailed(ctx context.Context, taskID string, taskErr models.TaskError) error {
	now := r.now().UnixMilli()
	query := `
		UPDATE analysis_tasks
		SET status = 'failed', error_code = ?, error_message = ?, error_retryable = ?,
			finished_at = ?, updated_at = ?
		WHERE task_id = ? AND status IN ('queued', 'running')
	`

	return r.execTransition(ctx, "mark task as failed", query,
		taskErr.Code, taskErr.Message, taskErr.Retryable, now, now, taskID)
}

// Cancel moves a queued or running task to cancelled
func (r *TaskRepository) Cancel(ctx context.Context, taskID string) error {
	now := r.now().UnixMilli()
	query := `
		UPDATE analysis_tasks
		SET status = 'cancelled', finished_at = ?, updated_at = ?
		WHERE task_id = ? AND status IN ('queued', 'running')
	`

	err := r.execTransition(ctx, "cancel task", query, now, now, taskID)
	if errors.Is(err, ErrTransitionRejected) {
		if _, getErr := r.GetByTaskID(ctx, taskID); getErr != nil {
			return getErr
		}
	}
	return err
}

// Retry requeues a failed task while its retry budget lasts
func (r *TaskRepository) Retry(ctx context.Context, taskID string, maxRetry int) (*models.AnalysisTask, error) {
	now := r.now().UnixMilli()
	query := `
		UPDATE analysis_tasks
		SET status = 'queued', step = ?, progress = 0, retry_count = retry_count + 1,
			error_code = NULL, error_message = NULL, error_retryable = 0,
			started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE task_id = ? AND status = 'failed' AND retry_count < ?
	`

	result, err := r.db.ExecContext(ctx, query, models.StepQueued, now, taskID, maxRetry)
	if database.IsUniqueViolation(err) {
		return nil, ErrActiveTaskExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retry task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry result: %w", err)
	}

	task, err := r.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return task, nil
	}
	if task.Status != models.TaskStatusFailed {
		return task, ErrTransitionRejected
	}
	return task, ErrRetryExhausted
}

// FailStale fails running tasks that have not written progress since cutoff.
// Their worker is presumed dead; the failure is retryable.
func (r *TaskRepository) FailStale(ctx context.Context, cutoff time.Time, taskErr models.TaskError) (int64, error) {
	now := r.now().UnixMilli()
	query := `
		UPDATE analysis_tasks
		SET status = 'failed', error_code = ?, error_message = ?, error_retryable = ?,
			finished_at = ?, updated_at = ?
		WHERE status = 'running' AND updated_at < ?
	`

	result, err := r.db.ExecContext(ctx, query,
		taskErr.Code, taskErr.Message, taskErr.Retryable, now, now, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale tasks: %w", err)
	}
	return result.RowsAffected()
}

// RequeueStale returns up to limit queued tasks not touched since cutoff and
// bumps their updated_at, so each is handed out again at most once per sweep
// window. The caller re-enqueues them; a task that turns out to still have a
// delivery is run once and the duplicate dropped by MarkRunning.
func (r *TaskRepository) RequeueStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := database.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM analysis_tasks
			WHERE status = 'queued' AND updated_at < ?
			ORDER BY id
			LIMIT ?
		`, cutoff.UnixMilli(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := r.now().UnixMilli()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE analysis_tasks SET updated_at = ? WHERE task_id = ? AND status = 'queued'`,
				now, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stale tasks: %w", err)
	}
	return ids, nil
}

func (r *TaskRepository) execTransition(ctx context.Context, op string, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if affected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.AnalysisTask, error) {
	var (
		task                  models.AnalysisTask
		resultID              sql.NullInt64
		errCode, errMessage   sql.NullString
		errRetryable          bool
		createdAt, updatedAt  int64
		startedAt, finishedAt sql.NullInt64
	)

	err := row.Scan(
		&task.ID,
		&task.TaskID,
		&task.Status,
		&task.Progress,
		&task.Step,
		&task.BirthInfo.Date,
		&task.BirthInfo.Timezone,
		&task.BirthInfo.Gender,
		&task.BirthInfo.Calendar,
		&task.Provider,
		&task.Model,
		&task.PromptVersion,
		&task.CacheKey,
		&resultID,
		&errCode,
		&errMessage,
		&errRetryable,
		&task.RetryCount,
		&task.CreatedBy,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if resultID.Valid {
		id := resultID.Int64
		task.ResultID = &id
	}
	if errCode.Valid && errCode.String != "" {
		task.Error = &models.TaskError{
			Code:      errCode.String,
			Message:   errMessage.String,
			Retryable: errRetryable,
		}
	}
	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updatedAt)
	task.StartedAt = nullTime(startedAt)
	task.FinishedAt = nullTime(finishedAt)

	return &task, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/database"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "oracle.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTask(taskID, cacheKey string) *models.AnalysisTask {
	return &models.AnalysisTask{
		TaskID:        taskID,
		CacheKey:      cacheKey,
		BirthInfo:     models.BirthInfo{Date: "2000-08-16", Timezone: 2, Gender: "女", Calendar: "solar"},
		Provider:      "mock",
		Model:         "mock-v1",
		PromptVersion: "v1",
	}
}

func TestTaskRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	task := newTask("task_a", "key-a")
	require.NoError(t, repo.Create(ctx, task))
	assert.NotZero(t, task.ID)

	got, err := repo.GetByTaskID(ctx, "task_a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, models.StepQueued, got.Step)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, task.BirthInfo, got.BirthInfo)
	assert.Nil(t, got.ResultID)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.StartedAt)

	_, err = repo.GetByTaskID(ctx, "task_missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskRepository_OneActiveTaskPerCacheKey(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	require.NoError(t, repo.Create(ctx, newTask("task_1", "shared")))
	err := repo.Create(ctx, newTask("task_2", "shared"))
	assert.ErrorIs(t, err, ErrActiveTaskExists)

	active, err := repo.FindActiveByCacheKey(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "task_1", active.TaskID)

	// once the first task is terminal the key is free again
	require.NoError(t, repo.Cancel(ctx, "task_1"))
	active, err = repo.FindActiveByCacheKey(ctx, "shared")
	require.NoError(t, err)
	assert.Nil(t, active)
	require.NoError(t, repo.Create(ctx, newTask("task_2", "shared")))
}

func TestTaskRepository_ConcurrentCreateKeepsOneActive(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.Create(ctx, newTask("task_c"+string(rune('a'+i)), "race"))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrActiveTaskExists)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
}

func TestTaskRepository_ProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	require.NoError(t, repo.Create(ctx, newTask("task_p", "key-p")))

	// progress writes require a running task
	assert.ErrorIs(t, repo.Advance(ctx, "task_p", models.StepLLMMarriagePath, 15), ErrTransitionRejected)

	require.NoError(t, repo.MarkRunning(ctx, "task_p"))
	got, err := repo.GetByTaskID(ctx, "task_p")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, models.StepGenerateChart, got.Step)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, repo.Advance(ctx, "task_p", models.StepLLMChallenges, 45))
	assert.ErrorIs(t, repo.Advance(ctx, "task_p", models.StepLLMMarriagePath, 15), ErrTransitionRejected)

	got, err = repo.GetByTaskID(ctx, "task_p")
	require.NoError(t, err)
	assert.Equal(t, 45, got.Progress)
	assert.Equal(t, models.StepLLMChallenges, got.Step)

	// a second claim of the same task is rejected
	assert.ErrorIs(t, repo.MarkRunning(ctx, "task_p"), ErrTransitionRejected)
}

func TestTaskRepository_Succeeded(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewTaskRepository(db)
	results := NewResultRepository(db)

	require.NoError(t, repo.Create(ctx, newTask("task_s", "key-s")))
	require.NoError(t, repo.MarkRunning(ctx, "task_s"))

	resultID, _, err := results.Create(ctx, newResult("key-s"), completeItems())
	require.NoError(t, err)
	require.NoError(t, repo.MarkSucceeded(ctx, "task_s", resultID))

	got, err := repo.GetByTaskID(ctx, "task_s")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, got.Status)
	assert.Equal(t, models.StepDone, got.Step)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.ResultID)
	assert.Equal(t, resultID, *got.ResultID)
	assert.NotNil(t, got.FinishedAt)
}

func TestTaskRepository_FailedKeepsProgress(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	require.NoError(t, repo.Create(ctx, newTask("task_f", "key-f")))
	require.NoError(t, repo.MarkRunning(ctx, "task_f"))
	require.NoError(t, repo.Advance(ctx, "task_f", models.StepLLMMarriagePath, 15))
	require.NoError(t, repo.MarkFailed(ctx, "task_f", models.TaskError{Code: "A3001", Message: "llm timeout", Retryable: true}))

	got, err := repo.GetByTaskID(ctx, "task_f")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, 15, got.Progress)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.TaskError{Code: "A3001", Message: "llm timeout", Retryable: true}, *got.Error)
}

func TestTaskRepository_RetryBound(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	const maxRetry = 2

	require.NoError(t, repo.Create(ctx, newTask("task_r", "key-r")))

	_, err := repo.Retry(ctx, "task_r", maxRetry)
	assert.ErrorIs(t, err, ErrTransitionRejected, "queued task cannot be retried")

	for i := 1; i <= maxRetry; i++ {
		require.NoError(t, repo.MarkRunning(ctx, "task_r"))
		require.NoError(t, repo.MarkFailed(ctx, "task_r", models.TaskError{Code: "A2001", Message: "down", Retryable: true}))

		task, err := repo.Retry(ctx, "task_r", maxRetry)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusQueued, task.Status)
		assert.Equal(t, i, task.RetryCount)
		assert.Equal(t, 0, task.Progress)
		assert.Nil(t, task.Error)
	}

	require.NoError(t, repo.MarkRunning(ctx, "task_r"))
	require.NoError(t, repo.MarkFailed(ctx, "task_r", models.TaskError{Code: "A2001", Message: "down", Retryable: true}))

	task, err := repo.Retry(ctx, "task_r", maxRetry)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, maxRetry, task.RetryCount)
	assert.Equal(t, models.TaskStatusFailed, task.Status)

	_, err = repo.Retry(ctx, "task_missing", maxRetry)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskRepository_RetryBlockedByNewerActiveTask(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	require.NoError(t, repo.Create(ctx, newTask("task_old", "key-x")))
	require.NoError(t, repo.MarkFailed(ctx, "task_old", models.TaskError{Code: "A2001", Message: "down", Retryable: true}))
	require.NoError(t, repo.Create(ctx, newTask("task_new", "key-x")))

	_, err := repo.Retry(ctx, "task_old", 2)
	assert.ErrorIs(t, err, ErrActiveTaskExists)
}

func TestTaskRepository_CancelExclusivity(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	require.NoError(t, repo.Create(ctx, newTask("task_q", "key-q")))
	require.NoError(t, repo.Cancel(ctx, "task_q"))

	got, err := repo.GetByTaskID(ctx, "task_q")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)

	// cancelled is terminal: no second cancel, no retry, no claim
	assert.ErrorIs(t, repo.Cancel(ctx, "task_q"), ErrTransitionRejected)
	_, err = repo.Retry(ctx, "task_q", 2)
	assert.ErrorIs(t, err, ErrTransitionRejected)
	assert.ErrorIs(t, repo.MarkRunning(ctx, "task_q"), ErrTransitionRejected)

	require.NoError(t, repo.Create(ctx, newTask("task_run", "key-run")))
	require.NoError(t, repo.MarkRunning(ctx, "task_run"))
	require.NoError(t, repo.Cancel(ctx, "task_run"))
	assert.ErrorIs(t, repo.Advance(ctx, "task_run", models.StepLLMMarriagePath, 15), ErrTransitionRejected)

	require.NoError(t, repo.Create(ctx, newTask("task_failed", "key-failed")))
	require.NoError(t, repo.MarkFailed(ctx, "task_failed", models.TaskError{Code: "A2001", Message: "down", Retryable: true}))
	assert.ErrorIs(t, repo.Cancel(ctx, "task_failed"), ErrTransitionRejected)
	got, err = repo.GetByTaskID(ctx, "task_failed")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	assert.ErrorIs(t, repo.Cancel(ctx, "task_missing"), ErrTaskNotFound)
}

func TestTaskRepository_FailStale(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	past := time.Now().Add(-2 * time.Hour)
	repo.now = func() time.Time { return past }
	require.NoError(t, repo.Create(ctx, newTask("task_old", "key-old")))
	require.NoError(t, repo.MarkRunning(ctx, "task_old"))

	repo.now = time.Now
	require.NoError(t, repo.Create(ctx, newTask("task_fresh", "key-fresh")))
	require.NoError(t, repo.MarkRunning(ctx, "task_fresh"))

	n, err := repo.FailStale(ctx, time.Now().Add(-time.Hour), models.TaskError{Code: "A5001", Message: "worker lost", Retryable: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := repo.GetByTaskID(ctx, "task_old")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, old.Status)
	require.NotNil(t, old.Error)
	assert.True(t, old.Error.Retryable)

	fresh, err := repo.GetByTaskID(ctx, "task_fresh")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, fresh.Status)
}

func TestTaskRepository_RequeueStale(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	past := time.Now().Add(-2 * time.Hour)
	repo.now = func() time.Time { return past }
	require.NoError(t, repo.Create(ctx, newTask("task_orphan", "key-orphan")))
	require.NoError(t, repo.Create(ctx, newTask("task_running", "key-running")))
	require.NoError(t, repo.MarkRunning(ctx, "task_running"))

	repo.now = time.Now
	require.NoError(t, repo.Create(ctx, newTask("task_fresh", "key-fresh")))

	cutoff := time.Now().Add(-time.Hour)
	ids, err := repo.RequeueStale(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_orphan"}, ids)

	orphan, err := repo.GetByTaskID(ctx, "task_orphan")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, orphan.Status)
	assert.True(t, orphan.UpdatedAt.After(cutoff))

	// handed out once per window
	ids, err = repo.RequeueStale(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTaskRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))

	require.NoError(t, repo.Create(ctx, newTask("task_1", "k1")))
	require.NoError(t, repo.Create(ctx, newTask("task_2", "k2")))
	require.NoError(t, repo.Cancel(ctx, "task_2"))

	all, err := repo.List(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "task_2", all[0].TaskID)

	queued, err := repo.List(ctx, models.TaskStatusQueued, 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "task_1", queued[0].TaskID)
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/database"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

// ResultRepository handles database operations for analysis results and their items
type ResultRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewResultRepository creates a new analysis result repository
func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db, now: time.Now}
}

// FindByCacheKey returns the result stored under cacheKey, or nil
func (r *ResultRepository) FindByCacheKey(ctx context.Context, cacheKey string) (*models.AnalysisResult, error) {
	query := `
		SELECT id, cache_key, birth_info_json, text_description, provider, model,
			   prompt_version, total_execution_time, total_token_count, created_by, created_at
		FROM analysis_results
		WHERE cache_key = ?
	`

	result, err := scanResult(r.db.QueryRowContext(ctx, query, cacheKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find result by cache key: %w", err)
	}
	return result, nil
}

// Create stores a result and its three items in one transaction.
// If another writer already stored a result for the same cache key, nothing is
// written and the existing id is returned with created == false.
func (r *ResultRepository) Create(ctx context.Context, result *models.AnalysisResult, items []models.AnalysisItem) (int64, bool, error) {
	if err := checkComplete(items); err != nil {
		return 0, false, err
	}

	birthJSON, err := json.Marshal(result.BirthInfo)
	if err != nil {
		return 0, false, fmt.Errorf("failed to serialize birth info: %w", err)
	}

	now := r.now()
	var resultID int64

	err = database.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_results (
				cache_key, birth_info_json, text_description, provider, model,
				prompt_version, total_execution_time, total_token_count, created_by, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.CacheKey,
			string(birthJSON),
			result.TextDescription,
			result.Provider,
			result.Model,
			result.PromptVersion,
			result.TotalExecutionTime,
			result.TotalTokenCount,
			result.CreatedBy,
			now.UnixMilli(),
		)
		if err != nil {
			return err
		}

		resultID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO analysis_items (
				result_id, analysis_type, content, execution_time,
				input_tokens, output_tokens, token_count, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare item insert: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if _, err := stmt.ExecContext(ctx,
				resultID,
				item.AnalysisType,
				item.Content,
				item.ExecutionTime,
				item.InputTokens,
				item.OutputTokens,
				item.TokenCount,
				now.UnixMilli(),
			); err != nil {
				return fmt.Errorf("failed to insert %s item: %w", item.AnalysisType, err)
			}
		}
		return nil
	})

	if database.IsUniqueViolation(err) {
		existing, findErr := r.FindByCacheKey(ctx, result.CacheKey)
		if findErr != nil {
			return 0, false, findErr
		}
		if existing != nil {
			return existing.ID, false, nil
		}
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to create analysis result: %w", err)
	}

	result.ID = resultID
	result.CreatedAt = now
	return resultID, true, nil
}

// GetByID retrieves a result with all of its items
func (r *ResultRepository) GetByID(ctx context.Context, id int64) (*models.AnalysisResult, error) {
	query := `
		SELECT id, cache_key, birth_info_json, text_description, provider, model,
			   prompt_version, total_execution_time, total_token_count, created_by, created_at
		FROM analysis_results
		WHERE id = ?
	`

	result, err := scanResult(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT result_id, analysis_type, content, execution_time,
			   input_tokens, output_tokens, token_count
		FROM analysis_items
		WHERE result_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis items: %w", err)
	}
	defer rows.Close()

	result.Analysis = make(map[string]models.AnalysisItem, len(models.AnalysisTypes))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis item: %w", err)
		}
		result.Analysis[item.AnalysisType] = *item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read analysis items: %w", err)
	}

	return result, nil
}

// GetItem retrieves one analysis item of a result
func (r *ResultRepository) GetItem(ctx context.Context, resultID int64, analysisType string) (*models.AnalysisItem, error) {
	query := `
		SELECT result_id, analysis_type, content, execution_time,
			   input_tokens, output_tokens, token_count
		FROM analysis_items
		WHERE result_id = ? AND analysis_type = ?
	`

	item, err := scanItem(r.db.QueryRowContext(ctx, query, resultID, analysisType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis item: %w", err)
	}
	return item, nil
}

// History lists stored results, newest first. pageSize is clamped to 1..100.
func (r *ResultRepository) History(ctx context.Context, page int, pageSize int) ([]models.HistoryEntry, models.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM analysis_results`).Scan(&total); err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to count results: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, birth_info_json, provider, model, prompt_version, created_at
		FROM analysis_results
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, pageSize, offset)
	if err != nil {
		return nil, models.Pagination{}, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var (
			entry     models.HistoryEntry
			birthJSON string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &birthJSON, &entry.Provider, &entry.Model, &entry.PromptVersion, &createdAt); err != nil {
			return nil, models.Pagination{}, fmt.Errorf("failed to scan history entry: %w", err)
		}
		var birth models.BirthInfo
		if err := json.Unmarshal([]byte(birthJSON), &birth); err != nil {
			return nil, models.Pagination{}, fmt.Errorf("failed to decode birth info of result %d: %w", entry.ID, err)
		}
		entry.Date = birth.Date
		entry.Timezone = birth.Timezone
		entry.Gender = birth.Gender
		entry.Calendar = birth.Calendar
		entry.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Pagination{}, err
	}

	return entries, models.Pagination{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasNext:  offset+pageSize < total,
	}, nil
}

func checkComplete(items []models.AnalysisItem) error {
	if len(items) != len(models.AnalysisTypes) {
		return ErrIncompleteResult
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if !models.IsValidAnalysisType(item.AnalysisType) || seen[item.AnalysisType] {
			return ErrIncompleteResult
		}
		seen[item.AnalysisType] = true
	}
	return nil
}

func scanResult(row rowScanner) (*models.AnalysisResult, error) {
	var (
		result    models.AnalysisResult
		birthJSON string
		createdAt int64
	)

	err := row.Scan(
		&result.ID,
		&result.CacheKey,
		&birthJSON,
		&result.TextDescription,
		&result.Provider,
		&result.Model,
		&result.PromptVersion,
		&result.TotalExecutionTime,
		&result.TotalTokenCount,
		&result.CreatedBy,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(birthJSON), &result.BirthInfo); err != nil {
		return nil, fmt.Errorf("failed to decode birth info: %w", err)
	}
	result.CreatedAt = time.UnixMilli(createdAt)
	return &result, nil
}

func scanItem(row rowScanner) (*models.AnalysisItem, error) {
	var item models.AnalysisItem
	err := row.Scan(
		&item.ResultID,
		&item.AnalysisType,
		&item.Content,
		&item.ExecutionTime,
		&item.InputTokens,
		&item.OutputTokens,
		&item.TokenCount,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

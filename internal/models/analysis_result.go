package models

import "time"

// AnalysisResult is a durable, cache-keyed completed analysis
type AnalysisResult struct {
	ID                 int64                   `json:"id"`
	CacheKey           string                  `json:"-"`
	BirthInfo          BirthInfo               `json:"birth_info"`
	TextDescription    string                  `json:"text_description"`
	Provider           string                  `json:"provider"`
	Model              string                  `json:"model"`
	PromptVersion      string                  `json:"prompt_version"`
	TotalExecutionTime float64                 `json:"total_execution_time"` // seconds
	TotalTokenCount    int                     `json:"total_token_count"`
	Analysis           map[string]AnalysisItem `json:"analysis,omitempty"`
	CreatedBy          string                  `json:"created_by,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
}

// AnalysisItem is one of the three sub-reports of a result
type AnalysisItem struct {
	ResultID      int64   `json:"result_id,omitempty"`
	AnalysisType  string  `json:"analysis_type"`
	Content       string  `json:"content"`
	ExecutionTime float64 `json:"execution_time"` // seconds
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TokenCount    int     `json:"token_count"`
}

// HistoryEntry is a summary row of a stored result
type HistoryEntry struct {
	ID            int64     `json:"id"`
	Date          string    `json:"date"`
	Timezone      int       `json:"timezone"`
	Gender        string    `json:"gender"`
	Calendar      string    `json:"calendar"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	PromptVersion string    `json:"prompt_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Pagination describes a page of a listing
type Pagination struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Total    int  `json:"total"`
	HasNext  bool `json:"has_next"`
}

// AnalysisType constants
const (
	AnalysisMarriagePath     = "marriage_path"
	AnalysisChallenges       = "challenges"
	AnalysisPartnerCharacter = "partner_character"
)

// AnalysisTypes lists the three analyses in execution order
var AnalysisTypes = []string{
	AnalysisMarriagePath,
	AnalysisChallenges,
	AnalysisPartnerCharacter,
}

// IsValidAnalysisType reports whether t is one of the three analysis types
func IsValidAnalysisType(t string) bool {
	for _, v := range AnalysisTypes {
		if v == t {
			return true
		}
	}
	return false
}

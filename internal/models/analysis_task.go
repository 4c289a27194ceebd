package models

import "time"

// AnalysisTask represents one submitted analysis request in flight
type AnalysisTask struct {
	ID     int64  `json:"-"`
	TaskID string `json:"task_id"`

	// Status
	Status     string `json:"status"`   // queued, running, succeeded, failed, cancelled
	Progress   int    `json:"progress"` // 0-100
	Step       string `json:"step"`
	RetryCount int    `json:"retry_count"`

	// Input parameters
	CacheKey      string    `json:"cache_key"`
	BirthInfo     BirthInfo `json:"birth_info"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	PromptVersion string    `json:"prompt_version"`

	// Results
	ResultID *int64     `json:"result_id"`
	Error    *TaskError `json:"error"`

	// Metadata
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskError is the classified failure recorded on a failed task
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskStatus constants
const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// IsTerminal reports whether no worker will touch the task again
// (failed only leaves this state through an explicit retry).
func (t *AnalysisTask) IsTerminal() bool {
	switch t.Status {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Step names, in execution order
const (
	StepQueued              = "queued"
	StepGenerateChart       = "generate_chart"
	StepLLMMarriagePath     = "llm_marriage_path"
	StepLLMChallenges       = "llm_challenges"
	StepLLMPartnerCharacter = "llm_partner_character"
	StepPersistResult       = "persist_result"
	StepDone                = "done"
)

// Step is a named phase of task execution with the progress reached when it completes
type Step struct {
	Name   string
	Target int
}

// Steps is the fixed execution plan of an analysis task
var Steps = []Step{
	{Name: StepGenerateChart, Target: 15},
	{Name: StepLLMMarriagePath, Target: 45},
	{Name: StepLLMChallenges, Target: 65},
	{Name: StepLLMPartnerCharacter, Target: 85},
	{Name: StepPersistResult, Target: 95},
	{Name: StepDone, Target: 100},
}

// NextStep returns the step that follows name, and the progress reached by completing name.
// The final step returns itself.
func NextStep(name string) (Step, int) {
	for i, s := range Steps {
		if s.Name != name {
			continue
		}
		if i+1 < len(Steps) {
			return Steps[i+1], s.Target
		}
		return s, s.Target
	}
	return Steps[0], 0
}

// LLMStep maps an analysis type to the step that runs its LLM call
func LLMStep(analysisType string) string {
	return "llm_" + analysisType
}

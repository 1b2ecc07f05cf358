package model

import "time"

// TaskType is a closed set of AI task kinds the router can serve.
type TaskType string

const (
	TaskVisionParse          TaskType = "VISION_PARSE"
	TaskContentClassify      TaskType = "CONTENT_CLASSIFY"
	TaskKnowledgeExtraction  TaskType = "KNOWLEDGE_EXTRACTION"
	TaskFlashcardGeneration  TaskType = "FLASHCARD_GENERATION"
	TaskQuestionGeneration   TaskType = "QUESTION_GENERATION"
	TaskEmbedding            TaskType = "EMBEDDING"
	TaskExamQuestionAnalysis TaskType = "EXAM_QUESTION_ANALYSIS"
)

// TaskTypes lists every task type.
var TaskTypes = []TaskType{
	TaskVisionParse, TaskContentClassify, TaskKnowledgeExtraction,
	TaskFlashcardGeneration, TaskQuestionGeneration, TaskEmbedding,
	TaskExamQuestionAnalysis,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Provider is a closed set of AI providers.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Providers lists every provider.
var Providers = []Provider{ProviderAnthropic, ProviderOpenAI}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderAnthropic || p == ProviderOpenAI
}

// TaskConfig routes one task type to a provider and model.
type TaskConfig struct {
	Task        TaskType  `json:"task" yaml:"task" mapstructure:"task"`
	Provider    Provider  `json:"provider" yaml:"provider" mapstructure:"provider"`
	Model       string    `json:"model" yaml:"model" mapstructure:"model"`
	Temperature float64   `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int64     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Active      bool      `json:"active" yaml:"active" mapstructure:"active"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-" mapstructure:"-"`
}

// Validate checks the config before it is stored.
func (c TaskConfig) Validate() error {
	if !c.Task.Valid() {
		return NewValidationError("task", "unknown task type %q", c.Task)
	}
	if !c.Provider.Valid() {
		return NewValidationError("provider", "unknown provider %q", c.Provider)
	}
	if c.Model == "" {
		return NewValidationError("model", "must not be empty")
	}
	if c.MaxTokens <= 0 {
		return NewValidationError("max_tokens", "must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return NewValidationError("temperature", "%.2f out of range [0,2]", c.Temperature)
	}
	return nil
}

// UsageRecord is one append-only ledger row per issued AI call. Cost is
// nil when the (provider, model) pair has no price or usage is unknown.
type UsageRecord struct {
	ID           string    `json:"id"`
	Task         TaskType  `json:"task"`
	Provider     Provider  `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         *float64  `json:"cost"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	PageID       string    `json:"page_id,omitempty"`
	Day          string    `json:"day"`
	CreatedAt    time.Time `json:"created_at"`
}

// DayFormat is the calendar-day key used by the ledger (UTC).
const DayFormat = "2006-01-02"

// UsageTotals sums a slice of the ledger. UnpricedCalls counts rows whose
// cost is nil; those contribute zero to Cost.
type UsageTotals struct {
	Calls         int64   `json:"calls"`
	FailedCalls   int64   `json:"failed_calls"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	Cost          float64 `json:"cost"`
	UnpricedCalls int64   `json:"unpriced_calls"`
}

// Add accumulates o into t.
func (t *UsageTotals) Add(o UsageTotals) {
	t.Calls += o.Calls
	t.FailedCalls += o.FailedCalls
	t.InputTokens += o.InputTokens
	t.OutputTokens += o.OutputTokens
	t.Cost += o.Cost
	t.UnpricedCalls += o.UnpricedCalls
}

// TaskUsage is the ledger grouped by task type.
type TaskUsage struct {
	Task TaskType `json:"task"`
	UsageTotals
}

// DayUsage is the ledger grouped by calendar day.
type DayUsage struct {
	Day string `json:"day"`
	UsageTotals
}

// BatchUsage is the ledger for one batch with its raw records.
type BatchUsage struct {
	BatchID string        `json:"batch_id"`
	Totals  UsageTotals   `json:"totals"`
	Records []UsageRecord `json:"records"`
}

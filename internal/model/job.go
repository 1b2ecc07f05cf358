package model

import "time"

// Stage is one step of the fixed content pipeline.
type Stage string

const (
	StageVisionParse         Stage = "VISION_PARSE"
	StageContentClassify     Stage = "CONTENT_CLASSIFY"
	StageKnowledgeExtraction Stage = "KNOWLEDGE_EXTRACTION"
	StageFlashcardGeneration Stage = "FLASHCARD_GENERATION"
	StageQuestionGeneration  Stage = "QUESTION_GENERATION"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageVisionParse, StageContentClassify, StageKnowledgeExtraction,
	StageFlashcardGeneration, StageQuestionGeneration,
}

// UnitKind names the entity a stage operates on.
type UnitKind string

const (
	UnitPage    UnitKind = "page"
	UnitBlock   UnitKind = "block"
	UnitContent UnitKind = "content"
	UnitBatch   UnitKind = "batch"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, v := range Stages {
		if v == s {
			return true
		}
	}
	return false
}

// Unit returns the kind of entity the stage works on.
func (s Stage) Unit() UnitKind {
	switch s {
	case StageVisionParse:
		return UnitPage
	case StageContentClassify:
		return UnitBlock
	default:
		return UnitContent
	}
}

// Task returns the AI task type the stage calls.
func (s Stage) Task() TaskType {
	return TaskType(s)
}

// JobStatus is the state of a stage job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

// IsActive reports whether the job still occupies its unit.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobRunning
}

// StageJob is one unit of asynchronous stage work. The job table is the
// queue: workers claim QUEUED jobs whose RunAt has passed.
type StageJob struct {
	ID          string    `json:"id"`
	Stage       Stage     `json:"stage"`
	UnitID      string    `json:"unit_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAt       time.Time `json:"run_at"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobHandle is the opaque reference returned by enqueue and persisted on
// the owning entity.
type JobHandle struct {
	JobID  string `json:"job_id"`
	Stage  Stage  `json:"stage"`
	UnitID string `json:"unit_id"`
}

// StatusOverride is the audit row written by every administrative status
// change. It is the only way an entity moves backward.
type StatusOverride struct {
	ID        string    `json:"id"`
	Entity    UnitKind  `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Field     string    `json:"field"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

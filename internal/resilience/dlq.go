package resilience

import (
	"time"

	"github.com/sells-group/studyforge/internal/model"
)

// DLQEntry records a stage job that failed permanently. The owning entity is
// FAILED; an operator re-trigger removes the entry and enqueues a new job.
type DLQEntry struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Stage     model.Stage `json:"stage"`
	UnitID    string      `json:"unit_id"`
	BatchID   string      `json:"batch_id,omitempty"`
	Error     string      `json:"error"`
	ErrorType string      `json:"error_type"` // "transient" or "permanent"
	ErrorKind string      `json:"error_kind,omitempty"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	Stage     model.Stage `json:"stage,omitempty"`
	BatchID   string      `json:"batch_id,omitempty"`
	ErrorType string      `json:"error_type,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// ClassifyError categorizes an error as "transient" or "permanent". A
// transient error in the DLQ means the retry budget ran out, not that the
// failure was permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// NewDLQEntry builds the dead-letter entry for a job that will not run again.
func NewDLQEntry(job model.StageJob, err error, now time.Time) DLQEntry {
	return DLQEntry{
		JobID:     job.ID,
		Stage:     job.Stage,
		UnitID:    job.UnitID,
		BatchID:   job.BatchID,
		Error:     err.Error(),
		ErrorType: ClassifyError(err),
		ErrorKind: KindOf(err),
		Attempts:  job.Attempts,
		CreatedAt: now,
	}
}

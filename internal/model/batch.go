package model

import "time"

// BatchStatus represents the current state of an upload batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusClassified BatchStatus = "CLASSIFIED"
	BatchStatusReviewed   BatchStatus = "REVIEWED"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// BatchLifecycle lists the legal forward moves of a batch.
var BatchLifecycle = NewLifecycle("batch", map[BatchStatus][]BatchStatus{
	BatchStatusPending:    {BatchStatusProcessing, BatchStatusFailed},
	BatchStatusProcessing: {BatchStatusClassified, BatchStatusFailed},
	BatchStatusClassified: {BatchStatusReviewed, BatchStatusCompleted},
	BatchStatusReviewed:   {BatchStatusCompleted},
})

// ContentType is the kind of study material a batch is expected to hold.
type ContentType string

const (
	ContentTypeLecture   ContentType = "LECTURE"
	ContentTypeTextbook  ContentType = "TEXTBOOK"
	ContentTypeExam      ContentType = "EXAM"
	ContentTypeAlgorithm ContentType = "ALGORITHM"
	ContentTypeMixed     ContentType = "MIXED"
)

// Batch is a user-declared unit of work owning one or more pages.
type Batch struct {
	ID              string      `json:"id"`
	Topic           string      `json:"topic"`
	Description     string      `json:"description,omitempty"`
	ContentTypeHint ContentType `json:"content_type_hint,omitempty"`
	VisionProvider  Provider    `json:"vision_provider,omitempty"`
	Status          BatchStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// StageStatus is the status of one asynchronous stage on a unit of work
// (page vision parse, content extraction, generation).
type StageStatus string

const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusQueued     StageStatus = "QUEUED"
	StageStatusProcessing StageStatus = "PROCESSING"
	StageStatusDone       StageStatus = "DONE"
	StageStatusFailed     StageStatus = "FAILED"
)

// StageLifecycle lists the legal forward moves of any stage status.
// PROCESSING → PROCESSING covers a redelivered job after a transient failure.
var StageLifecycle = NewLifecycle("stage", map[StageStatus][]StageStatus{
	StageStatusPending:    {StageStatusQueued, StageStatusFailed},
	StageStatusQueued:     {StageStatusProcessing, StageStatusFailed},
	StageStatusProcessing: {StageStatusProcessing, StageStatusDone, StageStatusFailed},
})

// IsTerminal reports whether no stage work remains for this status.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusDone || s == StageStatusFailed
}

// Page is one source image within a batch.
type Page struct {
	ID         string      `json:"id"`
	BatchID    string      `json:"batch_id"`
	PageNumber int         `json:"page_number"`
	FileKey    string      `json:"file_key"`
	MediaType  string      `json:"media_type"`
	OCRStatus  StageStatus `json:"ocr_status"`
	OCRJobID   string      `json:"ocr_job_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// BatchStatusAfterPages derives the batch status once page work settles.
// It returns false while any page is still in flight or when the batch is
// past the point where page outcomes matter.
func BatchStatusAfterPages(current BatchStatus, pages PageCounts) (BatchStatus, bool) {
	if current != BatchStatusProcessing || pages.Total == 0 {
		return current, false
	}
	if pages.Done+pages.Failed < pages.Total {
		return current, false
	}
	if pages.Done > 0 {
		return BatchStatusClassified, true
	}
	return BatchStatusFailed, true
}

// BatchStatusAfterReview moves a classified batch to REVIEWED once no block
// is left unreviewed.
func BatchStatusAfterReview(current BatchStatus, blocks BlockCounts) (BatchStatus, bool) {
	if current != BatchStatusClassified || blocks.Total == 0 {
		return current, false
	}
	if blocks.Unreviewed > 0 {
		return current, false
	}
	return BatchStatusReviewed, true
}

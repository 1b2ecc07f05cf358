package model

import "time"

// ApprovedContent is text a human approved for knowledge extraction, either
// from a block or entered manually. Text is immutable except through
// re-approval, which bumps Revision.
type ApprovedContent struct {
	ID               string      `json:"id"`
	BlockID          string      `json:"block_id,omitempty"`
	BatchID          string      `json:"batch_id,omitempty"`
	Text             string      `json:"text"`
	Category         string      `json:"category,omitempty"`
	SubtopicID       string      `json:"subtopic_id,omitempty"`
	ApprovedBy       string      `json:"approved_by"`
	ApprovedAt       time.Time   `json:"approved_at"`
	Revision         int         `json:"revision"`
	ExtractionStatus StageStatus `json:"extraction_status"`
	ExtractionJobID  string      `json:"extraction_job_id,omitempty"`
	FlashcardStatus  StageStatus `json:"flashcard_status"`
	FlashcardJobID   string      `json:"flashcard_job_id,omitempty"`
	QuestionStatus   StageStatus `json:"question_status"`
	QuestionJobID    string      `json:"question_job_id,omitempty"`
}

// KnowledgePoint is an atomic fact extracted from approved content.
type KnowledgePoint struct {
	ID          string    `json:"id"`
	ContentID   string    `json:"content_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	Text        string    `json:"text"`
	Category    string    `json:"category,omitempty"`
	Subcategory string    `json:"subcategory,omitempty"`
	SubtopicID  string    `json:"subtopic_id,omitempty"`
	ConceptIDs  []string  `json:"concept_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ApprovalStatus is the human decision on a generated artifact.
type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "DRAFT"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ApprovalLifecycle lists the legal approval decisions.
var ApprovalLifecycle = NewLifecycle("artifact", map[ApprovalStatus][]ApprovalStatus{
	ApprovalDraft: {ApprovalApproved, ApprovalRejected},
})

// VisualStatus tracks the visual asset a flashcard may require.
type VisualStatus string

const (
	VisualNotRequired VisualStatus = "NOT_REQUIRED"
	VisualRequired    VisualStatus = "REQUIRED"
	VisualUploaded    VisualStatus = "UPLOADED"
)

// Flashcard is a generated study card.
type Flashcard struct {
	ID                string         `json:"id"`
	ContentID         string         `json:"content_id"`
	BatchID           string         `json:"batch_id,omitempty"`
	KnowledgePointIDs []string       `json:"knowledge_point_ids"`
	Front             string         `json:"front"`
	Back              string         `json:"back"`
	UseVisual         bool           `json:"use_visual"`
	VisualStatus      VisualStatus   `json:"visual_status"`
	VisualFileKey     string         `json:"visual_file_key,omitempty"`
	ApprovalStatus    ApprovalStatus `json:"approval_status"`
	PublishedAt       *time.Time     `json:"published_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// CanPublish returns nil if the card may be published, otherwise a
// StateConflictError describing the missing precondition.
func (f *Flashcard) CanPublish() error {
	if f.ApprovalStatus != ApprovalApproved {
		return &StateConflictError{
			Entity: "flashcard", ID: f.ID,
			Current: string(f.ApprovalStatus), Expected: string(ApprovalApproved),
			Reason: "flashcard is not approved",
		}
	}
	if f.UseVisual && f.VisualStatus != VisualUploaded {
		return &StateConflictError{
			Entity: "flashcard", ID: f.ID,
			Current: string(f.VisualStatus), Expected: string(VisualUploaded),
			Reason: "visual asset has not been uploaded",
		}
	}
	return nil
}

// Question is a generated multiple-choice question.
type Question struct {
	ID                string         `json:"id"`
	ContentID         string         `json:"content_id"`
	BatchID           string         `json:"batch_id,omitempty"`
	KnowledgePointIDs []string       `json:"knowledge_point_ids"`
	Stem              string         `json:"stem"`
	Options           []string       `json:"options"`
	CorrectIndex      int            `json:"correct_index"`
	Explanation       string         `json:"explanation,omitempty"`
	ApprovalStatus    ApprovalStatus `json:"approval_status"`
	PublishedAt       *time.Time     `json:"published_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// CanPublish returns nil if the question is approved.
func (q *Question) CanPublish() error {
	if q.ApprovalStatus != ApprovalApproved {
		return &StateConflictError{
			Entity: "question", ID: q.ID,
			Current: string(q.ApprovalStatus), Expected: string(ApprovalApproved),
			Reason: "question is not approved",
		}
	}
	return nil
}

// Validate checks the generated question shape.
func (q *Question) Validate() error {
	if q.Stem == "" {
		return NewValidationError("stem", "must not be empty")
	}
	if len(q.Options) < 2 {
		return NewValidationError("options", "need at least 2, got %d", len(q.Options))
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return NewValidationError("correct_index", "%d out of range", q.CorrectIndex)
	}
	return nil
}

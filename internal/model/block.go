package model

import (
	"regexp"
	"time"
)

// BlockType is the structural kind of a parsed block.
type BlockType string

const (
	BlockTypeText      BlockType = "TEXT"
	BlockTypeTable     BlockType = "TABLE"
	BlockTypeAlgorithm BlockType = "ALGORITHM"
)

// ClassificationStatus tracks AI classification of a block. FAILED is
// reached only after the classify stage exhausts its retry budget.
type ClassificationStatus string

const (
	ClassificationPending    ClassificationStatus = "PENDING"
	ClassificationClassified ClassificationStatus = "CLASSIFIED"
	ClassificationFailed     ClassificationStatus = "FAILED"
)

// ClassificationLifecycle flips PENDING to CLASSIFIED once.
var ClassificationLifecycle = NewLifecycle("block", map[ClassificationStatus][]ClassificationStatus{
	ClassificationPending: {ClassificationClassified, ClassificationFailed},
})

// ReviewStatus is the human decision on a block.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "UNREVIEWED"
	ReviewApproved   ReviewStatus = "APPROVED"
	ReviewRejected   ReviewStatus = "REJECTED"
)

// ReviewLifecycle lists legal review decisions.
var ReviewLifecycle = NewLifecycle("block review", map[ReviewStatus][]ReviewStatus{
	ReviewUnreviewed: {ReviewApproved, ReviewRejected},
	ReviewRejected:   {ReviewApproved},
})

// Suggestion is the AI-proposed placement of a block. It is advisory; no
// downstream stage reads it as ground truth.
type Suggestion struct {
	Lesson      string  `json:"lesson,omitempty"`
	Topic       string  `json:"topic,omitempty"`
	Subtopic    string  `json:"subtopic,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Block is a parsed content fragment on a page.
type Block struct {
	ID                   string               `json:"id"`
	PageID               string               `json:"page_id"`
	BatchID              string               `json:"batch_id"`
	Position             int                  `json:"position"`
	Text                 string               `json:"text"`
	TableData            [][]string           `json:"table_data,omitempty"`
	BlockType            BlockType            `json:"block_type"`
	ClassificationStatus ClassificationStatus `json:"classification_status"`
	ClassifyJobID        string               `json:"classify_job_id,omitempty"`
	Suggestion           *Suggestion          `json:"suggestion,omitempty"`
	SubtopicID           string               `json:"subtopic_id,omitempty"`
	ReviewStatus         ReviewStatus         `json:"review_status"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// ParsedBlock is one block as returned by the vision stage, before it is
// persisted.
type ParsedBlock struct {
	Text      string     `json:"text"`
	TableData [][]string `json:"table_data,omitempty"`
}

var algorithmStep = regexp.MustCompile(`(?im)(→|->|=>)|^\s*(step\s*)?\d+[.)]\s+`)

// DetectBlockType derives the block type from its content. Table data wins;
// a block with at least two algorithm markers (arrows or numbered steps) is
// an algorithm; everything else is text.
func DetectBlockType(text string, tableData [][]string) BlockType {
	if len(tableData) > 0 {
		return BlockTypeTable
	}
	if len(algorithmStep.FindAllStringIndex(text, 3)) >= 2 {
		return BlockTypeAlgorithm
	}
	return BlockTypeText
}

// Clamp01 bounds a confidence score to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

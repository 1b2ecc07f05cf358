package model

import "time"

// ConceptType is the anatomical category of a concept.
type ConceptType string

const (
	ConceptNerve     ConceptType = "NERVE"
	ConceptMuscle    ConceptType = "MUSCLE"
	ConceptVessel    ConceptType = "VESSEL"
	ConceptStructure ConceptType = "STRUCTURE"
	ConceptOrgan     ConceptType = "ORGAN"
	ConceptBone      ConceptType = "BONE"
	ConceptJoint     ConceptType = "JOINT"
	ConceptLigament  ConceptType = "LIGAMENT"
	ConceptSpace     ConceptType = "SPACE"
	ConceptForamen   ConceptType = "FORAMEN"
)

// ConceptTypes lists every concept type.
var ConceptTypes = []ConceptType{
	ConceptNerve, ConceptMuscle, ConceptVessel, ConceptStructure, ConceptOrgan,
	ConceptBone, ConceptJoint, ConceptLigament, ConceptSpace, ConceptForamen,
}

// Valid reports whether t is a known concept type.
func (t ConceptType) Valid() bool {
	for _, c := range ConceptTypes {
		if c == t {
			return true
		}
	}
	return false
}

// ConceptStatus is the lifecycle state of a concept.
type ConceptStatus string

const (
	ConceptActive   ConceptStatus = "ACTIVE"
	ConceptMerged   ConceptStatus = "MERGED"
	ConceptDisabled ConceptStatus = "DISABLED"
)

// ConceptLifecycle lists the legal moves of a concept. MERGED is terminal.
var ConceptLifecycle = NewLifecycle("concept", map[ConceptStatus][]ConceptStatus{
	ConceptActive:   {ConceptMerged, ConceptDisabled},
	ConceptDisabled: {ConceptActive},
})

// AliasProvenance records where an alias came from.
type AliasProvenance string

const (
	ProvenancePreferred AliasProvenance = "preferred"
	ProvenanceManual    AliasProvenance = "manual"
	ProvenanceHint      AliasProvenance = "hint"
	ProvenanceMerge     AliasProvenance = "merge"
)

// Concept is a canonical medical entity.
type Concept struct {
	ID             string        `json:"id"`
	Type           ConceptType   `json:"type"`
	Status         ConceptStatus `json:"status"`
	PreferredLabel string        `json:"preferred_label"`
	Description    string        `json:"description,omitempty"`
	SubtopicID     string        `json:"subtopic_id,omitempty"`
	MergedInto     string        `json:"merged_into,omitempty"`
	Aliases        []Alias       `json:"aliases,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Alias is one surface form of a concept.
type Alias struct {
	ID         string          `json:"id"`
	ConceptID  string          `json:"concept_id"`
	Label      string          `json:"label"`
	Normalized string          `json:"normalized"`
	Language   string          `json:"language"`
	Provenance AliasProvenance `json:"provenance"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SubtopicStatus is the lifecycle state of a subtopic.
type SubtopicStatus string

const (
	SubtopicActive SubtopicStatus = "ACTIVE"
	SubtopicMerged SubtopicStatus = "MERGED"
)

// Subtopic groups blocks, content, knowledge points and concepts.
type Subtopic struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	Name       string         `json:"name"`
	Status     SubtopicStatus `json:"status"`
	MergedInto string         `json:"merged_into,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HintStatus is the lifecycle state of an unresolved hint.
type HintStatus string

const (
	HintPending  HintStatus = "PENDING"
	HintResolved HintStatus = "RESOLVED"
)

// HintOutcome records how a hint was resolved.
type HintOutcome string

const (
	OutcomeCreated HintOutcome = "created"
	OutcomeAliased HintOutcome = "aliased"
	OutcomeIgnored HintOutcome = "ignored"
)

// HintSource is one place a hint's mention was seen.
type HintSource struct {
	BatchID string `json:"batch_id,omitempty"`
	PageID  string `json:"page_id,omitempty"`
}

// UnresolvedHint is a mention that resolution could not map to a concept.
type UnresolvedHint struct {
	ID                 string       `json:"id"`
	Normalized         string       `json:"normalized"`
	RawText            string       `json:"raw_text"`
	Occurrences        int          `json:"occurrences"`
	Status             HintStatus   `json:"status"`
	Outcome            HintOutcome  `json:"outcome,omitempty"`
	ConceptID          string       `json:"concept_id,omitempty"`
	SuggestedConceptID string       `json:"suggested_concept_id,omitempty"`
	SuggestedScore     float64      `json:"suggested_score,omitempty"`
	Reason             string       `json:"reason,omitempty"`
	Sources            []HintSource `json:"sources,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty"`
}

// MergeCounts is what a concept or subtopic merge moves. Preview and
// execution both report it.
type MergeCounts struct {
	Aliases          int `json:"aliases"`
	DuplicateAliases int `json:"duplicate_aliases"`
	KnowledgePoints  int `json:"knowledge_points"`
	Hints            int `json:"hints"`
	Blocks           int `json:"blocks"`
	Contents         int `json:"contents"`
	Concepts         int `json:"concepts"`
	RedirectedMerges int `json:"redirected_merges"`
}

// MergeResult is the outcome of a merge or a merge preview.
type MergeResult struct {
	SourceID string      `json:"source_id"`
	TargetID string      `json:"target_id"`
	NoOp     bool        `json:"no_op"`
	DryRun   bool        `json:"dry_run"`
	Counts   MergeCounts `json:"counts"`
}

// HintMention is one unresolved mention produced by the read-only match
// phase, waiting to be written as a hint occurrence.
type HintMention struct {
	Normalized         string  `json:"normalized"`
	RawText            string  `json:"raw_text"`
	SuggestedConceptID string  `json:"suggested_concept_id,omitempty"`
	SuggestedScore     float64 `json:"suggested_score,omitempty"`
}

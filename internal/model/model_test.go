package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectBlockType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		table [][]string
		want  BlockType
	}{
		{"table data wins", "1. a\n2. b", [][]string{{"a", "b"}}, BlockTypeTable},
		{"plain text", "The median nerve runs through the carpal tunnel.", nil, BlockTypeText},
		{"numbered steps", "1. Assess airway\n2. Check breathing\n3. Circulation", nil, BlockTypeAlgorithm},
		{"arrows", "Chest pain → ECG → troponin", nil, BlockTypeAlgorithm},
		{"single arrow", "A -> B", nil, BlockTypeText},
		{"empty table slice", "text", [][]string{}, BlockTypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DetectBlockType(tt.text, tt.table))
		})
	}
}

func TestBatchStatusAfterPages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current BatchStatus
		pages   PageCounts
		want    BatchStatus
		changed bool
	}{
		{"still in flight", BatchStatusProcessing, PageCounts{Total: 2, Done: 1, InFlight: 1}, BatchStatusProcessing, false},
		{"all done", BatchStatusProcessing, PageCounts{Total: 2, Done: 2}, BatchStatusClassified, true},
		{"some failed", BatchStatusProcessing, PageCounts{Total: 3, Done: 2, Failed: 1}, BatchStatusClassified, true},
		{"all failed", BatchStatusProcessing, PageCounts{Total: 2, Failed: 2}, BatchStatusFailed, true},
		{"not processing", BatchStatusClassified, PageCounts{Total: 2, Done: 2}, BatchStatusClassified, false},
		{"no pages", BatchStatusProcessing, PageCounts{}, BatchStatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, changed := BatchStatusAfterPages(tt.current, tt.pages)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestBatchStatusAfterReview(t *testing.T) {
	t.Parallel()

	got, changed := BatchStatusAfterReview(BatchStatusClassified, BlockCounts{Total: 3, Unreviewed: 1})
	assert.False(t, changed)
	assert.Equal(t, BatchStatusClassified, got)

	got, changed = BatchStatusAfterReview(BatchStatusClassified, BlockCounts{Total: 3, Approved: 2, Rejected: 1})
	assert.True(t, changed)
	assert.Equal(t, BatchStatusReviewed, got)
}

func TestFlashcardCanPublish(t *testing.T) {
	t.Parallel()

	card := Flashcard{ID: "f1", ApprovalStatus: ApprovalApproved, UseVisual: true, VisualStatus: VisualRequired}
	err := card.CanPublish()
	require.Error(t, err)
	assert.True(t, IsStateConflict(err))
	assert.Contains(t, err.Error(), "UPLOADED")

	card.VisualStatus = VisualUploaded
	assert.NoError(t, card.CanPublish())

	draft := Flashcard{ID: "f2", ApprovalStatus: ApprovalDraft}
	assert.Error(t, draft.CanPublish())

	noVisual := Flashcard{ID: "f3", ApprovalStatus: ApprovalApproved, VisualStatus: VisualNotRequired}
	assert.NoError(t, noVisual.CanPublish())
}

func TestQuestionValidate(t *testing.T) {
	t.Parallel()

	q := Question{Stem: "Which nerve?", Options: []string{"median", "ulnar"}, CorrectIndex: 1}
	assert.NoError(t, q.Validate())

	q.CorrectIndex = 2
	assert.True(t, IsValidation(q.Validate()))

	q.Options = []string{"only"}
	q.CorrectIndex = 0
	assert.True(t, IsValidation(q.Validate()))
}

func TestAvailability(t *testing.T) {
	t.Parallel()

	a := Availability(PipelineCounts{})
	assert.False(t, a.Review)
	assert.False(t, a.KnowledgeExtraction)
	assert.Zero(t, a.AwaitingVisual)

	a = Availability(PipelineCounts{
		Blocks:     BlockCounts{Total: 4, Classified: 4, ReviewReady: 3, Unreviewed: 3},
		Contents:   ContentCounts{Total: 2, ExtractionPending: 1, FlashcardsPending: 1},
		Flashcards: ArtifactCounts{Total: 5, Draft: 2, Approved: 3, AwaitingVisual: 1, Publishable: 2},
		Questions:  ArtifactCounts{Total: 1, Draft: 1},
	})
	assert.True(t, a.Review)
	assert.Equal(t, 3, a.AwaitingReview)
	assert.True(t, a.KnowledgeExtraction)
	assert.True(t, a.FlashcardGeneration)
	assert.False(t, a.QuestionGeneration)
	assert.Equal(t, 3, a.AwaitingApproval)
	assert.Equal(t, 1, a.AwaitingVisual)
	assert.Equal(t, 2, a.ReadyToPublish)
	assert.True(t, a.Publishing)
}

func TestTaskConfigValidate(t *testing.T) {
	t.Parallel()

	good := TaskConfig{Task: TaskVisionParse, Provider: ProviderOpenAI, Model: "gpt-4o", MaxTokens: 4096, Temperature: 0.2}
	assert.NoError(t, good.Validate())

	bad := good
	bad.Task = "SUMMARIZE"
	assert.True(t, IsValidation(bad.Validate()))

	bad = good
	bad.Provider = "mistral"
	assert.True(t, IsValidation(bad.Validate()))

	bad = good
	bad.MaxTokens = 0
	assert.True(t, IsValidation(bad.Validate()))
}

func TestStageUnits(t *testing.T) {
	t.Parallel()

	assert.Equal(t, UnitPage, StageVisionParse.Unit())
	assert.Equal(t, UnitBlock, StageContentClassify.Unit())
	assert.Equal(t, UnitContent, StageQuestionGeneration.Unit())
	for _, s := range Stages {
		assert.True(t, s.Task().Valid(), "stage %s maps to a task", s)
	}
}

func TestUsageTotalsAdd(t *testing.T) {
	t.Parallel()

	var total UsageTotals
	total.Add(UsageTotals{Calls: 2, InputTokens: 100, Cost: 0.5})
	total.Add(UsageTotals{Calls: 1, FailedCalls: 1, UnpricedCalls: 1})
	assert.Equal(t, int64(3), total.Calls)
	assert.Equal(t, int64(1), total.UnpricedCalls)
	assert.InDelta(t, 0.5, total.Cost, 1e-9)
}

package model

// PageCounts counts pages of a batch by OCR status.
type PageCounts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// BlockCounts counts blocks of a batch by classification and review state.
type BlockCounts struct {
	Total          int `json:"total"`
	Classified     int `json:"classified"`
	ClassifyFailed int `json:"classify_failed"`
	Unreviewed     int `json:"unreviewed"`
	ReviewReady    int `json:"review_ready"`
	Approved       int `json:"approved"`
	Rejected       int `json:"rejected"`
}

// ContentCounts counts approved content by downstream stage state.
type ContentCounts struct {
	Total              int `json:"total"`
	ExtractionPending  int `json:"extraction_pending"`
	ExtractionInFlight int `json:"extraction_in_flight"`
	ExtractionDone     int `json:"extraction_done"`
	ExtractionFailed   int `json:"extraction_failed"`
	FlashcardsPending  int `json:"flashcards_pending"`
	QuestionsPending   int `json:"questions_pending"`
}

// ArtifactCounts counts generated flashcards or questions.
type ArtifactCounts struct {
	Total          int `json:"total"`
	Draft          int `json:"draft"`
	Approved       int `json:"approved"`
	AwaitingVisual int `json:"awaiting_visual"`
	Publishable    int `json:"publishable"`
	Published      int `json:"published"`
}

// PipelineCounts is every count availability is derived from. The store
// computes it from persisted entity states in one read.
type PipelineCounts struct {
	Pages           PageCounts     `json:"pages"`
	Blocks          BlockCounts    `json:"blocks"`
	Contents        ContentCounts  `json:"contents"`
	KnowledgePoints int            `json:"knowledge_points"`
	Flashcards      ArtifactCounts `json:"flashcards"`
	Questions       ArtifactCounts `json:"questions"`
}

// StageAvailability says which downstream steps may run now and how much
// work is waiting for each.
type StageAvailability struct {
	Review              bool `json:"review"`
	KnowledgeExtraction bool `json:"knowledge_extraction"`
	FlashcardGeneration bool `json:"flashcard_generation"`
	QuestionGeneration  bool `json:"question_generation"`
	ArtifactApproval    bool `json:"artifact_approval"`
	Publishing          bool `json:"publishing"`

	AwaitingReview     int `json:"awaiting_review"`
	AwaitingExtraction int `json:"awaiting_extraction"`
	AwaitingGeneration int `json:"awaiting_generation"`
	AwaitingApproval   int `json:"awaiting_approval"`
	AwaitingVisual     int `json:"awaiting_visual"`
	ReadyToPublish     int `json:"ready_to_publish"`
}

// Availability derives stage availability from entity counts. It is a pure
// function; nothing about availability is stored.
func Availability(c PipelineCounts) StageAvailability {
	a := StageAvailability{
		AwaitingReview:     c.Blocks.ReviewReady,
		AwaitingExtraction: c.Contents.ExtractionPending,
		AwaitingGeneration: c.Contents.FlashcardsPending + c.Contents.QuestionsPending,
		AwaitingApproval:   c.Flashcards.Draft + c.Questions.Draft,
		AwaitingVisual:     c.Flashcards.AwaitingVisual,
		ReadyToPublish:     c.Flashcards.Publishable + c.Questions.Publishable,
	}
	a.Review = a.AwaitingReview > 0
	a.KnowledgeExtraction = a.AwaitingExtraction > 0
	a.FlashcardGeneration = c.Contents.FlashcardsPending > 0
	a.QuestionGeneration = c.Contents.QuestionsPending > 0
	a.ArtifactApproval = a.AwaitingApproval > 0
	a.Publishing = a.ReadyToPublish > 0
	return a
}

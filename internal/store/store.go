// Package store persists pipeline entities, the stage job queue, the AI
// usage ledger and the concept graph. One SQL implementation serves both
// SQLite and Postgres through internal/db.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Status model.BatchStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// BlockFilter specifies criteria for listing blocks of a batch.
type BlockFilter struct {
	ReviewStatus         model.ReviewStatus         `json:"review_status,omitempty"`
	ClassificationStatus model.ClassificationStatus `json:"classification_status,omitempty"`
}

// ArtifactFilter selects flashcards or questions by content or batch.
type ArtifactFilter struct {
	ContentID      string               `json:"content_id,omitempty"`
	BatchID        string               `json:"batch_id,omitempty"`
	ApprovalStatus model.ApprovalStatus `json:"approval_status,omitempty"`
}

// ApproveInput is the human decision that turns a block into approved
// content. Empty fields default to the block's own values.
type ApproveInput struct {
	Actor      string `json:"actor"`
	Text       string `json:"text,omitempty"`
	Category   string `json:"category,omitempty"`
	SubtopicID string `json:"subtopic_id,omitempty"`
}

// UsageFilter bounds ledger aggregation to an inclusive UTC day range.
// Empty bounds are open.
type UsageFilter struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// ExtractedPoint is one knowledge point with its resolved concepts and the
// mentions that did not resolve.
type ExtractedPoint struct {
	Text        string              `json:"text"`
	Category    string              `json:"category,omitempty"`
	Subcategory string              `json:"subcategory,omitempty"`
	ConceptIDs  []string            `json:"concept_ids,omitempty"`
	Hints       []model.HintMention `json:"hints,omitempty"`
}

// ExtractionResult is everything the knowledge-extraction stage writes in
// its completion transaction.
type ExtractionResult struct {
	JobID     string           `json:"job_id"`
	ContentID string           `json:"content_id"`
	Points    []ExtractedPoint `json:"points"`
}

// ConceptFilter specifies criteria for concept search. Query is matched as
// a normalized substring of the preferred label and every alias.
type ConceptFilter struct {
	Query  string              `json:"query,omitempty"`
	Type   model.ConceptType   `json:"type,omitempty"`
	Status model.ConceptStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// ConceptPatch carries optional concept field updates.
type ConceptPatch struct {
	PreferredLabel *string              `json:"preferred_label,omitempty"`
	Description    *string              `json:"description,omitempty"`
	Type           *model.ConceptType   `json:"type,omitempty"`
	Status         *model.ConceptStatus `json:"status,omitempty"`
	SubtopicID     *string              `json:"subtopic_id,omitempty"`
}

// AliasEntry is an enabled alias of an active concept, as used by the
// matcher.
type AliasEntry struct {
	AliasID        string            `json:"alias_id"`
	ConceptID      string            `json:"concept_id"`
	ConceptType    model.ConceptType `json:"concept_type"`
	PreferredLabel string            `json:"preferred_label"`
	Label          string            `json:"label"`
	Normalized     string            `json:"normalized"`
}

// HintFilter specifies criteria for listing hints.
type HintFilter struct {
	Status  model.HintStatus `json:"status,omitempty"`
	Search  string           `json:"search,omitempty"`
	BatchID string           `json:"batch_id,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Offset  int              `json:"offset,omitempty"`
}

// HintStats summarizes the hint table.
type HintStats struct {
	Total              int                       `json:"total"`
	ByStatus           map[model.HintStatus]int  `json:"by_status"`
	ByOutcome          map[model.HintOutcome]int `json:"by_outcome"`
	PendingOccurrences int                       `json:"pending_occurrences"`
	TopPending         []model.UnresolvedHint    `json:"top_pending"`
}

// MergeCheck validates a merge against the rows read inside the merge
// transaction. It returns noop=true when the merge has already happened.
type MergeCheck[T any] func(source, target *T) (noop bool, err error)

// JobStats counts stage jobs by stage and status.
type JobStats map[model.Stage]map[model.JobStatus]int

// HealthStats is the pipeline health snapshot read by the monitor.
type HealthStats struct {
	FailedPages    int               `json:"failed_pages"`
	FailedBlocks   int               `json:"failed_blocks"`
	FailedContents int               `json:"failed_contents"`
	Jobs           JobStats          `json:"jobs"`
	DLQDepth       int               `json:"dlq_depth"`
	OldestQueued   *time.Time        `json:"oldest_queued,omitempty"`
	PendingHints   int               `json:"pending_hints"`
	Spend          model.UsageTotals `json:"spend"`
}

// Store defines the persistence interface for the content pipeline.
type Store interface {
	// Batches, pages, blocks
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)
	CompleteBatch(ctx context.Context, id string) (*model.Batch, error)
	DeleteBatch(ctx context.Context, id string) ([]string, error)
	AddPage(ctx context.Context, p *model.Page) error
	GetPage(ctx context.Context, id string) (*model.Page, error)
	ListPages(ctx context.Context, batchID string, status model.StageStatus) ([]model.Page, error)
	GetBlock(ctx context.Context, id string) (*model.Block, error)
	ListBlocks(ctx context.Context, batchID string, filter BlockFilter) ([]model.Block, error)
	ApproveBlock(ctx context.Context, blockID string, in ApproveInput) (*model.ApprovedContent, error)
	RejectBlock(ctx context.Context, blockID, actor string) (*model.Block, error)
	PipelineCounts(ctx context.Context, batchID string) (model.PipelineCounts, error)

	// Approved content and artifacts
	CreateContent(ctx context.Context, c *model.ApprovedContent) error
	GetContent(ctx context.Context, id string) (*model.ApprovedContent, error)
	ListContents(ctx context.Context, batchID string) ([]model.ApprovedContent, error)
	ReapproveContent(ctx context.Context, id, text, actor string) (*model.ApprovedContent, error)
	ListKnowledgePoints(ctx context.Context, contentID string) ([]model.KnowledgePoint, error)
	GetFlashcard(ctx context.Context, id string) (*model.Flashcard, error)
	ListFlashcards(ctx context.Context, filter ArtifactFilter) ([]model.Flashcard, error)
	DecideFlashcard(ctx context.Context, id string, decision model.ApprovalStatus) (*model.Flashcard, error)
	AttachFlashcardVisual(ctx context.Context, id, fileKey string) (*model.Flashcard, error)
	PublishFlashcard(ctx context.Context, id string) (*model.Flashcard, error)
	GetQuestion(ctx context.Context, id string) (*model.Question, error)
	ListQuestions(ctx context.Context, filter ArtifactFilter) ([]model.Question, error)
	DecideQuestion(ctx context.Context, id string, decision model.ApprovalStatus) (*model.Question, error)
	PublishQuestion(ctx context.Context, id string) (*model.Question, error)

	// Stage jobs
	EnqueueJob(ctx context.Context, job *model.StageJob) (model.JobHandle, error)
	GetJob(ctx context.Context, id string) (*model.StageJob, error)
	ClaimJob(ctx context.Context, stage model.Stage, now time.Time) (*model.StageJob, error)
	RescheduleJob(ctx context.Context, jobID string, runAt time.Time, lastErr string) error
	FailJob(ctx context.Context, jobID string, entry resilience.DLQEntry) (*resilience.DLQEntry, error)
	CancelJob(ctx context.Context, jobID, reason string) error
	StaleJobs(ctx context.Context, lockedBefore time.Time) ([]model.StageJob, error)

	// Stage completion
	CompletePageVision(ctx context.Context, jobID, pageID string, blocks []model.ParsedBlock) ([]model.Block, error)
	CompleteClassification(ctx context.Context, jobID, blockID string, s model.Suggestion) (*model.Block, error)
	CompleteExtraction(ctx context.Context, res ExtractionResult) ([]model.KnowledgePoint, error)
	CompleteFlashcards(ctx context.Context, jobID, contentID string, cards []model.Flashcard) ([]model.Flashcard, error)
	CompleteQuestions(ctx context.Context, jobID, contentID string, qs []model.Question) ([]model.Question, error)

	// Dead letters and overrides
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	GetDLQ(ctx context.Context, id string) (*resilience.DLQEntry, error)
	Retrigger(ctx context.Context, dlqID, actor string, maxAttempts int, now time.Time) (model.JobHandle, error)
	OverrideStatus(ctx context.Context, ov model.StatusOverride) error
	ListOverrides(ctx context.Context, entityID string) ([]model.StatusOverride, error)

	// AI routing and ledger
	TaskConfigs(ctx context.Context) ([]model.TaskConfig, error)
	UpsertTaskConfig(ctx context.Context, cfg model.TaskConfig) error
	RecordUsage(ctx context.Context, rec *model.UsageRecord) error
	UsageSummary(ctx context.Context, filter UsageFilter) (model.UsageTotals, error)
	UsageByTask(ctx context.Context, filter UsageFilter) ([]model.TaskUsage, error)
	UsageByDay(ctx context.Context, filter UsageFilter) ([]model.DayUsage, error)
	UsageByBatch(ctx context.Context, batchID string) (*model.BatchUsage, error)

	// Concept graph
	CreateConcept(ctx context.Context, c *model.Concept) error
	GetConcept(ctx context.Context, id string) (*model.Concept, error)
	UpdateConcept(ctx context.Context, id string, patch ConceptPatch) (*model.Concept, error)
	SearchConcepts(ctx context.Context, filter ConceptFilter) ([]model.Concept, error)
	AddAlias(ctx context.Context, a *model.Alias) error
	SetAliasEnabled(ctx context.Context, aliasID string, enabled bool) (*model.Alias, error)
	LiveAliases(ctx context.Context) ([]AliasEntry, error)
	ConceptMergeCounts(ctx context.Context, sourceID, targetID string) (model.MergeCounts, error)
	MergeConcepts(ctx context.Context, sourceID, targetID string, check MergeCheck[model.Concept]) (model.MergeResult, error)

	// Subtopics
	EnsureSubtopic(ctx context.Context, topic, name string) (*model.Subtopic, error)
	GetSubtopic(ctx context.Context, id string) (*model.Subtopic, error)
	ListSubtopics(ctx context.Context, topic string) ([]model.Subtopic, error)
	SubtopicMergeCounts(ctx context.Context, sourceID, targetID string) (model.MergeCounts, error)
	MergeSubtopics(ctx context.Context, sourceID, targetID string, check MergeCheck[model.Subtopic]) (model.MergeResult, error)

	// Hints
	GetHint(ctx context.Context, id string) (*model.UnresolvedHint, error)
	ListHints(ctx context.Context, filter HintFilter) ([]model.UnresolvedHint, error)
	HintStats(ctx context.Context, top int) (*HintStats, error)
	CreateConceptFromHint(ctx context.Context, hintID string, c *model.Concept) (*model.UnresolvedHint, error)
	AliasHint(ctx context.Context, hintID, conceptID string) (*model.UnresolvedHint, error)
	IgnoreHint(ctx context.Context, hintID, reason string) (*model.UnresolvedHint, error)

	// Monitoring
	HealthStats(ctx context.Context, spendSince time.Time) (*HealthStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

type timeNow func() time.Time

// SQLStore implements Store on a db.DB.
type SQLStore struct {
	db  db.DB
	now timeNow
}

var _ Store = (*SQLStore)(nil)

// New wraps an open database.
func New(d db.DB) *SQLStore {
	return &SQLStore{db: d, now: func() time.Time { return time.Now().UTC() }}
}

// Config selects and tunes the store driver.
type Config struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	DSN      string         `yaml:"dsn" mapstructure:"dsn"`
	Postgres *db.PoolConfig `yaml:"postgres" mapstructure:"postgres"`
}

// Open connects to the configured database.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	switch cfg.Driver {
	case "postgres":
		d, err := db.OpenPostgres(ctx, cfg.DSN, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return New(d), nil
	case "sqlite", "":
		d, err := db.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return New(d), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() db.DB { return s.db }

// SetClock replaces the store clock. Tests use it for deterministic times.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) tx(ctx context.Context, fn func(tx db.Tx) error) error {
	return db.WithTx(ctx, s.db, fn)
}

func newID() string { return uuid.NewString() }

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal json")
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(s), v), "store: unmarshal json")
}

// affectedOne turns a zero-row conditional update into a state conflict.
func affectedOne(n int64, err error, conflict func() error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return conflict()
	}
	return nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func limitOffset(limit, offset, def int) string {
	if limit <= 0 {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return " LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

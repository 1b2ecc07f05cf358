// Package pipeline implements the fixed stage handlers: vision parse,
// classification, knowledge extraction, flashcard generation and question
// generation. Each handler reads its unit, calls the AI router for the
// stage's task and hands the parsed result to the store's completion write.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/dispatch"
	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/internal/resolve"
	"github.com/sells-group/studyforge/internal/store"
)

// Router issues AI calls.
type Router interface {
	Call(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// Resolver resolves concept mentions without writing.
type Resolver interface {
	Matcher(ctx context.Context) (*resolve.Matcher, error)
}

// Store is the unit reads and completion writes the handlers need.
type Store interface {
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	GetPage(ctx context.Context, id string) (*model.Page, error)
	GetBlock(ctx context.Context, id string) (*model.Block, error)
	GetContent(ctx context.Context, id string) (*model.ApprovedContent, error)
	ListKnowledgePoints(ctx context.Context, contentID string) ([]model.KnowledgePoint, error)

	CompletePageVision(ctx context.Context, jobID, pageID string, blocks []model.ParsedBlock) ([]model.Block, error)
	CompleteClassification(ctx context.Context, jobID, blockID string, s model.Suggestion) (*model.Block, error)
	CompleteExtraction(ctx context.Context, res store.ExtractionResult) ([]model.KnowledgePoint, error)
	CompleteFlashcards(ctx context.Context, jobID, contentID string, cards []model.Flashcard) ([]model.Flashcard, error)
	CompleteQuestions(ctx context.Context, jobID, contentID string, qs []model.Question) ([]model.Question, error)
}

// Enqueuer starts the next stage for a unit.
type Enqueuer interface {
	Enqueue(ctx context.Context, stage model.Stage, unitID string, payload []byte) (model.JobHandle, error)
}

// Payload is the optional JSON body of a stage job. It pins the job's AI
// call to a provider and model.
type Payload struct {
	Provider model.Provider `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
}

// EncodePayload serializes a payload, returning nil when it is empty.
func EncodePayload(p Payload) ([]byte, error) {
	if p.Provider == "" && p.Model == "" {
		return nil, nil
	}
	if p.Provider != "" && !p.Provider.Valid() {
		return nil, model.NewValidationError("provider", "unknown provider %q", p.Provider)
	}
	b, err := json.Marshal(p)
	return b, eris.Wrap(err, "pipeline: encode payload")
}

// override reads a job payload into a router override.
func override(job *model.StageJob) (*ai.Override, error) {
	if len(job.Payload) == 0 {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, resilience.NewTerminalError(eris.Wrapf(err, "pipeline: decode payload of job %s", job.ID), resilience.KindRejected)
	}
	if p.Provider == "" {
		return nil, nil
	}
	return &ai.Override{Provider: p.Provider, Model: p.Model}, nil
}

// Pipeline holds the stage handlers' collaborators.
type Pipeline struct {
	store    Store
	router   Router
	resolver Resolver
	files    filestore.Store
	next     Enqueuer
	log      *zap.Logger
}

// New creates a Pipeline.
func New(st Store, router Router, resolver Resolver, files filestore.Store) *Pipeline {
	return &Pipeline{
		store:    st,
		router:   router,
		resolver: resolver,
		files:    files,
		log:      zap.L().With(zap.String("component", "pipeline")),
	}
}

// Register installs every stage handler on d. Completed units are chained
// into their next stage through d.
func (p *Pipeline) Register(d *dispatch.Dispatcher) {
	p.next = d
	d.Register(model.StageVisionParse, dispatch.HandlerFunc(p.VisionParse))
	d.Register(model.StageContentClassify, dispatch.HandlerFunc(p.Classify))
	d.Register(model.StageKnowledgeExtraction, dispatch.HandlerFunc(p.ExtractKnowledge))
	d.Register(model.StageFlashcardGeneration, dispatch.HandlerFunc(p.GenerateFlashcards))
	d.Register(model.StageQuestionGeneration, dispatch.HandlerFunc(p.GenerateQuestions))
}

// advance enqueues the next stage for each unit. The previous stage is
// already committed, so failures are logged and left for an operator to
// trigger.
func (p *Pipeline) advance(ctx context.Context, stage model.Stage, unitIDs ...string) {
	if p.next == nil {
		return
	}
	for _, id := range unitIDs {
		if _, err := p.next.Enqueue(ctx, stage, id, nil); err != nil && !model.IsStateConflict(err) {
			p.log.Warn("enqueue next stage failed",
				zap.String("stage", string(stage)),
				zap.String("unit_id", id),
				zap.Error(err),
			)
		}
	}
}

// decodeResponse parses a model's JSON answer into v. Anything that does not
// parse is a malformed response and is not retried.
func decodeResponse(task model.TaskType, text string, v any) error {
	if err := json.Unmarshal([]byte(cleanJSON(text)), v); err != nil {
		return resilience.NewTerminalError(eris.Wrapf(err, "pipeline: %s returned malformed JSON", task), resilience.KindMalformed)
	}
	return nil
}

// malformed reports a structurally valid response that breaks a content
// rule.
func malformed(task model.TaskType, format string, args ...any) error {
	return resilience.NewTerminalError(eris.Errorf("pipeline: %s: "+format, append([]any{task}, args...)...), resilience.KindMalformed)
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or leading prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

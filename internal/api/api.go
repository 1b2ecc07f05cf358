// Package api exposes the content pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/monitoring"
	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/internal/resolve"
	"github.com/sells-group/studyforge/internal/store"
)

// Dispatcher enqueues stage jobs and re-triggers dead letters.
type Dispatcher interface {
	Enqueue(ctx context.Context, stage model.Stage, unitID string, payload []byte) (model.JobHandle, error)
	Retrigger(ctx context.Context, dlqID, actor string) (model.JobHandle, error)
}

// Breakers reports provider circuit breaker states.
type Breakers interface {
	BreakerStates() map[string]resilience.CircuitState
}

// Deps holds the collaborators the handlers call.
type Deps struct {
	Store      store.Store
	Dispatcher Dispatcher
	Resolver   *resolve.Resolver
	Usage      *ai.UsageReport
	Files      filestore.Store
	Collector  *monitoring.Collector
	Checker    *monitoring.Checker
	Breakers   Breakers

	CORSOrigins    []string
	MaxUploadBytes int64
	LookbackHours  int
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 25 << 20
	}
	if deps.LookbackHours <= 0 {
		deps.LookbackHours = 24
	}
	if deps.Usage == nil && deps.Store != nil {
		deps.Usage = ai.NewUsageReport(deps.Store)
	}
	return &Server{
		deps: deps,
		log:  zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/health/pipeline", s.pipelineHealth)

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", s.createBatch)
		r.Get("/", s.listBatches)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getBatch)
			r.Delete("/", s.deleteBatch)
			r.Post("/pages", s.uploadPages)
			r.Get("/pages", s.listPages)
			r.Get("/blocks", s.listBlocks)
			r.Get("/contents", s.listBatchContents)
			r.Get("/availability", s.availability)
			r.Post("/complete", s.completeBatch)
		})
	})

	r.Route("/blocks/{id}", func(r chi.Router) {
		r.Get("/", s.getBlock)
		r.Post("/classify", s.classifyBlock)
		r.Post("/approve", s.approveBlock)
		r.Post("/reject", s.rejectBlock)
	})

	r.Route("/contents", func(r chi.Router) {
		r.Post("/", s.createContent)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getContent)
			r.Get("/knowledge-points", s.listKnowledgePoints)
			r.Post("/reapprove", s.reapproveContent)
			r.Post("/extract", s.enqueueContentStage(model.StageKnowledgeExtraction))
			r.Post("/flashcards", s.enqueueContentStage(model.StageFlashcardGeneration))
			r.Post("/questions", s.enqueueContentStage(model.StageQuestionGeneration))
		})
	})

	r.Route("/flashcards", func(r chi.Router) {
		r.Get("/", s.listFlashcards)
		r.Get("/{id}", s.getFlashcard)
		r.Post("/{id}/approve", s.decideFlashcard)
		r.Post("/{id}/visual", s.uploadVisual)
		r.Post("/{id}/publish", s.publishFlashcard)
	})

	r.Route("/questions", func(r chi.Router) {
		r.Get("/", s.listQuestions)
		r.Get("/{id}", s.getQuestion)
		r.Post("/{id}/approve", s.decideQuestion)
		r.Post("/{id}/publish", s.publishQuestion)
	})

	r.Route("/usage", func(r chi.Router) {
		r.Get("/summary", s.usageSummary)
		r.Get("/by-task", s.usageByTask)
		r.Get("/by-day", s.usageByDay)
		r.Get("/batches/{id}", s.usageByBatch)
	})

	r.Route("/ai/configs", func(r chi.Router) {
		r.Get("/", s.listTaskConfigs)
		r.Get("/{task}", s.getTaskConfig)
		r.Put("/{task}", s.putTaskConfig)
	})

	r.Route("/concepts", func(r chi.Router) {
		r.Get("/", s.searchConcepts)
		r.Post("/", s.createConcept)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getConcept)
			r.Patch("/", s.updateConcept)
			r.Post("/aliases", s.addAlias)
			r.Get("/merge-preview", s.previewConceptMerge)
			r.Post("/merge", s.mergeConcepts)
		})
	})
	r.Patch("/aliases/{id}", s.setAliasEnabled)

	r.Route("/subtopics", func(r chi.Router) {
		r.Get("/", s.listSubtopics)
		r.Get("/{id}/merge-preview", s.previewSubtopicMerge)
		r.Post("/{id}/merge", s.mergeSubtopics)
	})

	r.Route("/hints", func(r chi.Router) {
		r.Get("/", s.listHints)
		r.Get("/stats", s.hintStats)
		r.Post("/bulk-ignore", s.bulkIgnoreHints)
		r.Post("/bulk-approve", s.bulkApproveHints)
		r.Post("/{id}/create-concept", s.createConceptFromHint)
		r.Post("/{id}/alias", s.aliasHint)
		r.Post("/{id}/ignore", s.ignoreHint)
	})

	r.Get("/dlq", s.listDLQ)
	r.Post("/dlq/{id}/retrigger", s.retrigger)
	r.Get("/overrides", s.listOverrides)
	r.Post("/overrides", s.overrideStatus)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

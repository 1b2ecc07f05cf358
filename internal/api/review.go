package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/pipeline"
	"github.com/sells-group/studyforge/internal/store"
)

// stageRequest optionally pins a stage job's AI call.
type stageRequest struct {
	Provider model.Provider `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, stage model.Stage, unitID string) {
	var req stageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.enqueueStage(w, r, stage, unitID, req)
}

func (s *Server) enqueueStage(w http.ResponseWriter, r *http.Request, stage model.Stage, unitID string, req stageRequest) {
	payload, err := pipeline.EncodePayload(pipeline.Payload{Provider: req.Provider, Model: req.Model})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.deps.Dispatcher.Enqueue(r.Context(), stage, unitID, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// enqueueAfterApproval starts extraction for freshly approved content. The
// approval is committed already, so a failed enqueue is reported, not
// returned as an error.
func (s *Server) enqueueAfterApproval(ctx context.Context, contentID string) (*model.JobHandle, string) {
	h, err := s.deps.Dispatcher.Enqueue(ctx, model.StageKnowledgeExtraction, contentID, nil)
	if err != nil {
		s.log.Warn("enqueue extraction failed", zap.String("content_id", contentID), zap.Error(err))
		return nil, err.Error()
	}
	return &h, ""
}

// approvedResponse reports approved content and its extraction job.
type approvedResponse struct {
	Content *model.ApprovedContent `json:"content"`
	Job     *model.JobHandle       `json:"job,omitempty"`
	Error   string                 `json:"enqueue_error,omitempty"`
}

func (s *Server) getBlock(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.GetBlock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// classifyBlock enqueues classification. A block classified already gets
// its stored result back and no job is started.
func (s *Server) classifyBlock(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	b, err := s.deps.Store.GetBlock(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.ClassificationStatus == model.ClassificationClassified {
		writeJSON(w, http.StatusOK, b)
		return
	}
	s.enqueueStage(w, r, model.StageContentClassify, id, req)
}

func (s *Server) approveBlock(w http.ResponseWriter, r *http.Request) {
	var in store.ApproveInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := requireActor(r, in.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in.Actor = a

	c, err := s.deps.Store.ApproveBlock(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := approvedResponse{Content: c}
	resp.Job, resp.Error = s.enqueueAfterApproval(r.Context(), c.ID)
	writeJSON(w, http.StatusCreated, resp)
}

type actorRequest struct {
	Actor string `json:"actor,omitempty"`
}

func (s *Server) rejectBlock(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := requireActor(r, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.deps.Store.RejectBlock(r.Context(), chi.URLParam(r, "id"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type createContentRequest struct {
	BatchID    string `json:"batch_id,omitempty"`
	Text       string `json:"text"`
	Category   string `json:"category,omitempty"`
	SubtopicID string `json:"subtopic_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// createContent approves manually entered text without a source block.
func (s *Server) createContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := requireActor(r, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c := &model.ApprovedContent{
		BatchID:    req.BatchID,
		Text:       strings.TrimSpace(req.Text),
		Category:   req.Category,
		SubtopicID: req.SubtopicID,
		ApprovedBy: a,
	}
	if err := s.deps.Store.CreateContent(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := approvedResponse{Content: c}
	resp.Job, resp.Error = s.enqueueAfterApproval(r.Context(), c.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetContent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listKnowledgePoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetContent(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	kps, err := s.deps.Store.ListKnowledgePoints(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kps)
}

type reapproveRequest struct {
	Text  string `json:"text"`
	Actor string `json:"actor,omitempty"`
}

func (s *Server) reapproveContent(w http.ResponseWriter, r *http.Request) {
	var req reapproveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := requireActor(r, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Store.ReapproveContent(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Text), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := approvedResponse{Content: c}
	resp.Job, resp.Error = s.enqueueAfterApproval(r.Context(), c.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) enqueueContentStage(stage model.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.enqueue(w, r, stage, chi.URLParam(r, "id"))
	}
}

func artifactFilter(r *http.Request) store.ArtifactFilter {
	q := r.URL.Query()
	return store.ArtifactFilter{
		ContentID:      q.Get("content_id"),
		BatchID:        q.Get("batch_id"),
		ApprovalStatus: model.ApprovalStatus(strings.ToUpper(q.Get("status"))),
	}
}

type decisionRequest struct {
	Decision model.ApprovalStatus `json:"decision,omitempty"`
}

// decision reads an approve/reject body. An empty body approves.
func decision(r *http.Request) (model.ApprovalStatus, error) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	d := model.ApprovalStatus(strings.ToUpper(string(req.Decision)))
	switch d {
	case "":
		return model.ApprovalApproved, nil
	case model.ApprovalApproved, model.ApprovalRejected:
		return d, nil
	}
	return "", model.NewValidationError("decision", "must be APPROVED or REJECTED")
}

func (s *Server) listFlashcards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.deps.Store.ListFlashcards(r.Context(), artifactFilter(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) getFlashcard(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Store.GetFlashcard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) decideFlashcard(w http.ResponseWriter, r *http.Request) {
	d, err := decision(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.deps.Store.DecideFlashcard(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// uploadVisual stores the "file" part of a multipart form as the card's
// visual.
func (s *Server) uploadVisual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
		s.writeError(w, r, model.NewValidationError("file", "invalid upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["file"]
	if len(headers) != 1 {
		s.writeError(w, r, model.NewValidationError("file", "exactly one file part is required"))
		return
	}
	if _, err := s.deps.Store.GetFlashcard(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, mediaType, ext, err := readImage(headers[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := filestore.VisualKey(id, ext)
	if err := s.deps.Files.Put(ctx, key, data, mediaType); err != nil {
		s.writeError(w, r, eris.Wrapf(err, "api: store visual of flashcard %s", id))
		return
	}
	f, err := s.deps.Store.AttachFlashcardVisual(ctx, id, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) publishFlashcard(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Store.PublishFlashcard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.deps.Store.ListQuestions(r.Context(), artifactFilter(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) getQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Store.GetQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) decideQuestion(w http.ResponseWriter, r *http.Request) {
	d, err := decision(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.deps.Store.DecideQuestion(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) publishQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Store.PublishQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

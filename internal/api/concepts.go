package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/store"
)

func (s *Server) searchConcepts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	concepts, err := s.deps.Resolver.SearchConcepts(r.Context(), store.ConceptFilter{
		Query:  q.Get("q"),
		Type:   model.ConceptType(strings.ToUpper(q.Get("type"))),
		Status: model.ConceptStatus(strings.ToUpper(q.Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, concepts)
}

type conceptRequest struct {
	Type           model.ConceptType `json:"type"`
	PreferredLabel string            `json:"preferred_label"`
	Description    string            `json:"description,omitempty"`
	SubtopicID     string            `json:"subtopic_id,omitempty"`
}

func (req conceptRequest) concept() *model.Concept {
	return &model.Concept{
		Type:           model.ConceptType(strings.ToUpper(string(req.Type))),
		PreferredLabel: strings.TrimSpace(req.PreferredLabel),
		Description:    req.Description,
		SubtopicID:     req.SubtopicID,
	}
}

func (s *Server) createConcept(w http.ResponseWriter, r *http.Request) {
	var req conceptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c := req.concept()
	if err := s.deps.Resolver.CreateConcept(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// getConcept follows merge redirects to the live concept.
func (s *Server) getConcept(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Resolver.GetConcept(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateConcept(w http.ResponseWriter, r *http.Request) {
	var patch store.ConceptPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.deps.Resolver.UpdateConcept(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type aliasRequest struct {
	Label    string `json:"label"`
	Language string `json:"language,omitempty"`
}

func (s *Server) addAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a := &model.Alias{
		ConceptID:  chi.URLParam(r, "id"),
		Label:      strings.TrimSpace(req.Label),
		Language:   req.Language,
		Provenance: model.ProvenanceManual,
		Enabled:    true,
	}
	if err := s.deps.Resolver.AddAlias(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type aliasPatch struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setAliasEnabled(w http.ResponseWriter, r *http.Request) {
	var req aliasPatch
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, r, model.NewValidationError("enabled", "is required"))
		return
	}
	a, err := s.deps.Resolver.SetAliasEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func mergeTarget(r *http.Request) (string, error) {
	into := strings.TrimSpace(r.URL.Query().Get("into"))
	if into == "" {
		return "", model.NewValidationError("into", "target id is required")
	}
	return into, nil
}

type mergeRequest struct {
	Into string `json:"into"`
}

func mergeBody(r *http.Request) (string, error) {
	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	if into := strings.TrimSpace(req.Into); into != "" {
		return into, nil
	}
	return mergeTarget(r)
}

func (s *Server) previewConceptMerge(w http.ResponseWriter, r *http.Request) {
	into, err := mergeTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Resolver.PreviewConceptMerge(r.Context(), chi.URLParam(r, "id"), into)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) mergeConcepts(w http.ResponseWriter, r *http.Request) {
	into, err := mergeBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Resolver.MergeConcepts(r.Context(), chi.URLParam(r, "id"), into)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listSubtopics(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Store.ListSubtopics(r.Context(), r.URL.Query().Get("topic"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) previewSubtopicMerge(w http.ResponseWriter, r *http.Request) {
	into, err := mergeTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Resolver.PreviewSubtopicMerge(r.Context(), chi.URLParam(r, "id"), into)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) mergeSubtopics(w http.ResponseWriter, r *http.Request) {
	into, err := mergeBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Resolver.MergeSubtopics(r.Context(), chi.URLParam(r, "id"), into)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listHints(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	hints, err := s.deps.Resolver.ListHints(r.Context(), store.HintFilter{
		Status:  model.HintStatus(strings.ToUpper(q.Get("status"))),
		Search:  q.Get("q"),
		BatchID: q.Get("batch_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hints)
}

func (s *Server) hintStats(w http.ResponseWriter, r *http.Request) {
	top, err := queryInt(r, "top", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.deps.Resolver.HintStats(r.Context(), top)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) createConceptFromHint(w http.ResponseWriter, r *http.Request) {
	var req conceptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.deps.Resolver.CreateConceptFromHint(r.Context(), chi.URLParam(r, "id"), req.concept())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type hintAliasRequest struct {
	ConceptID string `json:"concept_id"`
}

func (s *Server) aliasHint(w http.ResponseWriter, r *http.Request) {
	var req hintAliasRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ConceptID == "" {
		s.writeError(w, r, model.NewValidationError("concept_id", "must not be empty"))
		return
	}
	h, err := s.deps.Resolver.AddAliasFromHint(r.Context(), chi.URLParam(r, "id"), req.ConceptID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type ignoreRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) ignoreHint(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.deps.Resolver.IgnoreHint(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type bulkRequest struct {
	IDs         []string          `json:"ids"`
	Reason      string            `json:"reason,omitempty"`
	DefaultType model.ConceptType `json:"default_type,omitempty"`
}

func decodeBulk(r *http.Request) (bulkRequest, error) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	if len(req.IDs) == 0 {
		return req, model.NewValidationError("ids", "at least one hint id is required")
	}
	return req, nil
}

// bulkIgnoreHints resolves each hint independently; per-item failures are
// reported in the body.
func (s *Server) bulkIgnoreHints(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBulk(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Resolver.BulkIgnore(r.Context(), req.IDs, req.Reason))
}

func (s *Server) bulkApproveHints(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBulk(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	typ := model.ConceptType(strings.ToUpper(string(req.DefaultType)))
	if typ == "" {
		typ = model.ConceptStructure
	}
	if !typ.Valid() {
		s.writeError(w, r, model.NewValidationError("default_type", "unknown concept type %q", req.DefaultType))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Resolver.BulkApprove(r.Context(), req.IDs, typ))
}

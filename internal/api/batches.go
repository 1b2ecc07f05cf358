package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/pipeline"
	"github.com/sells-group/studyforge/internal/store"
)

// imageTypes maps accepted upload media types to file extensions.
var imageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

type createBatchRequest struct {
	ID              string            `json:"id,omitempty"`
	Topic           string            `json:"topic"`
	Description     string            `json:"description,omitempty"`
	ContentTypeHint model.ContentType `json:"content_type_hint,omitempty"`
	VisionProvider  model.Provider    `json:"vision_provider,omitempty"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := &model.Batch{
		ID:              req.ID,
		Topic:           strings.TrimSpace(req.Topic),
		Description:     req.Description,
		ContentTypeHint: model.ContentType(strings.ToUpper(string(req.ContentTypeHint))),
		VisionProvider:  req.VisionProvider,
	}
	if err := s.deps.Store.CreateBatch(r.Context(), b); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
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
	batches, err := s.deps.Store.ListBatches(r.Context(), store.BatchFilter{
		Status: model.BatchStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := s.deps.Store.DeleteBatch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(keys) > 0 && s.deps.Files != nil {
		if err := s.deps.Files.Delete(r.Context(), keys...); err != nil {
			s.log.Warn("release batch files failed",
				zap.String("batch_id", id),
				zap.Int("files", len(keys)),
				zap.Error(err),
			)
		}
	}
	s.log.Info("batch deleted", zap.String("batch_id", id), zap.Int("files", len(keys)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) completeBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.CompleteBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// uploadedPage reports one stored page and its vision job.
type uploadedPage struct {
	Page  *model.Page      `json:"page"`
	Job   *model.JobHandle `json:"job,omitempty"`
	Error string           `json:"enqueue_error,omitempty"`
}

// uploadPages accepts a multipart form with one or more "file" parts.
// Pages are numbered after the batch's last page unless a single file comes
// with an explicit "page_number". Optional "provider" and "model" fields pin
// the vision call.
func (s *Server) uploadPages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
		s.writeError(w, r, model.NewValidationError("file", "invalid upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		s.writeError(w, r, model.NewValidationError("file", "at least one file part is required"))
		return
	}
	payload, err := pipeline.EncodePayload(pipeline.Payload{
		Provider: model.Provider(r.FormValue("provider")),
		Model:    r.FormValue("model"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.deps.Store.GetBatch(ctx, batchID); err != nil {
		s.writeError(w, r, err)
		return
	}
	next, err := s.nextPageNumber(r, batchID, len(headers))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]uploadedPage, 0, len(headers))
	for i, fh := range headers {
		page, err := s.storePage(r, batchID, next+i, fh)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		item := uploadedPage{Page: page}
		h, err := s.deps.Dispatcher.Enqueue(ctx, model.StageVisionParse, page.ID, payload)
		if err != nil {
			s.log.Warn("enqueue vision parse failed", zap.String("page_id", page.ID), zap.Error(err))
			item.Error = err.Error()
		} else {
			item.Job = &h
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) nextPageNumber(r *http.Request, batchID string, files int) (int, error) {
	if raw := r.FormValue("page_number"); raw != "" {
		if files != 1 {
			return 0, model.NewValidationError("page_number", "only allowed with a single file")
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, model.NewValidationError("page_number", "must be a positive integer")
		}
		return n, nil
	}
	pages, err := s.deps.Store.ListPages(r.Context(), batchID, "")
	if err != nil {
		return 0, err
	}
	last := 0
	for _, p := range pages {
		if p.PageNumber > last {
			last = p.PageNumber
		}
	}
	return last + 1, nil
}

// storePage writes the image bytes, then records the page. The bytes are
// released again when the page row is refused.
func (s *Server) storePage(r *http.Request, batchID string, number int, fh *multipart.FileHeader) (*model.Page, error) {
	ctx := r.Context()
	data, mediaType, ext, err := readImage(fh)
	if err != nil {
		return nil, err
	}

	key := filestore.PageKey(batchID, number, ext)
	if err := s.deps.Files.Put(ctx, key, data, mediaType); err != nil {
		return nil, eris.Wrapf(err, "api: store page %d of batch %s", number, batchID)
	}
	page := &model.Page{BatchID: batchID, PageNumber: number, FileKey: key, MediaType: mediaType}
	if err := s.deps.Store.AddPage(ctx, page); err != nil {
		if derr := s.deps.Files.Delete(ctx, key); derr != nil {
			s.log.Warn("release refused page file failed", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}
	return page, nil
}

func readImage(fh *multipart.FileHeader) ([]byte, string, string, error) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(fh.Header.Get("Content-Type"), ";")[0]))
	ext, ok := imageTypes[mediaType]
	if !ok {
		mediaType, ext, ok = imageTypeFromName(fh.Filename)
	}
	if !ok {
		return nil, "", "", model.NewValidationError("file", "%s is not a supported image (png, jpeg, webp, gif)", fh.Filename)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, "", "", eris.Wrapf(err, "api: open upload %s", fh.Filename)
	}
	defer f.Close() //nolint:errcheck
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", "", eris.Wrapf(err, "api: read upload %s", fh.Filename)
	}
	if len(data) == 0 {
		return nil, "", "", model.NewValidationError("file", "%s is empty", fh.Filename)
	}
	return data, mediaType, ext, nil
}

func imageTypeFromName(name string) (string, string, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png", ".png", true
	case ".jpg", ".jpeg":
		return "image/jpeg", ".jpg", true
	case ".webp":
		return "image/webp", ".webp", true
	case ".gif":
		return "image/gif", ".gif", true
	}
	return "", "", false
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	status := model.StageStatus(strings.ToUpper(r.URL.Query().Get("status")))
	pages, err := s.deps.Store.ListPages(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

// listBlocks filters by review status ("status") and classification status
// ("classification").
func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	blocks, err := s.deps.Store.ListBlocks(r.Context(), chi.URLParam(r, "id"), store.BlockFilter{
		ReviewStatus:         model.ReviewStatus(strings.ToUpper(q.Get("status"))),
		ClassificationStatus: model.ClassificationStatus(strings.ToUpper(q.Get("classification"))),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) listBatchContents(w http.ResponseWriter, r *http.Request) {
	contents, err := s.deps.Store.ListContents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

// availabilityResponse pairs the raw counts with the derived availability.
type availabilityResponse struct {
	BatchID      string                  `json:"batch_id"`
	Status       model.BatchStatus       `json:"status"`
	Counts       model.PipelineCounts    `json:"counts"`
	Availability model.StageAvailability `json:"availability"`
}

func (s *Server) availability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := s.deps.Store.GetBatch(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.deps.Store.PipelineCounts(ctx, b.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		BatchID:      b.ID,
		Status:       b.Status,
		Counts:       counts,
		Availability: model.Availability(counts),
	})
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resolve"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Entity   string `json:"entity,omitempty"`
	ID       string `json:"id,omitempty"`
	Current  string `json:"current,omitempty"`
	Expected string `json:"expected,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Anything outside it
// is logged and reported as 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *model.ValidationError
		nf *model.NotFoundError
		sc *model.StateConflictError
	)
	body := errorBody{Error: err.Error()}
	var me *resolve.MergeError
	if errors.As(err, &me) {
		body.Reason = me.Reason.Error()
	}

	switch {
	case errors.As(err, &ve):
		body.Error, body.Field = ve.Error(), ve.Field
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &nf):
		body.Error, body.Entity, body.ID = nf.Error(), nf.Entity, nf.ID
		writeJSON(w, http.StatusNotFound, body)
	case errors.As(err, &sc):
		body.Error = sc.Error()
		body.Entity, body.ID = sc.Entity, sc.ID
		body.Current, body.Expected, body.JobID = sc.Current, sc.Expected, sc.Handle
		if body.Reason == "" {
			body.Reason = sc.Reason
		}
		writeJSON(w, http.StatusConflict, body)
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

// actor identifies the human behind a request: the body value wins, then
// the X-Actor header.
func actor(r *http.Request, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	return strings.TrimSpace(r.Header.Get("X-Actor"))
}

func requireActor(r *http.Request, fromBody string) (string, error) {
	a := actor(r, fromBody)
	if a == "" {
		return "", model.NewValidationError("actor", "must be set in the body or the X-Actor header")
	}
	return a, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewValidationError(key, "must be a non-negative integer")
	}
	return n, nil
}

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/studyforge/internal/model"
)

func (s *Server) usageSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	totals, err := s.deps.Usage.Summary(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) usageByTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := s.deps.Usage.ByTask(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) usageByDay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := s.deps.Usage.ByDay(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) usageByBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetBatch(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.deps.Usage.ByBatch(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) listTaskConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.deps.Store.TaskConfigs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

func (s *Server) findTaskConfig(r *http.Request, task model.TaskType) (*model.TaskConfig, error) {
	cfgs, err := s.deps.Store.TaskConfigs(r.Context())
	if err != nil {
		return nil, err
	}
	for i := range cfgs {
		if cfgs[i].Task == task {
			return &cfgs[i], nil
		}
	}
	return nil, model.NewNotFound("ai task config", string(task))
}

func (s *Server) getTaskConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.findTaskConfig(r, model.TaskType(strings.ToUpper(chi.URLParam(r, "task"))))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// putTaskConfig replaces the routing of one task. The task comes from the
// path; a differing task in the body is refused.
func (s *Server) putTaskConfig(w http.ResponseWriter, r *http.Request) {
	task := model.TaskType(strings.ToUpper(chi.URLParam(r, "task")))
	var cfg model.TaskConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if cfg.Task != "" && model.TaskType(strings.ToUpper(string(cfg.Task))) != task {
		s.writeError(w, r, model.NewValidationError("task", "body task %s does not match path task %s", cfg.Task, task))
		return
	}
	cfg.Task = task
	if err := s.deps.Store.UpsertTaskConfig(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.findTaskConfig(r, task)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/monitoring"
	"github.com/sells-group/studyforge/internal/resilience"
)

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	entries, err := s.deps.Store.ListDLQ(r.Context(), resilience.DLQFilter{
		Stage:     model.Stage(strings.ToUpper(q.Get("stage"))),
		BatchID:   q.Get("batch_id"),
		ErrorType: q.Get("error_type"),
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) retrigger(w http.ResponseWriter, r *http.Request) {
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
	h, err := s.deps.Dispatcher.Retrigger(r.Context(), chi.URLParam(r, "id"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

func (s *Server) listOverrides(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("entity_id")
	if id == "" {
		s.writeError(w, r, model.NewValidationError("entity_id", "is required"))
		return
	}
	ovs, err := s.deps.Store.ListOverrides(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ovs)
}

// overrideStatus applies an audited administrative status change.
func (s *Server) overrideStatus(w http.ResponseWriter, r *http.Request) {
	var ov model.StatusOverride
	if err := decodeJSON(r, &ov); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := requireActor(r, ov.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ov.ID, ov.Actor, ov.CreatedAt = "", a, time.Time{}
	if err := s.deps.Store.OverrideStatus(r.Context(), ov); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("status overridden",
		zap.String("entity", string(ov.Entity)),
		zap.String("entity_id", ov.EntityID),
		zap.String("field", ov.Field),
		zap.String("to", ov.To),
		zap.String("actor", a),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "overridden"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.log.Warn("health check: store unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pipelineHealthResponse is the monitor snapshot plus provider breaker
// states and the alerts of the background checker's latest pass.
type pipelineHealthResponse struct {
	*monitoring.MetricsSnapshot
	Breakers      map[string]string  `json:"breakers,omitempty"`
	Alerts        []monitoring.Alert `json:"alerts,omitempty"`
	LastCheckedAt *time.Time         `json:"last_checked_at,omitempty"`
}

func (s *Server) pipelineHealth(w http.ResponseWriter, r *http.Request) {
	collector := s.deps.Collector
	if collector == nil {
		collector = monitoring.NewCollector(s.deps.Store)
	}
	snap, err := collector.Collect(r.Context(), s.deps.LookbackHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := pipelineHealthResponse{MetricsSnapshot: snap}
	if s.deps.Breakers != nil {
		resp.Breakers = make(map[string]string)
		for name, st := range s.deps.Breakers.BreakerStates() {
			resp.Breakers[name] = st.String()
		}
	}
	if s.deps.Checker != nil {
		if last, alerts := s.deps.Checker.Last(); last != nil {
			at := last.CollectedAt
			resp.LastCheckedAt, resp.Alerts = &at, alerts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/pipeline"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/store"
)

const defaultListLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Stages []pipeline.StageSnapshot `json:"stages"`
	Queues any                      `json:"queues,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stages: []pipeline.StageSnapshot{}}
	if s.deps.Stats != nil {
		resp.Stages = s.deps.Stats()
	}
	if s.deps.Collector != nil {
		snap, err := s.deps.Collector.Collect(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Queues = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecordFilter{
		OwnerKey:          q.Get("owner_key"),
		IncludeDuplicates: q.Get("include_duplicates") == "true",
		VerifiedOnly:      q.Get("verified") == "true",
		Limit:             intParam(q.Get("limit"), defaultListLimit),
		Offset:            intParam(q.Get("offset"), 0),
	}
	if c := q.Get("category"); c != "" {
		kind, ok := model.ParseCategoryKind(c)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown category "+strconv.Quote(c))
			return
		}
		filter.Category = kind
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}

	recs, err := s.deps.Store.ListRecords(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.ClassifiedRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	SourceURL   string    `json:"source_url"`
	SourceID    string    `json:"source_id"`
	OwnerKey    string    `json:"owner_key"`
	Exchange    string    `json:"exchange"`
	CompanyName string    `json:"company_name"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceURL == "" || req.OwnerKey == "" {
		writeError(w, http.StatusBadRequest, "source_url and owner_key are required")
		return
	}

	env, err := model.NewEnvelope(model.JobScrape, req.OwnerKey, model.ScrapePayload{
		SourceURL:   req.SourceURL,
		SourceID:    req.SourceID,
		Exchange:    req.Exchange,
		CompanyName: req.CompanyName,
		Title:       req.Title,
		PublishedAt: req.PublishedAt,
	}, s.deps.MaxAttempts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Queue.Push(r.Context(), model.JobScrape.Queue(), env); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": env.JobID})
}

// stageQueue validates a {queue} path parameter and returns the live name.
func stageQueue(r *http.Request) (string, bool) {
	name := queue.LiveName(chi.URLParam(r, "queue"))
	if _, err := model.ParseJobType(name); err != nil {
		return "", false
	}
	return name, true
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	name, ok := stageQueue(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	envs, err := s.deps.Queue.ListDead(r.Context(), name, intParam(r.URL.Query().Get("limit"), defaultListLimit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if envs == nil {
		envs = []model.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	name, ok := stageQueue(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	env, err := s.deps.Queue.Redrive(r.Context(), name, jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	id, _ := IdentityFrom(r.Context())
	if err := s.deps.Store.AppendAudit(r.Context(), model.AuditEntry{
		Actor:   id.ID,
		Action:  model.AuditRedrive,
		Subject: jobID,
		Details: map[string]any{"queue": name, "new_job_id": env.JobID},
		At:      time.Now().UTC(),
	}); err != nil {
		s.log.Error("audit redrive", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, env)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

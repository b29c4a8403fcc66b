package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/store"
)

func caller(r *http.Request) string {
	id, _ := IdentityFrom(r.Context())
	return id.ID
}

func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Reviews.ClaimNext(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReviewFilter{
		Status:    model.ReviewStatus(q.Get("status")),
		ClaimedBy: q.Get("claimed_by"),
		OwnerKey:  q.Get("owner_key"),
		Limit:     intParam(q.Get("limit"), defaultListLimit),
		Offset:    intParam(q.Get("offset"), 0),
	}
	tasks, err := s.deps.Reviews.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.ReviewTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Reviews.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Reviews.Claim(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type editRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (s *Server) handleEditTask(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(w, r, &req); err != nil || req.Field == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"field\": ..., \"value\": ...}")
		return
	}
	t, err := s.deps.Reviews.EditField(r.Context(), chi.URLParam(r, "id"), caller(r), req.Field, req.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type verifyRequest struct {
	Decision model.ReviewStatus `json:"decision"`
	Notes    string             `json:"notes"`
}

func (s *Server) handleVerifyTask(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Decision == "" {
		req.Decision = model.ReviewVerified
	}
	t, err := s.deps.Reviews.Verify(r.Context(), chi.URLParam(r, "id"), caller(r), req.Decision, req.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReleaseTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reviews.Release(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type reassignRequest struct {
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleReassignTask(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := decodeBody(w, r, &req); err != nil || req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "body must name a reviewer")
		return
	}
	t, err := s.deps.Reviews.Reassign(r.Context(), chi.URLParam(r, "id"), caller(r), req.Reviewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

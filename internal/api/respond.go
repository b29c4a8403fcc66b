package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/guard"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/review"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, review.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, review.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrTerminal), errors.Is(err, review.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, review.ErrUnknownField),
		errors.Is(err, review.ErrInvalidValue),
		errors.Is(err, review.ErrInvalidDecision),
		errors.Is(err, guard.ErrRejected):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail withheld.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

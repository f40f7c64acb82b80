package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/credimax/importer/internal/logging"
	"github.com/credimax/importer/internal/pipeline"
	"github.com/credimax/importer/internal/remote"
)

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error pipeline.UserMessage `json:"error"`
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondError maps err to a user-facing message and an HTTP status.
// Technical detail is logged, never sent to the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "path", r.URL.Path)
	} else {
		logger.Warn("request rejected", "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, errorResponse{Error: pipeline.ToUserMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBatchNotFound),
		errors.Is(err, pipeline.ErrRowNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrCommitInProgress):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrTooManyBatches):
		return http.StatusTooManyRequests
	case errors.Is(err, pipeline.ErrServiceUnavailable):
		return http.StatusBadGateway
	case remote.IsClientError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

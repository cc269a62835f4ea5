package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/promptflow/internal/api/response"
	"github.com/kiranshivaraju/promptflow/internal/jobs"
	"github.com/kiranshivaraju/promptflow/internal/store"
)

// writeJobError maps job service errors to HTTP responses.
func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *jobs.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job request", verr.Problems)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrNotCancellable):
		response.Error(w, http.StatusBadRequest, "NOT_CANCELLABLE", jobs.ErrNotCancellable.Error(), nil)
	case errors.Is(err, jobs.ErrCallbackRejected):
		response.Error(w, http.StatusConflict, "CALLBACK_REJECTED", err.Error(), nil)
	case errors.Is(err, jobs.ErrRequestInProgress):
		response.Error(w, http.StatusConflict, "REQUEST_IN_PROGRESS", jobs.ErrRequestInProgress.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

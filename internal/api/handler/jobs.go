package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/promptflow/internal/api/middleware"
	"github.com/kiranshivaraju/promptflow/internal/api/response"
	"github.com/kiranshivaraju/promptflow/internal/jobs"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

const (
	maxJobBody           = 10 << 20
	maxIdempotencyKeyLen = 255
	defaultListLimit     = 50
	maxListLimit         = 200
)

// JobService defines the job operations the handlers depend on.
// *jobs.Service implements it.
type JobService interface {
	Create(ctx context.Context, userID uuid.UUID, req jobs.NewJob) (*models.Job, bool, error)
	Get(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.JobSummary, error)
	Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error)
	ApplyCallback(ctx context.Context, jobID uuid.UUID, payload models.CallbackPayload) (models.CallbackAck, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req models.CreateJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		idemKey := r.Header.Get(models.IdempotencyKeyHeader)
		if len(idemKey) > maxIdempotencyKeyLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Idempotency-Key must be at most 255 characters", nil)
			return
		}

		job, replayed, err := svc.Create(r.Context(), userID, jobs.NewJob{
			TemplateID:     req.TemplateID,
			Name:           req.Name,
			Config:         req.Config,
			InputData:      req.InputData,
			IdempotencyKey: idemKey,
		})
		if errors.Is(err, jobs.ErrDispatch) && job != nil {
			response.Error(w, http.StatusServiceUnavailable, "DISPATCH_FAILED",
				"The job was stored but could not be started", map[string]string{"jobId": job.ID.String()})
			return
		}
		if err != nil {
			writeJobError(w, r, err)
			return
		}

		if replayed {
			response.JSON(w, models.JobAck{ID: job.ID, Status: job.Status, Message: "Job already submitted"})
			return
		}

		message := "Single job started"
		if job.IsBatch() {
			message = "Batch job started"
		}
		response.Created(w, models.JobAck{ID: job.ID, Status: models.JobStatusRunning, Message: message})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, jobID, ok := userAndJob(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), userID, jobID)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxListLimit {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be an integer between 1 and 200", nil)
				return
			}
			limit = n
		}

		summaries, err := svc.List(r.Context(), userID, limit)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		if summaries == nil {
			summaries = []*models.JobSummary{}
		}
		response.Collection(w, summaries, response.ListMeta{Limit: limit, Count: len(summaries)})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, jobID, ok := userAndJob(w, r)
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), userID, jobID)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, models.JobAck{ID: job.ID, Status: job.Status, Message: "Job cancelled successfully"})
	}
}

// NewCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/callback. The route is authenticated with the
// callback token, not an API key.
func NewCallbackHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		var payload models.CallbackPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody)).Decode(&payload); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "results must be an array", nil)
			return
		}
		if payload.Results == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "results is required", nil)
			return
		}

		ack, err := svc.ApplyCallback(r.Context(), jobID, payload)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		response.JSON(w, ack)
	}
}

func userAndJob(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, ok := jobIDParam(w, r)
	return userID, jobID, ok
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/provider"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/submit"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const maxRequestBytes = 1 << 20

// JobService creates and cancels jobs.
type JobService interface {
	Submit(ctx context.Context, req submit.Request) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// JobReader is the read side of the store used for polling.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error)
	ListOutputs(ctx context.Context, id uuid.UUID) ([]*models.JobOutput, error)
}

// StatusReader is the Redis fast path for status polling.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

// JobsHandler serves job submission, cancellation and the polling fallback
// for clients that missed a real-time event.
type JobsHandler struct {
	svc    JobService
	store  JobReader
	status StatusReader
}

func NewJobsHandler(svc JobService, st JobReader, status StatusReader) *JobsHandler {
	return &JobsHandler{svc: svc, store: st, status: status}
}

// Create handles POST /api/v1/jobs.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req submit.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	job, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, submit.ErrInvalidRequest):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		case errors.Is(err, ledger.ErrInsufficientFunds):
			response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS",
				"Not enough credits for this job", nil)
		case errors.Is(err, provider.ErrProviderRejected):
			response.Error(w, http.StatusUnprocessableEntity, "PROVIDER_REJECTED", err.Error(), nil)
		case errors.Is(err, provider.ErrProviderTimeout):
			response.Error(w, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT",
				"The inference provider did not answer in time", nil)
		case errors.Is(err, submit.ErrSubmission):
			response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE",
				"The inference provider is not available", nil)
		default:
			slog.Error("job submission failed", "tool_kind", req.ToolKind, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		}
		return
	}

	response.Created(w, job)
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "JOB_NOT_FOUND", "Job not found")
		return
	}
	response.JSON(w, job)
}

type statusView struct {
	JobID    uuid.UUID        `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Progress *int             `json:"progress,omitempty"`
	Source   string           `json:"source"`
}

// Status handles GET /api/v1/jobs/{jobID}/status. The cached status is served
// when present; the store is the fallback.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "jobID")
	if !ok {
		return
	}

	if h.status != nil {
		status, found, err := h.status.GetJobStatus(r.Context(), id)
		if err != nil {
			slog.Warn("status cache unavailable", "job_id", id, "error", err)
		}
		if found {
			response.JSON(w, statusView{JobID: id, Status: models.JobStatus(status), Source: "cache"})
			return
		}
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "JOB_NOT_FOUND", "Job not found")
		return
	}
	progress := job.Progress
	response.JSON(w, statusView{JobID: id, Status: job.Status, Progress: &progress, Source: "store"})
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.svc.Cancel(r.Context(), id)
	if errors.Is(err, submit.ErrNotCancelable) {
		response.Error(w, http.StatusConflict, "JOB_NOT_CANCELABLE", err.Error(), nil)
		return
	}
	if err != nil {
		writeLookupError(w, err, "JOB_NOT_FOUND", "Job not found")
		return
	}
	response.JSON(w, job)
}

type batchView struct {
	*models.Job
	Outputs []*models.JobOutput `json:"outputs"`
}

// Batch handles GET /api/v1/batches/{batchID}.
func (h *JobsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	jobs, err := h.store.ListJobsByBatch(r.Context(), batchID)
	if err != nil {
		writeLookupError(w, err, "BATCH_NOT_FOUND", "Batch not found")
		return
	}
	if len(jobs) == 0 {
		response.Error(w, http.StatusNotFound, "BATCH_NOT_FOUND", "Batch not found", nil)
		return
	}

	views := make([]batchView, 0, len(jobs))
	for _, job := range jobs {
		outputs, err := h.store.ListOutputs(r.Context(), job.ID)
		if err != nil {
			writeLookupError(w, err, "BATCH_NOT_FOUND", "Batch not found")
			return
		}
		if outputs == nil {
			outputs = []*models.JobOutput{}
		}
		views = append(views, batchView{Job: job, Outputs: outputs})
	}
	response.List(w, views, len(views), 0)
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, err error, code, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, code, msg, nil)
		return
	}
	slog.Error("store lookup failed", "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

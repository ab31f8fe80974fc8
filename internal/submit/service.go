// Package submit creates Job Records and sends the initial provider requests.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/dispatch"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/provider"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const (
	maxBatchSize     = 8
	defaultBatchSize = 4
	statusTTL        = 24 * time.Hour
)

var (
	ErrInvalidRequest = errors.New("invalid submission")
	ErrNotCancelable  = errors.New("job can no longer be canceled")
	ErrSubmission     = errors.New("provider submission failed")
)

// Request describes one job as the dashboard backend asks for it.
type Request struct {
	ToolKind     models.ToolKind `json:"tool_kind"`
	OwnerUserID  string          `json:"owner_user_id"`
	Input        map[string]any  `json:"input"`
	Count        int             `json:"count,omitempty"`
	NeedsUpscale bool            `json:"needs_upscale,omitempty"`
	CreditCost   int             `json:"credit_cost"`
}

func (r *Request) validate() error {
	if !r.ToolKind.Valid() {
		return fmt.Errorf("%w: unknown tool_kind %q", ErrInvalidRequest, r.ToolKind)
	}
	if r.OwnerUserID == "" {
		return fmt.Errorf("%w: owner_user_id is required", ErrInvalidRequest)
	}
	if r.CreditCost < 0 {
		return fmt.Errorf("%w: credit_cost must not be negative", ErrInvalidRequest)
	}
	if r.NeedsUpscale && r.ToolKind != models.ToolVideoGenerate {
		return fmt.Errorf("%w: needs_upscale only applies to %s", ErrInvalidRequest, models.ToolVideoGenerate)
	}
	if r.ToolKind.IsBatch() {
		if r.Count == 0 {
			r.Count = defaultBatchSize
		}
		if r.Count < 1 || r.Count > maxBatchSize {
			return fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, maxBatchSize)
		}
	} else {
		r.Count = 1
	}
	return nil
}

// StatusCache mirrors job status for the polling fast path.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Service submits jobs and cancels them.
type Service struct {
	store      store.Store
	credits    *dispatch.Credits
	submitter  provider.Submitter
	models     map[models.ToolKind]string
	webhookURL string
	status     StatusCache
}

// NewService creates a Service. status may be nil.
func NewService(st store.Store, lg ledger.Ledger, sub provider.Submitter, toolModels map[models.ToolKind]string, webhookURL string, status StatusCache) *Service {
	return &Service{
		store:      st,
		credits:    dispatch.NewCredits(st, lg),
		submitter:  sub,
		models:     toolModels,
		webhookURL: webhookURL,
		status:     status,
	}
}

// Submit creates the Job Record, takes prepaid credits and sends one
// prediction per expected output. The returned job is in status submitted.
// A submission that fails after credits were taken is refunded.
func (s *Service) Submit(ctx context.Context, req Request) (*models.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:              uuid.New(),
		ToolKind:        req.ToolKind,
		Status:          models.JobStatusQueued,
		OwnerUserID:     req.OwnerUserID,
		InputSnapshot:   snapshot(req.Input),
		ExpectedOutputs: req.Count,
		NeedsUpscale:    req.NeedsUpscale,
		CreditCost:      req.CreditCost,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ToolKind.IsBatch() {
		batchID := uuid.NewString()
		job.BatchID = &batchID
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.credits.Prepay(ctx, job); err != nil {
		reason := models.FailureProvider
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			reason = models.FailureInsufficientFunds
		}
		s.fail(ctx, job, reason, err.Error())
		return nil, fmt.Errorf("debiting credits: %w", err)
	}

	for i := 0; i < req.Count; i++ {
		externalID, err := s.submitter.Submit(ctx, provider.SubmitRequest{
			Tool:       job.ToolKind,
			Model:      s.models[job.ToolKind],
			Input:      providerInput(job),
			WebhookURL: s.webhookURL,
		})
		if err != nil {
			slog.Warn("provider submission failed",
				"job_id", job.ID,
				"tool_kind", job.ToolKind,
				"submitted", i,
				"error", err,
			)
			s.fail(ctx, job, models.FailureProvider, err.Error())
			s.credits.Refund(ctx, job)
			return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
		}
		if err := s.store.MarkSubmitted(ctx, job.ID, externalID, !job.ToolKind.IsBatch()); err != nil {
			return nil, fmt.Errorf("recording submission: %w", err)
		}
	}

	s.cacheStatus(ctx, job.ID, models.JobStatusSubmitted)
	slog.Info("job submitted", "job_id", job.ID, "tool_kind", job.ToolKind, "outputs", req.Count)
	return s.store.GetJob(ctx, job.ID)
}

// Cancel moves a non-terminal job to canceled and refunds prepaid credits.
// Callbacks that arrive afterwards are discarded by the dispatcher.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.store.UpdateJobStatus(ctx, id, models.JobStatusCanceled)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancelable, job.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("canceling job: %w", err)
	}

	s.credits.Refund(ctx, job)
	s.cacheStatus(ctx, id, models.JobStatusCanceled)
	slog.Info("job canceled", "job_id", id, "tool_kind", job.ToolKind)
	return s.store.GetJob(ctx, id)
}

func (s *Service) fail(ctx context.Context, job *models.Job, reason, msg string) {
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
		store.WithFailureReason(reason), store.WithErrorMessage(msg))
	if err != nil {
		slog.Error("marking submission failed", "job_id", job.ID, "error", err)
		return
	}
	s.cacheStatus(ctx, job.ID, models.JobStatusFailed)
}

func (s *Service) cacheStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if s.status == nil {
		return
	}
	if err := s.status.SetJobStatus(ctx, id, string(status), statusTTL); err != nil {
		slog.Warn("caching job status", "job_id", id, "error", err)
	}
}

func snapshot(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

// providerInput is the job input plus the correlation fields the provider
// echoes back on every callback.
func providerInput(job *models.Job) map[string]any {
	in := snapshot(job.InputSnapshot)
	delete(in, "prediction_ids")
	in["user_id"] = job.OwnerUserID
	in["internal_id"] = job.ID.String()
	if job.BatchID != nil {
		in["batch_id"] = *job.BatchID
	}
	return in
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a conditional status write finds the
// record in a state the requested transition is not allowed from.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrAlreadyChained is returned when a job already has a chained follow-up.
var ErrAlreadyChained = errors.New("job already chained")

// ErrJobClosed is returned when an output arrives for a job that already
// reached a terminal status.
var ErrJobClosed = errors.New("job is closed")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByBatch(ctx context.Context, batchID string) ([]*models.Job, error)
	// GetChainedJob returns the follow-up created from parent. A parent has at
	// most one; CreateJob rejects a second with ErrDuplicateKey.
	GetChainedJob(ctx context.Context, parent uuid.UUID) (*models.Job, error)
	// Resolve finds the record a provider callback belongs to. See ResolveQuery.
	Resolve(ctx context.Context, q ResolveQuery) (*models.Job, error)
	// MarkSubmitted records a provider id for the job and moves it to submitted.
	// The external id is only set when setExternal is true (single-output jobs).
	MarkSubmitted(ctx context.Context, id uuid.UUID, externalID string, setExternal bool) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error
	// ChainJob moves an accepted job back to processing and records the
	// follow-up's external id. It fails with ErrAlreadyChained if chains_to is set.
	ChainJob(ctx context.Context, id uuid.UUID, chainsTo string, output *models.Result) error

	// ClaimDelivery records that externalID's output is being handled for job id.
	// claimed is false when another delivery got there first; done reports whether
	// that earlier delivery finished.
	ClaimDelivery(ctx context.Context, id uuid.UUID, externalID string) (claimed bool, done bool, err error)
	CompleteDelivery(ctx context.Context, id uuid.UUID, externalID string) error
	ReleaseDelivery(ctx context.Context, id uuid.UUID, externalID string) error

	// AddOutput stores one relayed item; it returns false if the item key was
	// already present and ErrJobClosed if the job is terminal.
	AddOutput(ctx context.Context, out *models.JobOutput) (bool, error)
	CountOutputs(ctx context.Context, id uuid.UUID) (int, error)
	ListOutputs(ctx context.Context, id uuid.UUID) ([]*models.JobOutput, error)

	// ClaimCreditSettlement flips credits_settled from false to true. Only the
	// caller that receives true may debit.
	ClaimCreditSettlement(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkCreditsReserved records that the prepaid debit reached the ledger.
	MarkCreditsReserved(ctx context.Context, id uuid.UUID) error
	// ClaimCreditRefund flips credits_refunded for a reserved job.
	ClaimCreditRefund(ctx context.Context, id uuid.UUID) (bool, error)
	FlagSettlementError(ctx context.Context, id uuid.UUID, msg string) error
	ClearSettlementError(ctx context.Context, id uuid.UUID) error
	ListUnsettled(ctx context.Context, limit int) ([]*models.Job, error)
}

// ResolveQuery carries every correlation hint a callback offers. Strategies are
// tried in order: external id, internal id, batch id, then input snapshot
// containment of ExternalID within Lookback.
type ResolveQuery struct {
	ExternalID string
	InternalID *uuid.UUID
	BatchID    string
	Lookback   time.Duration
}

type jobUpdateParams struct {
	ErrorMessage  *string
	FailureReason *string
	Output        *models.Result
	Progress      *int
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithFailureReason(reason string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.FailureReason = &reason
	}
}

func WithOutput(out *models.Result) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Output = out
	}
}

func WithProgress(progress int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Progress = &progress
	}
}

// ApplyOptions resolves opts into their parameters. Exported for alternate
// Store implementations.
func ApplyOptions(opts []JobUpdateOption) (errMsg, reason *string, out *models.Result, progress *int) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.ErrorMessage, p.FailureReason, p.Output, p.Progress
}

// validTransitions lists the allowed target states per current state.
// accepted -> processing is reserved for ChainJob.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued: {
		models.JobStatusSubmitted, models.JobStatusProcessing, models.JobStatusAccepted,
		models.JobStatusFailed, models.JobStatusCanceled,
	},
	models.JobStatusSubmitted: {
		models.JobStatusProcessing, models.JobStatusAccepted,
		models.JobStatusFailed, models.JobStatusCanceled,
	},
	models.JobStatusProcessing: {
		models.JobStatusAccepted, models.JobStatusSucceeded,
		models.JobStatusFailed, models.JobStatusCanceled,
	},
	models.JobStatusAccepted: {
		models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCanceled,
	},
}

// Predecessors returns every status from which a move to target is allowed.
func Predecessors(target models.JobStatus) []string {
	var out []string
	for _, from := range []models.JobStatus{
		models.JobStatusQueued, models.JobStatusSubmitted,
		models.JobStatusProcessing, models.JobStatusAccepted,
	} {
		if CanTransition(from, target) {
			out = append(out, string(from))
		}
	}
	return out
}

// CanTransition reports whether from -> to is a valid status move.
func CanTransition(from, to models.JobStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

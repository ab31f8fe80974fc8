package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// CreditTiming says when a tool's credit cost is taken from the ledger.
type CreditTiming int

const (
	// CreditNone tools are never debited.
	CreditNone CreditTiming = iota
	// CreditPrepaid tools are debited at submission and refunded on failure.
	CreditPrepaid
	// CreditPerItem tools are debited once per delivered output; credit_cost is the item price.
	CreditPerItem
	// CreditOnCompletion tools are debited once when the job succeeds.
	CreditOnCompletion
)

func (t CreditTiming) String() string {
	switch t {
	case CreditPrepaid:
		return "prepaid"
	case CreditPerItem:
		return "per_item"
	case CreditOnCompletion:
		return "on_completion"
	default:
		return "none"
	}
}

var creditTimings = map[models.ToolKind]CreditTiming{
	models.ToolVideoGenerate:  CreditPrepaid,
	models.ToolScriptToVideo:  CreditPrepaid,
	models.ToolVideoUpscale:   CreditNone,
	models.ToolLogoBatch:      CreditPerItem,
	models.ToolThumbnailBatch: CreditPerItem,
	models.ToolFaceSwap:       CreditOnCompletion,
	models.ToolVideoSwap:      CreditOnCompletion,
	models.ToolMusic:          CreditOnCompletion,
	models.ToolVoiceOver:      CreditOnCompletion,
	models.ToolTitleGen:       CreditOnCompletion,
}

// TimingFor returns the credit timing for tool. Unknown tools are never charged.
func TimingFor(tool models.ToolKind) CreditTiming {
	return creditTimings[tool]
}

// SettlementKey is the ledger idempotency key for a job's single debit.
func SettlementKey(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}

// RefundKey is the ledger idempotency key for a job's refund.
func RefundKey(jobID uuid.UUID) string {
	return "job:" + jobID.String() + ":refund"
}

// ItemKey identifies output index of prediction externalID within a batch job.
func ItemKey(externalID string, index int) string {
	return fmt.Sprintf("%s:%d", externalID, index)
}

// ItemLedgerKey is the ledger idempotency key for one batch item.
func ItemLedgerKey(jobID uuid.UUID, itemKey string) string {
	return "job:" + jobID.String() + ":item:" + itemKey
}

// Credits applies credit timing against the ledger. Every debit and refund is
// guarded by a claim on the job record, and ledger failures after the fact are
// flagged for the Reconciler rather than returned.
type Credits struct {
	store  store.Store
	ledger ledger.Ledger
}

func NewCredits(st store.Store, lg ledger.Ledger) *Credits {
	return &Credits{store: st, ledger: lg}
}

// Prepay debits a prepaid job at submission and marks the credits reserved.
// Unlike the other methods it returns the ledger error so the caller can
// refuse the submission.
func (c *Credits) Prepay(ctx context.Context, job *models.Job) error {
	if TimingFor(job.ToolKind) != CreditPrepaid || job.CreditCost <= 0 {
		return nil
	}
	claimed, err := c.store.ClaimCreditSettlement(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("claiming settlement: %w", err)
	}
	if !claimed {
		return nil
	}
	if _, err := c.ledger.Debit(ctx, job.OwnerUserID, job.CreditCost, SettlementKey(job.ID)); err != nil {
		return err
	}
	if err := c.store.MarkCreditsReserved(ctx, job.ID); err != nil {
		// The debit landed; the Reconciler records it.
		c.Flag(ctx, job, fmt.Errorf("marking credits reserved: %w", err))
		return nil
	}
	job.CreditsReserved = true
	return nil
}

// Settle debits an on-completion job once.
func (c *Credits) Settle(ctx context.Context, job *models.Job) {
	if TimingFor(job.ToolKind) != CreditOnCompletion {
		return
	}
	claimed, err := c.store.ClaimCreditSettlement(ctx, job.ID)
	if err != nil {
		c.Flag(ctx, job, fmt.Errorf("claiming settlement: %w", err))
		return
	}
	if !claimed || job.CreditCost <= 0 {
		return
	}
	if _, err := c.ledger.Debit(ctx, job.OwnerUserID, job.CreditCost, SettlementKey(job.ID)); err != nil {
		c.Flag(ctx, job, err)
	}
}

// DebitItem bills one delivered batch item.
func (c *Credits) DebitItem(ctx context.Context, job *models.Job, itemKey string) {
	if TimingFor(job.ToolKind) != CreditPerItem || job.CreditCost <= 0 {
		return
	}
	if _, err := c.ledger.Debit(ctx, job.OwnerUserID, job.CreditCost, ItemLedgerKey(job.ID, itemKey)); err != nil {
		c.Flag(ctx, job, err)
	}
}

// Refund returns a prepaid debit. Only reserved, unrefunded jobs qualify.
func (c *Credits) Refund(ctx context.Context, job *models.Job) {
	if TimingFor(job.ToolKind) != CreditPrepaid {
		return
	}
	claimed, err := c.store.ClaimCreditRefund(ctx, job.ID)
	if err != nil {
		c.Flag(ctx, job, fmt.Errorf("claiming refund: %w", err))
		return
	}
	if !claimed || job.CreditCost <= 0 {
		return
	}
	if err := c.ledger.Refund(ctx, job.OwnerUserID, job.CreditCost, RefundKey(job.ID)); err != nil {
		c.Flag(ctx, job, err)
	}
}

// Flag records a settlement failure on the job for the Reconciler.
func (c *Credits) Flag(ctx context.Context, job *models.Job, err error) {
	telemetry.SettlementFailures.Inc()
	slog.Error("credit settlement failed",
		"job_id", job.ID,
		"owner_user_id", job.OwnerUserID,
		"tool_kind", job.ToolKind,
		"error", err,
	)
	if ferr := c.store.FlagSettlementError(ctx, job.ID, err.Error()); ferr != nil {
		slog.Error("flagging settlement error", "job_id", job.ID, "error", ferr)
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Reconciler retries ledger calls that failed after a job finished. Every
// retry reuses the original idempotency key, so a call that actually landed
// the first time is not applied twice.
type Reconciler struct {
	store     store.Store
	ledger    ledger.Ledger
	interval  time.Duration
	batchSize int
}

func NewReconciler(st store.Store, lg ledger.Ledger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{store: st, ledger: lg, interval: interval, batchSize: 100}
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.ReconcileOnce(ctx); err != nil {
				slog.Error("settlement reconciliation failed", "error", err)
			} else if n > 0 {
				slog.Info("settlements reconciled", "count", n)
			}
		}
	}
}

// ReconcileOnce retries every flagged job once and returns how many cleared.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	jobs, err := r.store.ListUnsettled(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unsettled jobs: %w", err)
	}

	cleared := 0
	for _, job := range jobs {
		if err := r.retry(ctx, job); err != nil {
			slog.Warn("settlement retry failed", "job_id", job.ID, "tool_kind", job.ToolKind, "error", err)
			_ = r.store.FlagSettlementError(ctx, job.ID, err.Error())
			continue
		}
		if err := r.store.ClearSettlementError(ctx, job.ID); err != nil {
			return cleared, fmt.Errorf("clearing settlement error: %w", err)
		}
		telemetry.SettlementsReconciled.Inc()
		cleared++
	}
	return cleared, nil
}

func (r *Reconciler) retry(ctx context.Context, job *models.Job) error {
	if job.CreditCost <= 0 {
		return nil
	}
	switch TimingFor(job.ToolKind) {
	case CreditPrepaid:
		return r.retryPrepaid(ctx, job)
	case CreditPerItem:
		outputs, err := r.store.ListOutputs(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("listing batch items: %w", err)
		}
		for _, o := range outputs {
			if _, err := r.ledger.Debit(ctx, job.OwnerUserID, job.CreditCost, ItemLedgerKey(job.ID, o.ItemKey)); err != nil {
				return err
			}
		}
		return nil
	case CreditOnCompletion:
		if job.Status != models.JobStatusSucceeded {
			return nil
		}
		_, err := r.ledger.Debit(ctx, job.OwnerUserID, job.CreditCost, SettlementKey(job.ID))
		return err
	default:
		return nil
	}
}

// retryPrepaid records a submission debit that was never marked reserved, then
// refunds it if the job failed or was canceled.
func (r *Reconciler) retryPrepaid(ctx context.Context, job *models.Job) error {
	if !job.CreditsSettled {
		// The settlement claim failed, so no debit was attempted.
		return nil
	}
	if !job.CreditsReserved {
		if _, err := r.ledger.Debit(ctx, job.OwnerUserID, job.CreditCost, SettlementKey(job.ID)); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				// Never charged, so nothing to record or refund.
				return nil
			}
			return err
		}
		if err := r.store.MarkCreditsReserved(ctx, job.ID); err != nil {
			return fmt.Errorf("marking credits reserved: %w", err)
		}
	}

	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusCanceled {
		return nil
	}
	if !job.CreditsRefunded {
		claimed, err := r.store.ClaimCreditRefund(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("claiming refund: %w", err)
		}
		if !claimed {
			return nil
		}
	}
	return r.ledger.Refund(ctx, job.OwnerUserID, job.CreditCost, RefundKey(job.ID))
}

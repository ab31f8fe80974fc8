// Package dispatch drives job records through their lifecycle in response to
// provider callbacks. Callbacks arrive concurrently, out of order and more than
// once, so every state change is a conditional write and every side effect is
// guarded by a claim in the store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/classify"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/failure"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/notify"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/provider"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/relay"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const statusTTL = 24 * time.Hour

// StatusCache is the fast-path status mirror read by polling clients.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Quarantine keeps unclassifiable callbacks for operators.
type Quarantine interface {
	PushUnclassified(ctx context.Context, payload []byte) error
}

// CompletionHandler finishes a job once its output-bearing callback has been
// claimed. Handlers return a domain outcome; a non-nil error means the work
// could not be recorded and the delivery should be retried.
type CompletionHandler interface {
	Complete(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error)
}

// Config carries the dispatcher's tunables.
type Config struct {
	WebhookURL        string
	Models            map[models.ToolKind]string
	Async             bool
	CompletionTimeout time.Duration
	ResolveLookback   time.Duration
}

// Dispatcher routes classified callbacks to per-tool completion handlers.
type Dispatcher struct {
	cfg        Config
	store      store.Store
	classifier *classify.Classifier
	relay      relay.Relayer
	credits    *Credits
	submitter  provider.Submitter
	notifier   notify.Notifier
	status     StatusCache
	quarantine Quarantine
	handlers   map[models.ToolKind]CompletionHandler
	upscale    CompletionHandler
	wg         sync.WaitGroup
	now        func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithStatusCache(c StatusCache) Option {
	return func(d *Dispatcher) { d.status = c }
}

func WithQuarantine(q Quarantine) Option {
	return func(d *Dispatcher) { d.quarantine = q }
}

// New creates a Dispatcher with the built-in handler for every tool.
func New(cfg Config, st store.Store, cl *classify.Classifier, rl relay.Relayer, lg ledger.Ledger,
	sub provider.Submitter, n notify.Notifier, opts ...Option) *Dispatcher {
	if cfg.CompletionTimeout == 0 {
		cfg.CompletionTimeout = 2 * time.Minute
	}
	if cfg.ResolveLookback == 0 {
		cfg.ResolveLookback = 72 * time.Hour
	}
	if n == nil {
		n = notify.Noop{}
	}
	d := &Dispatcher{
		cfg:        cfg,
		store:      st,
		classifier: cl,
		relay:      rl,
		credits:    NewCredits(st, lg),
		submitter:  sub,
		notifier:   n,
		handlers:   make(map[models.ToolKind]CompletionHandler),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}

	single := &singleHandler{d: d}
	d.upscale = &upscaleHandler{d: d}
	d.RegisterHandler(models.ToolVideoGenerate, &chainHandler{d: d, fallback: single})
	d.RegisterHandler(models.ToolVideoUpscale, d.upscale)
	d.RegisterHandler(models.ToolLogoBatch, &batchHandler{d: d})
	d.RegisterHandler(models.ToolThumbnailBatch, &batchHandler{d: d})
	d.RegisterHandler(models.ToolTitleGen, &textHandler{d: d})
	for _, tool := range []models.ToolKind{
		models.ToolVideoSwap, models.ToolFaceSwap, models.ToolMusic,
		models.ToolVoiceOver, models.ToolScriptToVideo,
	} {
		d.RegisterHandler(tool, single)
	}
	return d
}

// RegisterHandler binds a completion handler to a tool.
func (d *Dispatcher) RegisterHandler(tool models.ToolKind, h CompletionHandler) {
	if h == nil {
		return
	}
	d.handlers[tool] = h
}

// Wait blocks until detached completions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one callback. The returned error is non-nil only for
// internal failures; every domain condition is expressed as an Outcome.
func (d *Dispatcher) Handle(ctx context.Context, cb *models.Callback) (res Result, err error) {
	defer func() {
		tool := string(res.ToolKind)
		if tool == "" {
			tool = string(models.ToolUnknown)
		}
		telemetry.WebhookOutcomes.WithLabelValues(string(res.Outcome), tool).Inc()
	}()

	verdict := d.classifier.Classify(cb)
	res = Result{ToolKind: verdict.ToolKind, Rule: verdict.MatchedRule}

	signal, ok := cb.Signal()
	if !ok {
		slog.Info("ignoring callback status", "external_id", cb.ID, "status", cb.Status)
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	if !verdict.Known() {
		d.quarantineCallback(ctx, cb)
		res.Outcome = OutcomeUnclassified
		return res, nil
	}

	job, err := d.store.Resolve(ctx, store.ResolveQuery{
		ExternalID: cb.ID,
		InternalID: verdict.InternalID,
		BatchID:    verdict.BatchID,
		Lookback:   d.cfg.ResolveLookback,
	})
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("callback matches no job",
			"external_id", cb.ID,
			"tool_kind", verdict.ToolKind,
			"rule", verdict.MatchedRule,
			"owner_user_id", verdict.OwnerUserID,
		)
		res.Outcome = OutcomeUnresolved
		return res, nil
	}
	if err != nil {
		return internalError(res, fmt.Errorf("resolving job: %w", err))
	}

	res.JobID = &job.ID
	res.ToolKind = job.ToolKind
	if job.ToolKind != verdict.ToolKind {
		slog.Warn("classification disagrees with job record",
			"job_id", job.ID,
			"external_id", cb.ID,
			"classified", verdict.ToolKind,
			"recorded", job.ToolKind,
		)
	}

	if job.Status == models.JobStatusCanceled {
		slog.Info("discarding callback for canceled job", "job_id", job.ID, "external_id", cb.ID, "status", cb.Status)
		res.Outcome = OutcomeDiscarded
		return res, nil
	}
	if job.Status.Terminal() {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	var outcome Outcome
	switch signal {
	case models.SignalProcessing:
		outcome, err = d.handleProcessing(ctx, job)
	case models.SignalSucceeded:
		outcome, err = d.handleSucceeded(ctx, job, cb)
	case models.SignalFailed:
		outcome, err = d.handleFailed(ctx, job, cb)
	}
	if err != nil {
		return internalError(res, err)
	}
	res.Outcome = outcome
	return res, nil
}

func internalError(res Result, err error) (Result, error) {
	res.Outcome = OutcomeInternalError
	return res, err
}

func (d *Dispatcher) handleProcessing(ctx context.Context, job *models.Job) (Outcome, error) {
	err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing)
	if errors.Is(err, store.ErrInvalidTransition) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("marking job processing: %w", err)
	}
	d.publish(ctx, job, models.EventJobProcessing, models.JobStatusProcessing)
	return OutcomeOK, nil
}

func (d *Dispatcher) handleSucceeded(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	h := d.handlerFor(job, cb)
	if h == nil {
		return "", fmt.Errorf("no completion handler for %s", job.ToolKind)
	}

	claimed, done, err := d.store.ClaimDelivery(ctx, job.ID, cb.ID)
	if err != nil {
		return "", fmt.Errorf("claiming delivery: %w", err)
	}
	if !claimed {
		if done {
			return OutcomeDuplicate, nil
		}
		return OutcomeInFlight, nil
	}

	// Batch jobs take several deliveries concurrently and never pass through accepted.
	if !job.ToolKind.IsBatch() {
		if outcome, err := d.accept(ctx, job); err != nil || outcome != "" {
			if err != nil {
				_ = d.store.ReleaseDelivery(ctx, job.ID, cb.ID)
				return "", err
			}
			d.finishDelivery(ctx, job.ID, cb.ID, nil)
			return outcome, nil
		}
	}

	if d.cfg.Async {
		d.wg.Add(1)
		go d.completeDetached(ctx, h, job, cb)
		return OutcomeAccepted, nil
	}

	outcome, err := h.Complete(ctx, job, cb)
	d.finishDelivery(ctx, job.ID, cb.ID, err)
	return outcome, err
}

// accept moves a single-output job to accepted. An empty outcome means the
// caller owns the completion; otherwise the outcome explains why not.
func (d *Dispatcher) accept(ctx context.Context, job *models.Job) (Outcome, error) {
	err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusAccepted)
	if err == nil {
		job.Status = models.JobStatusAccepted
		d.cacheStatus(ctx, job.ID, models.JobStatusAccepted)
		return "", nil
	}
	if !errors.Is(err, store.ErrInvalidTransition) {
		return "", fmt.Errorf("accepting job: %w", err)
	}

	current, gerr := d.store.GetJob(ctx, job.ID)
	if gerr != nil {
		return "", fmt.Errorf("reloading job: %w", gerr)
	}
	switch {
	case current.Status == models.JobStatusAccepted:
		// An earlier delivery released its claim mid-completion; resume it.
		return "", nil
	case current.Status == models.JobStatusCanceled:
		return OutcomeDiscarded, nil
	default:
		return OutcomeDuplicate, nil
	}
}

func (d *Dispatcher) completeDetached(parent context.Context, h CompletionHandler, job *models.Job, cb *models.Callback) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.CompletionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in detached completion", "error", r, "job_id", job.ID, "external_id", cb.ID)
			_ = d.store.ReleaseDelivery(ctx, job.ID, cb.ID)
		}
	}()

	outcome, err := h.Complete(ctx, job, cb)
	d.finishDelivery(ctx, job.ID, cb.ID, err)
	if err != nil {
		slog.Error("detached completion failed", "job_id", job.ID, "external_id", cb.ID, "error", err)
		return
	}
	telemetry.WebhookOutcomes.WithLabelValues(string(outcome), string(job.ToolKind)).Inc()
}

// finishDelivery marks the claim done, or releases it so a redelivery can retry.
func (d *Dispatcher) finishDelivery(ctx context.Context, jobID uuid.UUID, externalID string, workErr error) {
	if workErr != nil {
		if err := d.store.ReleaseDelivery(ctx, jobID, externalID); err != nil {
			slog.Error("releasing delivery claim", "job_id", jobID, "external_id", externalID, "error", err)
		}
		return
	}
	if err := d.store.CompleteDelivery(ctx, jobID, externalID); err != nil {
		slog.Error("completing delivery claim", "job_id", jobID, "external_id", externalID, "error", err)
	}
}

func (d *Dispatcher) handlerFor(job *models.Job, cb *models.Callback) CompletionHandler {
	if isUpscaleDelivery(job, cb.ID) {
		return d.upscale
	}
	return d.handlers[job.ToolKind]
}

// isUpscaleDelivery reports whether externalID is the follow-up of a chain,
// either because job is the chained child or because job is the parent whose
// chains_to names the callback.
func isUpscaleDelivery(job *models.Job, externalID string) bool {
	return job.ChainedFrom != nil || (job.ChainsTo != nil && *job.ChainsTo == externalID)
}

func (d *Dispatcher) handleFailed(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	msg := cb.ErrorText()
	if msg == "" {
		msg = "provider reported " + cb.Status
	}
	reason := failure.Classify(msg)
	slog.Info("provider reported failure",
		"job_id", job.ID,
		"external_id", cb.ID,
		"tool_kind", job.ToolKind,
		"failure_reason", reason,
		"fingerprint", failure.Fingerprint(msg),
	)

	if isUpscaleDelivery(job, cb.ID) {
		child, parent, err := d.chainMembers(ctx, job)
		if err != nil {
			return "", err
		}
		return d.upscaleFailed(ctx, child, parent, reason, msg)
	}
	return d.failJob(ctx, job, reason, msg)
}

// failJob marks job failed and refunds a prepaid debit.
func (d *Dispatcher) failJob(ctx context.Context, job *models.Job, reason, msg string) (Outcome, error) {
	err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
		store.WithFailureReason(reason),
		store.WithErrorMessage(failure.Truncate(msg, failure.MaxMessageBytes)))
	if errors.Is(err, store.ErrInvalidTransition) {
		return d.lostRace(ctx, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("marking job failed: %w", err)
	}

	d.credits.Refund(ctx, job)
	d.publish(ctx, job, models.EventJobFailed, models.JobStatusFailed)
	return OutcomeFailed, nil
}

// succeed records the final output and settles on-completion credits.
func (d *Dispatcher) succeed(ctx context.Context, job *models.Job, out *models.Result) (Outcome, error) {
	err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded, store.WithOutput(out))
	if errors.Is(err, store.ErrInvalidTransition) {
		return d.lostRace(ctx, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("marking job succeeded: %w", err)
	}

	d.credits.Settle(ctx, job)
	d.publish(ctx, job, models.EventJobCompleted, models.JobStatusSucceeded)
	return OutcomeOK, nil
}

// lostRace explains a rejected terminal write: the job was canceled or some
// other delivery finished it first.
func (d *Dispatcher) lostRace(ctx context.Context, id uuid.UUID) (Outcome, error) {
	current, err := d.store.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reloading job: %w", err)
	}
	if current.Status == models.JobStatusCanceled {
		return OutcomeDiscarded, nil
	}
	return OutcomeDuplicate, nil
}

func (d *Dispatcher) publish(ctx context.Context, job *models.Job, eventType string, status models.JobStatus) {
	d.cacheStatus(ctx, job.ID, status)
	snapshot := *job
	snapshot.Status = status
	d.notifier.Notify(ctx, job.OwnerUserID, models.NewEvent(eventType, &snapshot))
}

func (d *Dispatcher) cacheStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if d.status == nil {
		return
	}
	if err := d.status.SetJobStatus(ctx, id, string(status), statusTTL); err != nil {
		slog.Warn("caching job status", "job_id", id, "error", err)
	}
}

type quarantined struct {
	ReceivedAt time.Time        `json:"received_at"`
	Callback   *models.Callback `json:"callback"`
}

func (d *Dispatcher) quarantineCallback(ctx context.Context, cb *models.Callback) {
	slog.Warn("unclassified callback",
		"external_id", cb.ID,
		"status", cb.Status,
		"version", cb.Version,
		"model", cb.Model,
	)
	if d.quarantine == nil {
		return
	}
	payload, err := json.Marshal(quarantined{ReceivedAt: d.now(), Callback: cb})
	if err != nil {
		return
	}
	if err := d.quarantine.PushUnclassified(ctx, payload); err != nil {
		slog.Warn("quarantining callback", "external_id", cb.ID, "error", err)
	}
}

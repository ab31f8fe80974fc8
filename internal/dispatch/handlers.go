package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/provider"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const (
	defaultUpscaleResolution = "1080p"
	chainedProgress          = 50
	msgNoOutput              = "provider reported success without output"
)

// singleHandler relays every output and finishes the job in one step.
type singleHandler struct{ d *Dispatcher }

func (h *singleHandler) Complete(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	d := h.d
	urls := cb.OutputURLs()
	if len(urls) == 0 {
		return d.failJob(ctx, job, models.FailureProvider, msgNoOutput)
	}
	assets, err := d.relayAll(ctx, job, urls)
	if err != nil {
		return d.failJob(ctx, job, models.FailureStorage, err.Error())
	}
	return d.succeed(ctx, job, buildResult(assets, cb))
}

// textHandler stores language-model output directly; there is nothing to relay.
type textHandler struct{ d *Dispatcher }

func (h *textHandler) Complete(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	text := cb.OutputText()
	if text == "" {
		return h.d.failJob(ctx, job, models.FailureProvider, msgNoOutput)
	}
	return h.d.succeed(ctx, job, &models.Result{Text: text, ProviderMetrics: cb.Metrics})
}

// chainHandler submits an upscale follow-up for jobs that asked for one and
// leaves the parent processing until the follow-up reports back.
type chainHandler struct {
	d        *Dispatcher
	fallback CompletionHandler
}

func (h *chainHandler) Complete(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	if !job.NeedsUpscale {
		return h.fallback.Complete(ctx, job, cb)
	}
	d := h.d

	urls := cb.OutputURLs()
	if len(urls) == 0 {
		return d.failJob(ctx, job, models.FailureProvider, msgNoOutput)
	}
	assets, err := d.relayAll(ctx, job, urls)
	if err != nil {
		return d.failJob(ctx, job, models.FailureStorage, err.Error())
	}
	result := buildResult(assets, cb)

	child, err := d.chainedJob(ctx, job, result)
	if err != nil {
		return "", err
	}

	var externalID string
	switch {
	case child.Status == models.JobStatusFailed || child.Status == models.JobStatusCanceled:
		return d.deliverOriginal(ctx, job, result)
	case child.ExternalID != nil:
		// Submitted by an earlier attempt at this delivery.
		externalID = *child.ExternalID
	case child.Status == models.JobStatusQueued:
		externalID, err = d.submitUpscale(ctx, job, child)
		if errors.Is(err, errUpscaleNotSubmitted) {
			return d.deliverOriginal(ctx, job, result)
		}
		if err != nil {
			return "", err
		}
	default:
		// Submitted, but the provider id was never recorded. The follow-up
		// resolves through the internal id it was submitted with.
		externalID = child.ID.String()
	}

	err = d.store.ChainJob(ctx, job.ID, externalID, result)
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrAlreadyChained) {
		return d.lostRace(ctx, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("chaining job: %w", err)
	}

	telemetry.ChainedSubmissions.Inc()
	slog.Info("chained upscale submitted", "job_id", job.ID, "child_job_id", child.ID, "external_id", externalID)
	d.publish(ctx, job, models.EventJobChained, models.JobStatusProcessing)
	return OutcomeChained, nil
}

var errUpscaleNotSubmitted = errors.New("upscale not submitted")

// chainedJob creates the parent's upscale follow-up, or loads the one an
// earlier attempt created. A parent never has more than one.
func (d *Dispatcher) chainedJob(ctx context.Context, parent *models.Job, result *models.Result) (*models.Job, error) {
	now := d.now()
	parentID := parent.ID
	child := &models.Job{
		ID:          uuid.New(),
		ToolKind:    models.ToolVideoUpscale,
		Status:      models.JobStatusQueued,
		OwnerUserID: parent.OwnerUserID,
		InputSnapshot: map[string]any{
			"parent_job_id":     parent.ID.String(),
			"video":             result.VideoURL,
			"target_resolution": upscaleResolution(parent),
		},
		ExpectedOutputs: 1,
		ChainedFrom:     &parentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := d.store.CreateJob(ctx, child)
	if err == nil {
		return child, nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return nil, fmt.Errorf("creating upscale job: %w", err)
	}
	existing, err := d.store.GetChainedJob(ctx, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("loading upscale job: %w", err)
	}
	return existing, nil
}

// submitUpscale moves the follow-up to submitted before calling the provider.
// Once that write lands the follow-up is never submitted again.
func (d *Dispatcher) submitUpscale(ctx context.Context, parent, child *models.Job) (string, error) {
	if err := d.store.UpdateJobStatus(ctx, child.ID, models.JobStatusSubmitted); err != nil {
		return "", fmt.Errorf("claiming upscale submission: %w", err)
	}

	externalID, err := d.submitter.Submit(ctx, provider.SubmitRequest{
		Tool:  models.ToolVideoUpscale,
		Model: d.cfg.Models[models.ToolVideoUpscale],
		Input: map[string]any{
			"video":             child.InputSnapshot["video"],
			"target_resolution": child.InputSnapshot["target_resolution"],
			"internal_id":       child.ID.String(),
			"user_id":           child.OwnerUserID,
		},
		WebhookURL: d.cfg.WebhookURL,
	})
	if err != nil {
		slog.Warn("upscale submission failed, delivering original video",
			"job_id", parent.ID,
			"child_job_id", child.ID,
			"error", err,
		)
		_ = d.store.UpdateJobStatus(ctx, child.ID, models.JobStatusFailed,
			store.WithFailureReason(models.FailureProvider),
			store.WithErrorMessage(err.Error()))
		return "", fmt.Errorf("%w: %w", errUpscaleNotSubmitted, err)
	}

	if err := d.store.MarkSubmitted(ctx, child.ID, externalID, true); err != nil {
		slog.Error("recording upscale submission", "child_job_id", child.ID, "external_id", externalID, "error", err)
	}
	return externalID, nil
}

// deliverOriginal completes the parent without an upscale.
func (d *Dispatcher) deliverOriginal(ctx context.Context, job *models.Job, result *models.Result) (Outcome, error) {
	result.FinalVideoURL = result.VideoURL
	result.UpscaleFailed = true
	return d.succeed(ctx, job, result)
}

func upscaleResolution(job *models.Job) string {
	for _, k := range []string{"upscale_resolution", "target_resolution"} {
		if v, ok := job.InputSnapshot[k].(string); ok && v != "" {
			return v
		}
	}
	return defaultUpscaleResolution
}

// upscaleHandler completes a follow-up upscale and the job it was chained from.
// A standalone upscale job has no parent and completes like any single job.
type upscaleHandler struct{ d *Dispatcher }

func (h *upscaleHandler) Complete(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	d := h.d
	child, parent, err := d.chainMembers(ctx, job)
	if err != nil {
		return "", err
	}

	urls := cb.OutputURLs()
	if len(urls) == 0 {
		return d.upscaleFailed(ctx, child, parent, models.FailureProvider, msgNoOutput)
	}
	asset, err := d.relayOne(ctx, job, urls[0], "upscaled")
	if err != nil {
		return d.upscaleFailed(ctx, child, parent, models.FailureStorage, err.Error())
	}

	if child != nil {
		out := &models.Result{
			Assets:          []models.Asset{asset},
			VideoURL:        asset.URL,
			FinalVideoURL:   asset.URL,
			ProviderMetrics: cb.Metrics,
		}
		if err := d.store.UpdateJobStatus(ctx, child.ID, models.JobStatusSucceeded, store.WithOutput(out)); err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) {
				return "", fmt.Errorf("completing upscale job: %w", err)
			}
			return d.lostRace(ctx, child.ID)
		}
		d.cacheStatus(ctx, child.ID, models.JobStatusSucceeded)
	}
	if parent == nil {
		slog.Warn("upscale parent missing", "job_id", job.ID, "external_id", cb.ID)
		return OutcomeOK, nil
	}

	out := copyResult(parent.Output)
	out.FinalVideoURL = asset.URL
	if out.VideoURL == "" {
		out.VideoURL = asset.URL
	}
	out.Assets = append(out.Assets, asset)
	if parent.ChainsTo == nil && child == nil {
		// Standalone upscale: the job is its own parent.
		out.ProviderMetrics = cb.Metrics
		return d.succeed(ctx, parent, out)
	}
	return d.completeParent(ctx, parent, out)
}

// completeParent finishes a chained parent. Credits were taken at submission,
// so nothing is debited here.
func (d *Dispatcher) completeParent(ctx context.Context, parent *models.Job, out *models.Result) (Outcome, error) {
	err := d.store.UpdateJobStatus(ctx, parent.ID, models.JobStatusSucceeded,
		store.WithOutput(out), store.WithProgress(100))
	if errors.Is(err, store.ErrInvalidTransition) {
		return d.lostRace(ctx, parent.ID)
	}
	if err != nil {
		return "", fmt.Errorf("completing chained job: %w", err)
	}
	d.publish(ctx, parent, models.EventJobCompleted, models.JobStatusSucceeded)
	return OutcomeOK, nil
}

// chainMembers splits a resolved upscale job into its child and parent records.
// child is nil when the callback resolved straight to the parent.
func (d *Dispatcher) chainMembers(ctx context.Context, job *models.Job) (child, parent *models.Job, err error) {
	if job.ChainedFrom == nil {
		return nil, job, nil
	}
	parent, err = d.store.GetJob(ctx, *job.ChainedFrom)
	if errors.Is(err, store.ErrNotFound) {
		return job, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading chained parent: %w", err)
	}
	return job, parent, nil
}

// upscaleFailed fails the follow-up and still completes the parent with its
// original-resolution video.
func (d *Dispatcher) upscaleFailed(ctx context.Context, child, parent *models.Job, reason, msg string) (Outcome, error) {
	if child == nil && parent != nil && parent.ChainsTo == nil {
		return d.failJob(ctx, parent, reason, msg)
	}

	if child != nil {
		err := d.store.UpdateJobStatus(ctx, child.ID, models.JobStatusFailed,
			store.WithFailureReason(reason),
			store.WithErrorMessage(msg))
		if errors.Is(err, store.ErrInvalidTransition) {
			return d.lostRace(ctx, child.ID)
		}
		if err != nil {
			return "", fmt.Errorf("failing upscale job: %w", err)
		}
		d.cacheStatus(ctx, child.ID, models.JobStatusFailed)
	}
	if parent == nil {
		return OutcomeFailed, nil
	}

	slog.Warn("upscale failed, delivering original video", "job_id", parent.ID, "failure_reason", reason)
	out := copyResult(parent.Output)
	out.FinalVideoURL = out.VideoURL
	out.UpscaleFailed = true
	if _, err := d.completeParent(ctx, parent, out); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

func copyResult(r *models.Result) *models.Result {
	if r == nil {
		return &models.Result{}
	}
	cp := *r
	cp.Assets = append([]models.Asset(nil), r.Assets...)
	return &cp
}

// batchHandler records one delivery of a multi-output job. Each item is stored
// and debited on its own; the delivery that brings the count to the expected
// total completes the job.
type batchHandler struct{ d *Dispatcher }

func (h *batchHandler) Complete(ctx context.Context, job *models.Job, cb *models.Callback) (Outcome, error) {
	d := h.d
	urls := cb.OutputURLs()
	if len(urls) == 0 {
		return d.failJob(ctx, job, models.FailureProvider, msgNoOutput)
	}

	if job.Status == models.JobStatusQueued || job.Status == models.JobStatusSubmitted {
		err := d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing)
		switch {
		case err == nil:
			d.cacheStatus(ctx, job.ID, models.JobStatusProcessing)
		case !errors.Is(err, store.ErrInvalidTransition):
			return "", fmt.Errorf("marking batch processing: %w", err)
		}
	}

	for i, u := range urls {
		itemKey := ItemKey(cb.ID, i)
		asset, err := d.relayOne(ctx, job, u, itemKey)
		if err != nil {
			return d.failJob(ctx, job, models.FailureStorage, err.Error())
		}
		added, err := d.store.AddOutput(ctx, &models.JobOutput{
			JobID:      job.ID,
			ItemKey:    itemKey,
			ExternalID: cb.ID,
			Asset:      asset,
			CreatedAt:  d.now(),
		})
		if errors.Is(err, store.ErrJobClosed) {
			// Canceled or finished while the item was relayed; it is not billed.
			return d.lostRace(ctx, job.ID)
		}
		if err != nil {
			return "", fmt.Errorf("storing batch item: %w", err)
		}
		if added {
			d.credits.DebitItem(ctx, job, itemKey)
		}
	}

	count, err := d.store.CountOutputs(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("counting batch items: %w", err)
	}
	expected := job.Expected()
	if count < expected {
		if err := d.store.UpdateProgress(ctx, job.ID, count*100/expected); err != nil {
			slog.Warn("updating batch progress", "job_id", job.ID, "error", err)
		}
		return OutcomePartial, nil
	}

	outputs, err := d.store.ListOutputs(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("listing batch items: %w", err)
	}
	result := &models.Result{Assets: make([]models.Asset, 0, len(outputs))}
	for _, o := range outputs {
		result.Assets = append(result.Assets, o.Asset)
	}

	err = d.store.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded,
		store.WithOutput(result), store.WithProgress(100))
	if errors.Is(err, store.ErrInvalidTransition) {
		return d.batchClosed(ctx, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("completing batch: %w", err)
	}

	// Items were debited individually; the claim only records that billing is done.
	if _, err := d.store.ClaimCreditSettlement(ctx, job.ID); err != nil {
		slog.Warn("marking batch settled", "job_id", job.ID, "error", err)
	}
	d.publish(ctx, job, models.EventBatchCompleted, models.JobStatusSucceeded)
	return OutcomeOK, nil
}

// batchClosed reports a delivery whose final transition was rejected. The item
// was recorded, so the delivery is only OK if a sibling completed the batch.
func (d *Dispatcher) batchClosed(ctx context.Context, id uuid.UUID) (Outcome, error) {
	current, err := d.store.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reloading batch: %w", err)
	}
	switch current.Status {
	case models.JobStatusSucceeded:
		return OutcomeOK, nil
	case models.JobStatusCanceled:
		return OutcomeDiscarded, nil
	default:
		return OutcomeDuplicate, nil
	}
}

// relayAll copies each output to durable storage in delivery order.
func (d *Dispatcher) relayAll(ctx context.Context, job *models.Job, urls []string) ([]models.Asset, error) {
	assets := make([]models.Asset, 0, len(urls))
	for i, u := range urls {
		hint := "output"
		if len(urls) > 1 {
			hint = "output_" + strconv.Itoa(i)
		}
		asset, err := d.relayOne(ctx, job, u, hint)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (d *Dispatcher) relayOne(ctx context.Context, job *models.Job, sourceURL, hint string) (models.Asset, error) {
	asset, err := d.relay.Relay(ctx, sourceURL, namespace(job), hint)
	if err != nil {
		telemetry.RelayFailures.Inc()
		slog.Error("asset relay failed", "job_id", job.ID, "tool_kind", job.ToolKind, "error", err)
		return models.Asset{}, err
	}
	return asset, nil
}

func namespace(job *models.Job) string {
	owner := job.OwnerUserID
	if owner == "" {
		owner = "anonymous"
	}
	return owner + "/" + string(job.ToolKind) + "/" + job.ID.String()
}

// buildResult fills the media-specific fields from the relayed assets.
func buildResult(assets []models.Asset, cb *models.Callback) *models.Result {
	r := &models.Result{Assets: assets, ProviderMetrics: cb.Metrics}
	if len(assets) == 0 {
		return r
	}
	first := assets[0]
	switch first.Kind {
	case models.MediaVideo:
		r.VideoURL = first.URL
		r.DurationSeconds = first.DurationSeconds
	case models.MediaAudio:
		r.AudioURL = first.URL
		r.DurationSeconds = reportedDuration(cb)
		if r.DurationSeconds == 0 {
			r.DurationSeconds = first.DurationSeconds
		}
	}
	return r
}

// reportedDuration reads an output duration the provider put in its metrics.
func reportedDuration(cb *models.Callback) float64 {
	for _, k := range []string{"duration", "audio_duration", "output_duration"} {
		switch v := cb.Metrics[k].(type) {
		case float64:
			if v > 0 {
				return v
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
	}
	return 0
}

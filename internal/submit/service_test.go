package submit_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/provider"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store/memory"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/submit"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const webhookURL = "https://hooks.test/api/v1/webhooks/provider"

var testModels = map[models.ToolKind]string{
	models.ToolVideoGenerate:  "kwaivgi/kling-v2.1",
	models.ToolThumbnailBatch: "black-forest-labs/flux-1.1-pro",
	models.ToolMusic:          "meta/musicgen",
}

type harness struct {
	st  *memory.Store
	lg  *ledger.Memory
	sub *provider.Mock
	svc *submit.Service
}

func newHarness(t *testing.T, sub *provider.Mock) *harness {
	t.Helper()
	if sub == nil {
		sub = provider.NewMock()
	}
	h := &harness{
		st:  memory.New(),
		lg:  ledger.NewMemory(map[string]int{"user-1": 100}),
		sub: sub,
	}
	h.svc = submit.NewService(h.st, h.lg, h.sub, testModels, webhookURL, nil)
	return h
}

func TestSubmit_PrepaidSingleJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, submit.Request{
		ToolKind:     models.ToolVideoGenerate,
		OwnerUserID:  "user-1",
		Input:        map[string]any{"prompt": "a red fox"},
		NeedsUpscale: true,
		CreditCost:   30,
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	require.NotNil(t, job.ExternalID)
	assert.True(t, job.NeedsUpscale)
	assert.True(t, job.CreditsSettled)
	assert.True(t, job.CreditsReserved)
	assert.Equal(t, []any{*job.ExternalID}, job.InputSnapshot["prediction_ids"])

	bal, _ := h.lg.Balance(ctx, "user-1")
	assert.Equal(t, 70, bal)

	calls := h.sub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "kwaivgi/kling-v2.1", calls[0].Model)
	assert.Equal(t, webhookURL, calls[0].WebhookURL)
	assert.Equal(t, "a red fox", calls[0].Input["prompt"])
	assert.Equal(t, "user-1", calls[0].Input["user_id"])
	assert.Equal(t, job.ID.String(), calls[0].Input["internal_id"])
}

func TestSubmit_OnCompletionToolIsNotCharged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, submit.Request{
		ToolKind:    models.ToolMusic,
		OwnerUserID: "user-1",
		Input:       map[string]any{"prompt": "lofi"},
		CreditCost:  10,
	})
	require.NoError(t, err)
	assert.False(t, job.CreditsSettled)
	assert.False(t, job.CreditsReserved)

	bal, _ := h.lg.Balance(ctx, "user-1")
	assert.Equal(t, 100, bal)
}

func TestSubmit_BatchSharesBatchID(t *testing.T) {
	var n atomic.Int32
	sub := &provider.Mock{SubmitFunc: func(_ context.Context, _ provider.SubmitRequest) (string, error) {
		return "p" + string(rune('a'+n.Add(1)-1)), nil
	}}
	h := newHarness(t, sub)

	job, err := h.svc.Submit(context.Background(), submit.Request{
		ToolKind:    models.ToolThumbnailBatch,
		OwnerUserID: "user-1",
		Input:       map[string]any{"prompt": "gaming thumbnail"},
		Count:       3,
		CreditCost:  2,
	})
	require.NoError(t, err)

	require.NotNil(t, job.BatchID)
	assert.Nil(t, job.ExternalID)
	assert.Equal(t, 3, job.ExpectedOutputs)
	assert.Equal(t, []any{"pa", "pb", "pc"}, job.InputSnapshot["prediction_ids"])

	for _, c := range h.sub.Calls() {
		assert.Equal(t, *job.BatchID, c.Input["batch_id"])
		assert.NotContains(t, c.Input, "prediction_ids")
	}

	bal, _ := h.lg.Balance(context.Background(), "user-1")
	assert.Equal(t, 100, bal, "batch items are billed on delivery")
}

func TestSubmit_BatchDefaultCount(t *testing.T) {
	h := newHarness(t, nil)

	job, err := h.svc.Submit(context.Background(), submit.Request{
		ToolKind:    models.ToolThumbnailBatch,
		OwnerUserID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, job.ExpectedOutputs)
	assert.Len(t, h.sub.Calls(), 4)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		name string
		req  submit.Request
	}{
		{"unknown tool", submit.Request{ToolKind: "paint", OwnerUserID: "user-1"}},
		{"missing owner", submit.Request{ToolKind: models.ToolMusic}},
		{"negative cost", submit.Request{ToolKind: models.ToolMusic, OwnerUserID: "user-1", CreditCost: -1}},
		{"upscale on music", submit.Request{ToolKind: models.ToolMusic, OwnerUserID: "user-1", NeedsUpscale: true}},
		{"batch too large", submit.Request{ToolKind: models.ToolLogoBatch, OwnerUserID: "user-1", Count: 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), tc.req)
			assert.ErrorIs(t, err, submit.ErrInvalidRequest)
		})
	}
	assert.Empty(t, h.sub.Calls())
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, submit.Request{
		ToolKind:    models.ToolVideoGenerate,
		OwnerUserID: "user-1",
		CreditCost:  500,
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Empty(t, h.sub.Calls(), "nothing is sent to the provider")

	bal, _ := h.lg.Balance(ctx, "user-1")
	assert.Equal(t, 100, bal)
	assert.Empty(t, h.lg.Entries())
}

func TestSubmit_ProviderFailureRefunds(t *testing.T) {
	h := newHarness(t, provider.NewFailingMock(provider.ErrProviderUnavailable))
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, submit.Request{
		ToolKind:    models.ToolVideoGenerate,
		OwnerUserID: "user-1",
		CreditCost:  30,
	})
	require.ErrorIs(t, err, submit.ErrSubmission)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)

	bal, _ := h.lg.Balance(ctx, "user-1")
	assert.Equal(t, 100, bal)

	entries := h.lg.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "debit", entries[0].Kind)
	assert.Equal(t, "refund", entries[1].Kind)
}

func TestSubmit_FailureMarksJobFailed(t *testing.T) {
	boom := errors.New("model not found")
	h := newHarness(t, provider.NewFailingMock(boom))
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, submit.Request{
		ToolKind:    models.ToolMusic,
		OwnerUserID: "user-1",
		CreditCost:  10,
	})
	require.ErrorIs(t, err, boom)

	calls := h.sub.Calls()
	require.Len(t, calls, 1)
	id, err := uuid.Parse(calls[0].Input["internal_id"].(string))
	require.NoError(t, err)

	job, err := h.st.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, models.FailureProvider, *job.FailureReason)
	assert.Empty(t, h.lg.Entries(), "on-completion tools are never debited up front")
}

func TestCancel_RefundsPrepaid(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, submit.Request{
		ToolKind:    models.ToolScriptToVideo,
		OwnerUserID: "user-1",
		CreditCost:  40,
	})
	require.NoError(t, err)

	canceled, err := h.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)
	assert.True(t, canceled.CreditsRefunded)

	bal, _ := h.lg.Balance(ctx, "user-1")
	assert.Equal(t, 100, bal)

	_, err = h.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, submit.ErrNotCancelable)
	bal, _ = h.lg.Balance(ctx, "user-1")
	assert.Equal(t, 100, bal, "refund happens once")
}

func TestCancel_TerminalJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, submit.Request{ToolKind: models.ToolMusic, OwnerUserID: "user-1"})
	require.NoError(t, err)
	require.NoError(t, h.st.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed))

	_, err = h.svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, submit.ErrNotCancelable)
}

func TestCancel_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store/memory"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

func seed(t *testing.T, s *memory.Store, tool models.ToolKind) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:              uuid.New(),
		ToolKind:        tool,
		Status:          models.JobStatusQueued,
		OwnerUserID:     "user-1",
		InputSnapshot:   map[string]any{"prompt": "sunset"},
		ExpectedOutputs: 1,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestResolve_Order(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	single := seed(t, s, models.ToolMusic)
	require.NoError(t, s.MarkSubmitted(ctx, single.ID, "rep-abc123", true))

	batch := seed(t, s, models.ToolLogoBatch)
	require.NoError(t, s.MarkSubmitted(ctx, batch.ID, "rep-batch-9", false))

	got, err := s.Resolve(ctx, store.ResolveQuery{ExternalID: "rep-abc123", Lookback: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, single.ID, got.ID)

	got, err = s.Resolve(ctx, store.ResolveQuery{ExternalID: "rep-batch-9", Lookback: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, batch.ID, got.ID)

	got, err = s.Resolve(ctx, store.ResolveQuery{ExternalID: "rep-none", InternalID: &batch.ID})
	require.NoError(t, err)
	assert.Equal(t, batch.ID, got.ID)

	_, err = s.Resolve(ctx, store.ResolveQuery{ExternalID: "rep-none", Lookback: time.Hour})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateJobStatus_NeverRegresses(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	job := seed(t, s, models.ToolFaceSwap)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded))

	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestChainJob_Once(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	job := seed(t, s, models.ToolVideoGenerate)

	err := s.ChainJob(ctx, job.ID, "rep-up-1", nil)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusAccepted))
	require.NoError(t, s.ChainJob(ctx, job.ID, "rep-up-1", &models.Result{VideoURL: "https://cdn/v.mp4"}))

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusAccepted))
	assert.ErrorIs(t, s.ChainJob(ctx, job.ID, "rep-up-2", nil), store.ErrAlreadyChained)
}

func TestClaimDelivery(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	job := seed(t, s, models.ToolMusic)

	claimed, done, err := s.ClaimDelivery(ctx, job.ID, "rep-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.False(t, done)

	claimed, done, _ = s.ClaimDelivery(ctx, job.ID, "rep-1")
	assert.False(t, claimed)
	assert.False(t, done)

	require.NoError(t, s.CompleteDelivery(ctx, job.ID, "rep-1"))
	require.NoError(t, s.ReleaseDelivery(ctx, job.ID, "rep-1"))

	claimed, done, _ = s.ClaimDelivery(ctx, job.ID, "rep-1")
	assert.False(t, claimed)
	assert.True(t, done)
}

func TestCreditClaims(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	job := seed(t, s, models.ToolVideoGenerate)

	ok, err := s.ClaimCreditRefund(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = s.ClaimCreditSettlement(ctx, job.ID)
	assert.True(t, ok)
	ok, _ = s.ClaimCreditSettlement(ctx, job.ID)
	assert.False(t, ok)

	ok, _ = s.ClaimCreditRefund(ctx, job.ID)
	assert.False(t, ok, "settled but never reserved")

	require.NoError(t, s.MarkCreditsReserved(ctx, job.ID))
	ok, _ = s.ClaimCreditRefund(ctx, job.ID)
	assert.True(t, ok)
	ok, _ = s.ClaimCreditRefund(ctx, job.ID)
	assert.False(t, ok)
}

func TestResolve_SnapshotLookback(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	job := &models.Job{
		ID:            uuid.New(),
		ToolKind:      models.ToolThumbnailBatch,
		Status:        models.JobStatusQueued,
		OwnerUserID:   "user-1",
		InputSnapshot: map[string]any{},
		CreatedAt:     time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.MarkSubmitted(ctx, job.ID, "rep-old", false))

	_, err := s.Resolve(ctx, store.ResolveQuery{ExternalID: "rep-old", Lookback: time.Hour})
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.Resolve(ctx, store.ResolveQuery{ExternalID: "rep-old", Lookback: 3 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestAddOutput_ClosedJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	job := seed(t, s, models.ToolLogoBatch)

	added, err := s.AddOutput(ctx, &models.JobOutput{JobID: job.ID, ItemKey: "rep-1:0", ExternalID: "rep-1"})
	require.NoError(t, err)
	assert.True(t, added)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCanceled))
	added, err = s.AddOutput(ctx, &models.JobOutput{JobID: job.ID, ItemKey: "rep-2:0", ExternalID: "rep-2"})
	assert.ErrorIs(t, err, store.ErrJobClosed)
	assert.False(t, added)

	n, err := s.CountOutputs(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.AddOutput(ctx, &models.JobOutput{JobID: uuid.New(), ItemKey: "rep-3:0"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChainedJob_OnePerParent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	parent := seed(t, s, models.ToolVideoGenerate)

	_, err := s.GetChainedJob(ctx, parent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	child := &models.Job{ID: uuid.New(), ToolKind: models.ToolVideoUpscale, Status: models.JobStatusQueued,
		OwnerUserID: "user-1", ChainedFrom: &parent.ID}
	require.NoError(t, s.CreateJob(ctx, child))

	second := &models.Job{ID: uuid.New(), ToolKind: models.ToolVideoUpscale, Status: models.JobStatusQueued,
		OwnerUserID: "user-1", ChainedFrom: &parent.ID}
	assert.ErrorIs(t, s.CreateJob(ctx, second), store.ErrDuplicateKey)

	got, err := s.GetChainedJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)
}

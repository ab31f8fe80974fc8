package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/cache"
)

func setupRedis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc, mr
}

func TestPing(t *testing.T) {
	rc, _ := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := cache.NewRedisCache("not a url")
	assert.Error(t, err)
}

// --- Job status ---

func TestSetGetJobStatus(t *testing.T) {
	rc, mr := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobStatus(ctx, jobID, "processing", 10*time.Second))

	status, found, err := rc.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "processing", status)

	mr.FastForward(11 * time.Second)

	_, found, err = rc.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	rc, _ := setupRedis(t)

	status, found, err := rc.GetJobStatus(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", status)
}

func TestSetJobStatus_NeverRegresses(t *testing.T) {
	rc, mr := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobStatus(ctx, jobID, "submitted", time.Hour))
	require.NoError(t, rc.SetJobStatus(ctx, jobID, "succeeded", time.Hour))
	// A processing write that lost the race to the terminal write.
	require.NoError(t, rc.SetJobStatus(ctx, jobID, "processing", time.Hour))
	require.NoError(t, rc.SetJobStatus(ctx, jobID, "failed", time.Hour))

	status, found, err := rc.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "succeeded", status)
	assert.Greater(t, mr.TTL(cache.JobStatusKey(jobID)), time.Duration(0))
}

func TestSetJobStatus_Forward(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	for _, step := range []struct{ write, want string }{
		{"queued", "queued"},
		{"processing", "processing"},
		{"submitted", "processing"},
		{"accepted", "accepted"},
		{"processing", "processing"}, // chained back to processing
		{"canceled", "canceled"},
		{"succeeded", "canceled"},
	} {
		require.NoError(t, rc.SetJobStatus(ctx, jobID, step.write, time.Hour))
		got, _, err := rc.GetJobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, step.want, got, "after writing %s", step.write)
	}
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	rc, mr := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("bfx_test")

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}

	mr.FastForward(61 * time.Second)

	val, err := rc.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Quarantine ---

func TestUnclassified_NewestFirstAndCapped(t *testing.T) {
	rc, _ := setupRedis(t)
	ctx := context.Background()

	for i := 0; i < cache.UnclassifiedLimit+5; i++ {
		require.NoError(t, rc.PushUnclassified(ctx, []byte(fmt.Sprintf(`{"id":"p%d"}`, i))))
	}

	all, err := rc.ListUnclassified(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, cache.UnclassifiedLimit)
	assert.Equal(t, fmt.Sprintf(`{"id":"p%d"}`, cache.UnclassifiedLimit+4), all[0])

	some, err := rc.ListUnclassified(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, some, 2)
}

// --- Publish ---

func TestPublish(t *testing.T) {
	rc, _ := setupRedis(t)

	// No subscribers: the message is dropped, but the command must still succeed.
	err := rc.Publish(context.Background(), "notifications:user:u1", []byte(`{"type":"job.completed"}`))
	assert.NoError(t, err)
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222:status", cache.JobStatusKey(jobID))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:bfx_abc", cache.RateLimitKey("bfx_abc"))
}

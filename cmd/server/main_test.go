package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/store/memory"
)

// ─── mock pinger ─────────────────────────────────────────────────────────────

type testPinger struct {
	pingErr error
}

func (p *testPinger) Ping(_ context.Context) error { return p.pingErr }

// ─── health handler tests ───────────────────────────────────────────────────

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(memory.New(), &testPinger{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(&testPinger{pingErr: errors.New("connection refused")}, &testPinger{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["database"])
	assert.Equal(t, "ok", details["cache"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(&testPinger{}, &testPinger{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "PROVIDER", "WEBHOOK_PUBLIC_URL",
	} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PROVIDER", "mock")
	t.Setenv("WEBHOOK_PUBLIC_URL", "https://hooks.example.com/api/v1/webhooks/provider")
	t.Setenv("STORAGE_DRIVER", "local")
	t.Setenv("NOTIFIER", "none")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}

package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api"
	mw "github.com/bluefxvideo/bluefx-app-sub009/internal/api/middleware"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store/memory"
)

type stubCounter struct{}

func (stubCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func newTestRouter() http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(memory.New()),
		RateLimit: mw.NewRateLimit(stubCounter{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		WebhookHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_WebhookIsPublic(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("POST", "/api/v1/webhooks/provider", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/5b0c2a52-8a43-4c71-9c1c-0d1f0f8e4e11"},
		{"GET", "/api/v1/jobs/5b0c2a52-8a43-4c71-9c1c-0d1f0f8e4e11/status"},
		{"POST", "/api/v1/jobs/5b0c2a52-8a43-4c71-9c1c-0d1f0f8e4e11/cancel"},
		{"GET", "/api/v1/batches/b-1"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/unclassified"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(ep.method, ep.path, nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_MetricsOnlyWhenWired(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_AssetsServedWhenWired(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "user-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user-1", "a.txt"), []byte("hello"), 0o644))

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(memory.New()),
		RateLimit: mw.NewRateLimit(stubCounter{}, 60),
		Assets:    http.FileServer(http.Dir(dir)),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/assets/user-1/a.txt", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, httptest.NewRequest("GET", "/assets/user-1/a.txt", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/nonexistent", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

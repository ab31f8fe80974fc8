package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/bluefxvideo/bluefx-app-sub009/internal/api/middleware"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// --- fakes ---

type keyStore struct {
	keys []*models.APIKey
	err  error
}

func (m *keyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *keyStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

type counter struct {
	n   int64
	err error
}

func (c *counter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.n++
	return c.n, c.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func storeWithKey(t *testing.T, rawKey string, scopes ...string) (*keyStore, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	return &keyStore{keys: []*models.APIKey{{
		ID:        id,
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}}}, id
}

func serve(h http.Handler, rawKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/test", nil)
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&keyStore{})
	w := serve(auth.Authenticate(okHandler()), "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&keyStore{})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&keyStore{})
	w := serve(auth.Authenticate(okHandler()), "short")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&keyStore{keys: []*models.APIKey{}})
	w := serve(auth.Authenticate(okHandler()), "bfx_test1234567890")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", errBody(t, w)["message"])
}

func TestAuth_StoreError(t *testing.T) {
	auth := mw.NewAuth(&keyStore{err: errors.New("db down")})
	w := serve(auth.Authenticate(okHandler()), "bfx_test1234567890")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuth_WrongSecretSamePrefix(t *testing.T) {
	ks, _ := storeWithKey(t, "bfx_abcd_secret_one", models.ScopeRead)
	auth := mw.NewAuth(ks)

	w := serve(auth.Authenticate(okHandler()), "bfx_abcd_secret_two")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKeySetsKeyID(t *testing.T) {
	rawKey := "bfx_valid_1234567890abcdef"
	ks, keyID := storeWithKey(t, rawKey, models.ScopeRead)
	auth := mw.NewAuth(ks)

	var got uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, gotOK = mw.GetKeyID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := serve(auth.Authenticate(inner), rawKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, keyID, got)
}

func TestAuth_RequireScope(t *testing.T) {
	cases := []struct {
		name   string
		scopes []string
		want   int
	}{
		{"exact scope", []string{models.ScopeWrite}, http.StatusOK},
		{"admin implies write", []string{models.ScopeAdmin}, http.StatusOK},
		{"read only", []string{models.ScopeRead}, http.StatusForbidden},
		{"no scopes", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rawKey := "bfx_scope_1234567890abcdef"
			ks, _ := storeWithKey(t, rawKey, tc.scopes...)
			auth := mw.NewAuth(ks)

			w := serve(auth.Authenticate(auth.RequireScope(models.ScopeWrite)(okHandler())), rawKey)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusForbidden {
				assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
			}
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func limitedRequest(prefix string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	return req.WithContext(mw.WithKeyPrefix(req.Context(), prefix))
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(&counter{}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, limitedRequest("bfx_test"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(&counter{n: 60}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, limitedRequest("bfx_over"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&counter{err: errors.New("redis down")}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, limitedRequest("bfx_test"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	c := &counter{}
	rl := mw.NewRateLimit(c, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, c.n)
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	rl := mw.NewRateLimit(&counter{}, 0)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, limitedRequest("bfx_test"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery / Logging Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := serve(mw.Recovery(panicking), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_CountsPanicsByRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(mw.Recovery)
	r.Get("/api/v1/jobs/{id}", func(_ http.ResponseWriter, _ *http.Request) {
		panic("nil job")
	})

	req := httptest.NewRequest("GET", "/api/v1/jobs/"+uuid.NewString(), nil)
	req = req.WithContext(mw.SetKeyID(req.Context(), uuid.New()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	metrics := httptest.NewRecorder()
	telemetry.Handler().ServeHTTP(metrics, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, metrics.Body.String(), `api_panics_recovered_total{route="/api/v1/jobs/{id}"} 1`)
}

func TestRecovery_NoPanic(t *testing.T) {
	w := serve(mw.Recovery(okHandler()), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_PassesStatusThrough(t *testing.T) {
	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := serve(mw.Logger(teapot), "")
	assert.Equal(t, http.StatusTeapot, w.Code)
}

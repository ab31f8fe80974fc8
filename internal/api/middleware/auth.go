package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// KeyPrefixLen is the number of leading key characters stored in clear for lookup.
const KeyPrefixLen = 8

// KeyStore is the subset of the store the auth middleware reads.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	store KeyStore
}

// NewAuth creates a new Auth middleware.
func NewAuth(s KeyStore) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// key_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < KeyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:KeyPrefixLen]
		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			ctx := r.Context()
			ctx = SetKeyID(ctx, key.ID)
			ctx = setKeyPrefix(ctx, prefix)
			ctx = setScopes(ctx, key.Scopes)

			go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)

			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope. admin implies every other scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope || s == models.ScopeAdmin {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyIDKey        contextKey = "key_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

func SetKeyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyIDKey, id)
}

// GetKeyID returns the id of the API key that authenticated the request.
func GetKeyID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(keyIDKey).(uuid.UUID)
	return id, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// WithKeyPrefix attaches a key prefix the way Authenticate does. Used by tests
// that exercise RateLimit on its own.
func WithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return setKeyPrefix(ctx, prefix)
}

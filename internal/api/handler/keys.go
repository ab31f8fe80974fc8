package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/bluefxvideo/bluefx-app-sub009/internal/api/middleware"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const rawKeyPrefix = "bfx_"

var validScopes = map[string]bool{
	models.ScopeRead:  true,
	models.ScopeWrite: true,
	models.ScopeAdmin: true,
}

// KeyStore manages API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type KeysHandler struct {
	store KeyStore
	cost  int
}

func NewKeysHandler(st KeyStore) *KeysHandler {
	return &KeysHandler{store: st, cost: bcrypt.DefaultCost}
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// Create handles POST /api/v1/admin/keys. The raw key is returned once.
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{models.ScopeRead}
	}
	for _, s := range req.Scopes {
		if !validScopes[s] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope "+s, nil)
			return
		}
	}

	raw, err := generateKey()
	if err != nil {
		slog.Error("generating api key", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), h.cost)
	if err != nil {
		slog.Error("hashing api key", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      req.Name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    req.Scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "KEY_EXISTS", "An API key with this name already exists", nil)
			return
		}
		slog.Error("storing api key", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	slog.Info("api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix, "scopes", key.Scopes)
	response.Created(w, createdKey{APIKey: key, Key: raw})
}

// List handles GET /api/v1/admin/keys.
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		slog.Error("listing api keys", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.List(w, keys, len(keys), 0)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "keyID")
	if !ok {
		return
	}
	if caller, ok := mw.GetKeyID(r); ok && caller == id {
		response.Error(w, http.StatusConflict, "CANNOT_REVOKE_SELF", "A key cannot revoke itself", nil)
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		writeLookupError(w, err, "KEY_NOT_FOUND", "API key not found")
		return
	}
	slog.Info("api key revoked", "key_id", id)
	response.NoContent(w)
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(buf), nil
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
)

const defaultUnclassifiedLimit = 50

// QuarantineReader lists quarantined callbacks, newest first.
type QuarantineReader interface {
	ListUnclassified(ctx context.Context, limit int) ([]string, error)
}

// NewUnclassifiedHandler returns the handler for GET /api/v1/admin/unclassified.
func NewUnclassifiedHandler(q QuarantineReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUnclassifiedLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		entries, err := q.ListUnclassified(r.Context(), limit)
		if err != nil {
			slog.Error("listing unclassified callbacks", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		items := make([]json.RawMessage, 0, len(entries))
		for _, e := range entries {
			if json.Valid([]byte(e)) {
				items = append(items, json.RawMessage(e))
				continue
			}
			quoted, _ := json.Marshal(e)
			items = append(items, quoted)
		}
		response.List(w, items, len(items), limit)
	}
}

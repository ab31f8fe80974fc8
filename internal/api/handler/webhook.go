// Package handler holds the HTTP handlers behind the api router.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/dispatch"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/failure"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

const (
	maxWebhookBytes = 1 << 20
	logBodyBytes    = 4 << 10
)

var errNotJSON = errors.New("content type is not JSON")

// Dispatcher handles one validated callback.
type Dispatcher interface {
	Handle(ctx context.Context, cb *models.Callback) (dispatch.Result, error)
}

// NewWebhookHandler returns the handler for POST /api/v1/webhooks/provider.
//
// Only malformed requests are rejected, with 403. Everything past validation
// is answered 200 with the dispatcher outcome, internal failures included,
// so the provider does not start redelivering.
func NewWebhookHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, cb, err := readCallback(w, r)
		if err != nil {
			telemetry.WebhooksReceived.WithLabelValues("invalid").Inc()
			slog.Warn("rejected webhook", "error", err, "remote_addr", r.RemoteAddr)
			response.Error(w, http.StatusForbidden, "INVALID_WEBHOOK", err.Error(), nil)
			return
		}
		telemetry.WebhooksReceived.WithLabelValues(statusLabel(cb)).Inc()

		defer func() {
			if p := recover(); p != nil {
				slog.Error("panic handling webhook",
					"external_id", cb.ID,
					"error", p,
					"stack", string(debug.Stack()),
				)
				response.JSON(w, dispatch.Result{Outcome: dispatch.OutcomeInternalError})
			}
		}()

		res, err := d.Handle(r.Context(), cb)
		if err != nil {
			slog.Error("webhook handling failed",
				"external_id", cb.ID,
				"status", cb.Status,
				"tool_kind", res.ToolKind,
				"error", err,
			)
			res.Outcome = dispatch.OutcomeInternalError
		}
		if res.Outcome == dispatch.OutcomeUnclassified {
			slog.Warn("unclassified webhook",
				"external_id", cb.ID,
				"version", cb.Identifier(),
				"body", failure.Truncate(string(body), logBodyBytes),
			)
		}
		response.JSON(w, res)
	}
}

func readCallback(w http.ResponseWriter, r *http.Request) ([]byte, *models.Callback, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !(mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")) {
		return nil, nil, errNotJSON
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		return nil, nil, errors.New("body unreadable or too large")
	}

	var cb models.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, nil, errors.New("body is not a callback object")
	}

	var missing []string
	if strings.TrimSpace(cb.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(cb.Status) == "" {
		missing = append(missing, "status")
	}
	if strings.TrimSpace(cb.Identifier()) == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return nil, nil, errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return body, &cb, nil
}

// statusLabel keeps the metric's label set bounded.
func statusLabel(cb *models.Callback) string {
	if _, ok := cb.Signal(); !ok {
		return "other"
	}
	return strings.ToLower(strings.TrimSpace(cb.Status))
}

// Package provider submits inference jobs. Results never come back on the
// submit call; they arrive later at the shared webhook endpoint.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/config"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Sentinel errors for submission failures.
var (
	ErrProviderUnavailable = errors.New("inference provider unavailable")
	ErrProviderTimeout     = errors.New("inference provider timeout")
	ErrProviderRejected    = errors.New("inference provider rejected request")
	ErrInvalidResponse     = errors.New("inference provider returned invalid response")
)

// SubmitRequest is one prediction to create.
type SubmitRequest struct {
	Tool models.ToolKind
	// Model is "owner/name" or "owner/name:version".
	Model      string
	Input      map[string]any
	WebhookURL string
}

// Submitter creates predictions and returns the provider-assigned id.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (externalID string, err error)
}

// NewSubmitter constructs the configured Submitter. Called once at startup.
func NewSubmitter(cfg config.ProviderConfig) (Submitter, error) {
	switch cfg.Name {
	case "replicate":
		return NewReplicateClient(cfg.BaseURL, cfg.APIToken, cfg.Timeout), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q: must be one of replicate, mock", cfg.Name)
	}
}

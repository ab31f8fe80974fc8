package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// webhookEvents asks for start and completion callbacks only; per-log
// callbacks carry nothing the dispatcher uses.
var webhookEvents = []string{"start", "completed"}

// ReplicateClient implements Submitter against the Replicate predictions API.
type ReplicateClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewReplicateClient creates a new Replicate HTTP client.
func NewReplicateClient(baseURL, token string, timeout time.Duration) *ReplicateClient {
	return &ReplicateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type predictionRequest struct {
	Version             string         `json:"version,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

type predictionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type apiError struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

func (c *ReplicateClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("%w: no model configured for %s", ErrProviderRejected, req.Tool)
	}

	body := predictionRequest{
		Input:               req.Input,
		Webhook:             req.WebhookURL,
		WebhookEventsFilter: webhookEvents,
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	// Pinned versions go to the generic endpoint; bare model names use the
	// model's latest deployment.
	u := c.baseURL + "/v1/predictions"
	if _, version, ok := strings.Cut(req.Model, ":"); ok {
		body.Version = version
	} else {
		u = fmt.Sprintf("%s/v1/models/%s/predictions", c.baseURL, req.Model)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, readDetail(resp.Body))
	}

	var pred predictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if pred.ID == "" {
		return "", fmt.Errorf("%w: missing prediction id", ErrInvalidResponse)
	}
	return pred.ID, nil
}

func (c *ReplicateClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Detail != "" {
		return e.Detail
	}
	return strings.TrimSpace(string(raw))
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// Compile-time check that ReplicateClient implements Submitter.
var _ Submitter = (*ReplicateClient)(nil)

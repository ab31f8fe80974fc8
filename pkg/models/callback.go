package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// Provider-reported statuses as they appear on the wire.
const (
	ProviderStarting   = "starting"
	ProviderProcessing = "processing"
	ProviderSucceeded  = "succeeded"
	ProviderFailed     = "failed"
	ProviderCanceled   = "canceled"
)

// Signal is the normalized status a callback carries into the dispatcher.
type Signal string

const (
	SignalProcessing Signal = "processing"
	SignalSucceeded  Signal = "succeeded"
	SignalFailed     Signal = "failed"
)

// Callback is the loosely-typed webhook body posted by the inference provider.
type Callback struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Version     string          `json:"version"`
	Model       string          `json:"model,omitempty"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Logs        string          `json:"logs,omitempty"`
	Metrics     map[string]any  `json:"metrics,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

// Identifier returns the model identifier, preferring the version string.
func (c *Callback) Identifier() string {
	if c.Version != "" {
		return c.Version
	}
	return c.Model
}

// Signal maps the provider status onto the dispatcher vocabulary.
// The second return is false for statuses the service does not understand.
func (c *Callback) Signal() (Signal, bool) {
	switch strings.ToLower(strings.TrimSpace(c.Status)) {
	case ProviderStarting, ProviderProcessing:
		return SignalProcessing, true
	case ProviderSucceeded:
		return SignalSucceeded, true
	case ProviderFailed, ProviderCanceled:
		return SignalFailed, true
	default:
		return "", false
	}
}

// OutputURLs returns every URL found in the output, in delivery order.
// The output may be a single string, a list of strings, or an object whose
// string values are URLs.
func (c *Callback) OutputURLs() []string {
	var urls []string
	for _, s := range c.outputStrings() {
		if isURL(s) {
			urls = append(urls, s)
		}
	}
	return urls
}

// OutputText returns non-URL textual output joined together. Language models
// stream their output as a list of tokens.
func (c *Callback) OutputText() string {
	var b strings.Builder
	for _, s := range c.outputStrings() {
		if !isURL(s) {
			b.WriteString(s)
		}
	}
	return strings.TrimSpace(b.String())
}

// HasOutput reports whether the callback carries a non-null output.
func (c *Callback) HasOutput() bool {
	trimmed := strings.TrimSpace(string(c.Output))
	return trimmed != "" && trimmed != "null"
}

// ErrorText flattens the error field, which providers send as a string or an object.
func (c *Callback) ErrorText() string {
	trimmed := strings.TrimSpace(string(c.Error))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Error, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(c.Error, &obj); err == nil {
		for _, k := range []string{"message", "detail", "error"} {
			if v, ok := obj[k].(string); ok && v != "" {
				return v
			}
		}
	}
	return trimmed
}

func (c *Callback) outputStrings() []string {
	if !c.HasOutput() {
		return nil
	}
	var single string
	if err := json.Unmarshal(c.Output, &single); err == nil {
		return []string{single}
	}
	var list []any
	if err := json.Unmarshal(c.Output, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	var obj map[string]any
	if err := json.Unmarshal(c.Output, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := obj[k].(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "data:")
}

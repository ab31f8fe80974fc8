package classify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Signals is everything the rule chain looks at, extracted once per callback.
type Signals struct {
	// Identifier is the lowercased version and model strings, space separated.
	Identifier string
	// OutputKind is the media kind of the first output, MediaNone when absent.
	OutputKind models.MediaKind
	Input      map[string]any

	OwnerUserID string
	BatchID     string
	InternalID  *uuid.UUID
	NumOutputs  int
}

var ownerKeys = []string{"user_id", "owner_user_id", "userId"}
var batchKeys = []string{"batch_id", "batchId"}
var internalKeys = []string{"internal_id", "job_id", "jobId"}
var countKeys = []string{"num_outputs", "num_images", "number_of_images", "batch_size", "n"}

// Extract builds Signals from a callback. Correlation fields are read from the
// metadata envelope first and then from the echoed input.
func Extract(cb *models.Callback) *Signals {
	s := &Signals{
		Identifier: strings.ToLower(strings.TrimSpace(cb.Version + " " + cb.Model)),
		Input:      cb.Input,
	}
	if s.Input == nil {
		s.Input = map[string]any{}
	}

	if urls := cb.OutputURLs(); len(urls) > 0 {
		s.OutputKind = models.MediaKindOf(urls[0])
	} else if cb.OutputText() != "" {
		s.OutputKind = models.MediaText
	}

	sources := []map[string]any{cb.Metadata, s.Input}
	s.OwnerUserID = firstString(sources, ownerKeys)
	s.BatchID = firstString(sources, batchKeys)
	if raw := firstString(sources, internalKeys); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			s.InternalID = &id
		}
	}
	for _, k := range countKeys {
		if n, ok := asInt(s.Input[k]); ok && n > 0 {
			s.NumOutputs = n
			break
		}
	}
	return s
}

// Has reports whether the echoed input carries a non-empty value for key.
func (s *Signals) Has(key string) bool {
	v, ok := s.Input[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	}
	return true
}

func firstString(sources []map[string]any, keys []string) string {
	for _, src := range sources {
		for _, k := range keys {
			v, ok := src[k]
			if !ok || v == nil {
				continue
			}
			if str := strings.TrimSpace(fmt.Sprint(v)); str != "" {
				return str
			}
		}
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

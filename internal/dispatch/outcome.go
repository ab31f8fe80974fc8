package dispatch

import (
	"github.com/google/uuid"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Outcome names what the dispatcher did with one callback. It is reported back
// to the provider in the response body and counted in webhook_outcomes_total.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeAccepted      Outcome = "accepted"
	OutcomeChained       Outcome = "chained"
	OutcomePartial       Outcome = "partial"
	OutcomeFailed        Outcome = "failed"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeInFlight      Outcome = "in_flight"
	OutcomeDiscarded     Outcome = "discarded"
	OutcomeUnclassified  Outcome = "unclassified"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeInternalError Outcome = "internal_error"
)

// Result summarizes the handling of one callback.
type Result struct {
	Outcome  Outcome         `json:"outcome"`
	ToolKind models.ToolKind `json:"tool_kind,omitempty"`
	JobID    *uuid.UUID      `json:"job_id,omitempty"`
	Rule     string          `json:"rule,omitempty"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to a user's channel.
const (
	EventJobProcessing  = "job.processing"
	EventJobChained     = "job.chained"
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventBatchCompleted = "batch.completed"
)

// Event is the real-time notification sent when a job changes state.
type Event struct {
	Type      string    `json:"type"`
	JobID     uuid.UUID `json:"job_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Status    JobStatus `json:"status"`
	ToolKind  ToolKind  `json:"tool_kind"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an Event for job with the current time.
func NewEvent(eventType string, job *Job) Event {
	ev := Event{
		Type:      eventType,
		JobID:     job.ID,
		Status:    job.Status,
		ToolKind:  job.ToolKind,
		Timestamp: time.Now().UTC(),
	}
	if job.BatchID != nil {
		ev.BatchID = *job.BatchID
	}
	return ev
}

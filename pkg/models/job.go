// Package models contains shared data models used across the service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ToolKind identifies which product tool a job belongs to.
type ToolKind string

const (
	ToolVideoGenerate  ToolKind = "video-generate"
	ToolVideoUpscale   ToolKind = "video-upscale"
	ToolVideoSwap      ToolKind = "video-swap"
	ToolLogoBatch      ToolKind = "logo-batch"
	ToolThumbnailBatch ToolKind = "thumbnail-batch"
	ToolMusic          ToolKind = "music"
	ToolVoiceOver      ToolKind = "voice-over"
	ToolFaceSwap       ToolKind = "face-swap"
	ToolScriptToVideo  ToolKind = "script-to-video"
	ToolTitleGen       ToolKind = "title-gen"
	ToolUnknown        ToolKind = "unknown"
)

// AllTools lists every supported tool, in no particular order.
var AllTools = []ToolKind{
	ToolVideoGenerate, ToolVideoUpscale, ToolVideoSwap, ToolLogoBatch, ToolThumbnailBatch,
	ToolMusic, ToolVoiceOver, ToolFaceSwap, ToolScriptToVideo, ToolTitleGen,
}

// Valid reports whether k is a known, non-unknown tool.
func (k ToolKind) Valid() bool {
	for _, t := range AllTools {
		if t == k {
			return true
		}
	}
	return false
}

// IsBatch reports whether the tool produces several independently delivered outputs.
func (k ToolKind) IsBatch() bool {
	return k == ToolLogoBatch || k == ToolThumbnailBatch
}

// JobStatus is the lifecycle state of a Job Record.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusProcessing JobStatus = "processing"
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Rank orders statuses along the forward progression. Terminal states share the top rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusSubmitted:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusAccepted:
		return 3
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return 4
	default:
		return -1
	}
}

// Job is one submitted unit of work. For batch tools a single Job tracks every
// prediction that shares its BatchID.
type Job struct {
	ID              uuid.UUID      `db:"id"                json:"id"`
	BatchID         *string        `db:"batch_id"          json:"batch_id,omitempty"`
	ExternalID      *string        `db:"external_id"       json:"external_id,omitempty"`
	ToolKind        ToolKind       `db:"tool_kind"         json:"tool_kind"`
	Status          JobStatus      `db:"status"            json:"status"`
	OwnerUserID     string         `db:"owner_user_id"     json:"owner_user_id"`
	InputSnapshot   map[string]any `db:"input_snapshot"    json:"input_snapshot"`
	Output          *Result        `db:"output"            json:"output,omitempty"`
	ExpectedOutputs int            `db:"expected_outputs"  json:"expected_outputs"`
	NeedsUpscale    bool           `db:"needs_upscale"     json:"needs_upscale"`
	Progress        int            `db:"progress"          json:"progress"`
	ChainedFrom     *uuid.UUID     `db:"chained_from"      json:"chained_from,omitempty"`
	ChainsTo        *string        `db:"chains_to"         json:"chains_to,omitempty"`
	CreditCost      int            `db:"credit_cost"       json:"credit_cost"`
	CreditsReserved bool           `db:"credits_reserved"  json:"credits_reserved"`
	CreditsSettled  bool           `db:"credits_settled"   json:"credits_settled"`
	CreditsRefunded bool           `db:"credits_refunded"  json:"credits_refunded"`
	SettlementError *string        `db:"settlement_error"  json:"settlement_error,omitempty"`
	FailureReason   *string        `db:"failure_reason"    json:"failure_reason,omitempty"`
	ErrorMessage    *string        `db:"error_message"     json:"error_message,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"        json:"updated_at"`
}

// Expected returns the number of outputs needed before the job is complete.
func (j *Job) Expected() int {
	if j.ExpectedOutputs < 1 {
		return 1
	}
	return j.ExpectedOutputs
}

// MediaKind classifies an asset by its container type.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaText  MediaKind = "text"
	MediaNone  MediaKind = ""
)

// Asset is a durable copy of one provider output.
type Asset struct {
	URL             string    `json:"url"`
	SourceURL       string    `json:"source_url,omitempty"`
	Kind            MediaKind `json:"kind"`
	ContentType     string    `json:"content_type,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
}

// Result is the structured output stored on a finished (or chaining) job.
type Result struct {
	Assets          []Asset        `json:"assets,omitempty"`
	Text            string         `json:"text,omitempty"`
	VideoURL        string         `json:"video_url,omitempty"`
	FinalVideoURL   string         `json:"final_video_url,omitempty"`
	AudioURL        string         `json:"audio_url,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	UpscaleFailed   bool           `json:"upscale_failed,omitempty"`
	ProviderMetrics map[string]any `json:"provider_metrics,omitempty"`
}

// JobOutput is one relayed item of a job. Batch jobs accumulate several.
type JobOutput struct {
	JobID      uuid.UUID `db:"job_id"      json:"job_id"`
	ItemKey    string    `db:"item_key"    json:"item_key"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Asset      Asset     `db:"asset"       json:"asset"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}

// Failure reasons recorded on failed jobs.
const (
	FailureContentPolicy     = "content_policy"
	FailureTimeout           = "timeout"
	FailureResourceExhausted = "resource_exhausted"
	FailureStorage           = "storage"
	FailureProvider          = "provider"
	FailureInsufficientFunds = "insufficient_credits"
	FailureUnknown           = "unknown"
)

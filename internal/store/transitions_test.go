package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		want     bool
	}{
		{models.JobStatusQueued, models.JobStatusSubmitted, true},
		{models.JobStatusSubmitted, models.JobStatusProcessing, true},
		{models.JobStatusProcessing, models.JobStatusAccepted, true},
		{models.JobStatusAccepted, models.JobStatusSucceeded, true},
		{models.JobStatusProcessing, models.JobStatusSucceeded, true},
		{models.JobStatusSubmitted, models.JobStatusCanceled, true},
		{models.JobStatusAccepted, models.JobStatusProcessing, false},
		{models.JobStatusSucceeded, models.JobStatusProcessing, false},
		{models.JobStatusFailed, models.JobStatusSucceeded, false},
		{models.JobStatusCanceled, models.JobStatusSucceeded, false},
		{models.JobStatusProcessing, models.JobStatusSubmitted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []string{"processing", "accepted"}, Predecessors(models.JobStatusSucceeded))
	assert.ElementsMatch(t, []string{"queued", "submitted"}, Predecessors(models.JobStatusProcessing))
	assert.Empty(t, Predecessors(models.JobStatusQueued))
}

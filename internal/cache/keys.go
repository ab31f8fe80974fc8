package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// UnclassifiedKey is the Redis list holding quarantined callback bodies.
const UnclassifiedKey = "webhook:unclassified"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

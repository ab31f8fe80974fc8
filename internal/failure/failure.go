// Package failure maps provider-reported errors onto the failure taxonomy
// stored on failed jobs.
package failure

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// MaxMessageBytes bounds the verbatim provider error kept on a job.
const MaxMessageBytes = 2000

var (
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reURL        = regexp.MustCompile(`https?://\S+`)
	reNumber     = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

type rule struct {
	reason   string
	keywords []string
}

// Rules are checked in order. Content policy wins over everything because
// providers often append a generic "prediction failed" suffix.
var rules = []rule{
	{models.FailureContentPolicy, []string{
		"nsfw", "content policy", "safety", "flagged", "moderation", "inappropriate", "sensitive content",
	}},
	{models.FailureTimeout, []string{
		"timed out", "timeout", "deadline exceeded", "took too long",
	}},
	{models.FailureResourceExhausted, []string{
		"out of memory", "cuda oom", "resource exhausted", "rate limit", "quota", "too many requests", "capacity",
	}},
}

// Classify returns the failure reason for a provider error message. Unknown
// messages, including empty ones, map to FailureUnknown.
func Classify(message string) string {
	normalized := Normalize(message)
	if normalized == "" {
		return models.FailureUnknown
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(normalized, kw) {
				return r.reason
			}
		}
	}
	return models.FailureUnknown
}

// Normalize strips volatile tokens (ids, addresses, urls, numbers) and lowercases.
func Normalize(msg string) string {
	msg = reURL.ReplaceAllString(msg, "URL")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reNumber.ReplaceAllString(msg, "N")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return Truncate(msg, 500)
}

// Fingerprint groups equivalent provider errors in logs.
func Fingerprint(message string) string {
	hash := sha256.Sum256([]byte(Normalize(message)))
	return fmt.Sprintf("%x", hash[:8])
}

// Truncate shortens s to maxBytes without splitting UTF-8 runes.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

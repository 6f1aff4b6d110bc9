package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ParseRetryDelay extracts a retry duration from a 429 answer.
// It checks the standard Retry-After header first, then well-known body fields.
// Returns 0 if no retry information is found.
func ParseRetryDelay(header http.Header, body []byte) time.Duration {
	// 1. Standard header
	if retryAfter := strings.TrimSpace(header.Get("Retry-After")); retryAfter != "" {
		// Try seconds
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		// Try HTTP date
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}

	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0
	}

	// 2. Envelope field in seconds
	for _, path := range []string{"retry_after", "result.retry_after", "error.retry_after"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			switch v.Type {
			case gjson.Number:
				return time.Duration(v.Float() * float64(time.Second))
			case gjson.String:
				if d, err := time.ParseDuration(v.String()); err == nil {
					return d
				}
				if secs, err := strconv.ParseFloat(v.String(), 64); err == nil {
					return time.Duration(secs * float64(time.Second))
				}
			}
		}
	}

	// 3. Structured details, e.g. {"error":{"details":[{"retryDelay":"3.5s"}]}}
	for _, d := range gjson.GetBytes(body, "error.details.#.retryDelay").Array() {
		if parsed, err := time.ParseDuration(d.String()); err == nil {
			return parsed
		}
	}
	return 0
}

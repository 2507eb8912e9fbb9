package genapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPError carries the status and raw body of a non-2xx response, plus the
// server's Retry-After hint when it sent one.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("genapi http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// StatusCode extracts the HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsRateLimited reports whether the error is an HTTP 429.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// RetryAfterHint extracts the server's Retry-After delay from an error chain,
// or 0 when none was given.
func RetryAfterHint(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

// ErrorMessage pulls the server-provided {"error": "..."} message out of an
// HTTP error body, falling back to a generic status line. Never returns raw
// JSON to the caller.
func ErrorMessage(err error) string {
	var he *HTTPError
	if !errors.As(err, &he) {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if jErr := json.Unmarshal([]byte(he.Body), &body); jErr == nil {
		if msg := strings.TrimSpace(body.Error); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("generation service returned status %d", he.StatusCode)
}

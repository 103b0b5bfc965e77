package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrorKind classifies a failed attempt for the rotate/retry/fallback decision.
type ErrorKind int

const (
	// KindFatal cannot be fixed by retrying this family; try the next one.
	KindFatal ErrorKind = iota
	// KindRateLimited is a 429 or a quota-exhaustion body; rotate or back off.
	KindRateLimited
	// KindTransient is a network fault or timeout; retry the same credential.
	KindTransient
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// APIError is a failed HTTP exchange with its classification.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Family     string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Family)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, 200))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the classification carried by err, KindFatal otherwise.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindFatal
}

var creditsExceeded = regexp.MustCompile(`exceeded.*credits`)

// isQuotaExhausted matches the phrases providers use for spent quota, in
// any status code.
func isQuotaExhausted(body string) bool {
	lower := strings.ToLower(body)
	return creditsExceeded.MatchString(lower) ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "insufficient credits")
}

// classifyStatus determines the error kind of a non-2xx response.
func classifyStatus(statusCode int, body string) ErrorKind {
	if statusCode == 429 || (statusCode >= 400 && statusCode < 500 && isQuotaExhausted(body)) {
		return KindRateLimited
	}
	return KindFatal
}

// classifyPayloadError classifies an error object embedded in a 2xx body or
// SSE frame. Generated text is never inspected.
func classifyPayloadError(message string) ErrorKind {
	if isQuotaExhausted(message) {
		return KindRateLimited
	}
	return KindFatal
}

// classifyTransport classifies an error raised while sending the request or
// reading the response. parent is the caller's context: its cancellation is
// never retried, while a per-call deadline is a transient timeout.
func classifyTransport(parent context.Context, err error, midStream bool) ErrorKind {
	if parent.Err() != nil {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	if midStream {
		return KindTransient
	}
	return KindFatal
}

// Attempt records how one family was used during a logical call.
type Attempt struct {
	Family          string `json:"family"`
	CredentialIndex int    `json:"credential_index"`
	Retries         int    `json:"retries"`
	Rotations       int    `json:"rotations"`
	Err             string `json:"error,omitempty"`
}

// ExhaustedError is the terminal error of a call after every family in the
// chain has been tried.
type ExhaustedError struct {
	Task  TaskCategory
	Tried []Attempt
	Last  error
}

func (e *ExhaustedError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("no model family available for task %s", e.Task)
	}
	parts := make([]string, 0, len(e.Tried))
	for _, a := range e.Tried {
		parts = append(parts, fmt.Sprintf("%s[credential %d, %d retries, %d rotations]",
			a.Family, a.CredentialIndex, a.Retries, a.Rotations))
	}
	msg := fmt.Sprintf("all model families exhausted for task %s: %s", e.Task, strings.Join(parts, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

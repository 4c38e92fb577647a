package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrUnknownModel indicates no registered provider can serve the model.
	ErrUnknownModel = errors.New("unknown model")

	// ErrStreamTruncated is reported when an upstream stream ends before its
	// finish signal.
	ErrStreamTruncated = errors.New("stream ended before completion")
)

// ValidationError is a malformed canonical request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UnsupportedContentError is canonical content a provider or model cannot
// represent, such as an image sent to a text-only model.
type UnsupportedContentError struct {
	Provider string
	Model    string
	Reason   string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("%s model %q: %s", e.Provider, e.Model, e.Reason)
}

// UpstreamError is a non-2xx reply or transport failure from a backend.
// Status is what the gateway relays to its caller.
type UpstreamError struct {
	Provider   string
	Status     int
	Body       []byte
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm: %s upstream %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("llm: %s upstream %d: %s", e.Provider, e.Status, truncate(string(e.Body), 200))
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusCode never returns 0; transport failures map to 502.
func (e *UpstreamError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusBadGateway
	}
	return e.Status
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/auth"
	"llm-edge-gateway/internal/llm"
	"llm-edge-gateway/internal/ratelimit"
	"llm-edge-gateway/pkg/logging/logging"
)

// RateLimitError is an admission denial.
type RateLimitError struct {
	ResetIn int
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// NotFoundError is an unmatched route.
type NotFoundError struct{}

func (NotFoundError) Error() string { return "not found" }

type errorBody struct {
	Error   string `json:"error"`
	ResetIn *int   `json:"reset_in,omitempty"`
}

// WriteJSON sends v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads one JSON document from the body. Anything but an
// oversize body comes back as a ValidationError.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return &llm.ValidationError{Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// WriteError maps err onto the gateway's error responses. Upstream failures
// keep the backend's status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())

	var (
		authErr   *auth.Error
		rlErr     *RateLimitError
		valErr    *llm.ValidationError
		unsupErr  *llm.UnsupportedContentError
		upErr     *llm.UpstreamError
		notFound  NotFoundError
		maxBytes  *http.MaxBytesError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &authErr):
		WriteJSON(w, http.StatusUnauthorized, errorBody{Error: authErr.Message})

	case errors.As(err, &rlErr):
		reset := rlErr.ResetIn
		w.Header().Set("Retry-After", strconv.Itoa(reset))
		WriteJSON(w, http.StatusTooManyRequests, errorBody{Error: rlErr.Error(), ResetIn: &reset})

	case errors.As(err, &valErr):
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: valErr.Message})

	case errors.As(err, &unsupErr):
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: unsupErr.Error()})

	case errors.As(err, &maxBytes):
		WriteJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})

	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})

	case errors.Is(err, llm.ErrUnknownModel):
		WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})

	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		logger.Info("request cancelled by client")
		w.WriteHeader(499)

	case errors.As(err, &upErr):
		writeUpstreamError(w, upErr)
		logger.Warn("upstream error relayed",
			zap.String("provider", upErr.Provider),
			zap.Int("status", upErr.StatusCode()),
			zap.Error(err),
		)

	case errors.As(err, &notFound):
		WriteJSON(w, http.StatusNotFound, errorBody{Error: "not found"})

	case errors.Is(err, ratelimit.ErrClosed):
		WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting down"})

	default:
		logger.Error("internal error", zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// writeUpstreamError relays the backend status. A JSON body is passed through
// untouched; anything else is wrapped. Only Retry-After crosses over from the
// upstream headers.
func writeUpstreamError(w http.ResponseWriter, e *llm.UpstreamError) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
	}
	status := e.StatusCode()
	if len(e.Body) > 0 && json.Valid(e.Body) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(e.Body)
		return
	}

	msg := http.StatusText(status)
	if len(e.Body) > 0 {
		msg = string(e.Body)
		if len(msg) > 1024 {
			msg = msg[:1024]
		}
	} else if e.Err != nil {
		msg = "upstream request failed"
		if status == http.StatusGatewayTimeout {
			msg = "upstream request timed out"
		}
	}
	WriteJSON(w, status, errorBody{Error: msg})
}

// NotFound answers unmatched routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, NotFoundError{})
}

// MethodNotAllowed keeps the JSON error shape for known paths.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
}

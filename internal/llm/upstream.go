package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/metrics"
)

const maxErrorBody = 1 << 20

// base holds what every provider variant shares: config, HTTP client, logger.
type base struct {
	cfg    ProviderConfig
	client *http.Client
	logger *zap.Logger
}

func (b *base) Name() string {
	return b.cfg.Name
}

// supportsImages reports whether model accepts image input. A configured
// Vision flag wins over the built-in guess. Vision variants of a text-only
// family ("gemini-pro-vision") share its prefix, so they are matched first.
func (b *base) supportsImages(model string, textOnlyPrefixes ...string) bool {
	if m, ok := b.cfg.model(model); ok && m.Vision != nil {
		return *m.Vision
	}
	if strings.Contains(model, "-vision") {
		return true
	}
	for _, p := range textOnlyPrefixes {
		if strings.HasPrefix(model, p) {
			return false
		}
	}
	return true
}

func (b *base) maxTokens(model string, requested *int) int {
	if requested != nil {
		return *requested
	}
	if m, ok := b.cfg.model(model); ok && m.MaxTokens > 0 {
		return m.MaxTokens
	}
	return b.cfg.DefaultMaxTokens
}

func (b *base) displayName(id, fallback string) (string, int) {
	if m, ok := b.cfg.model(id); ok {
		name := m.DisplayName
		if name == "" {
			name = fallback
		}
		return name, m.MaxTokens
	}
	return fallback, 0
}

// listModels runs the backend listing and appends configured models and
// aliases it does not report. When the listing fails and a catalog is
// configured, the catalog is served on its own.
func (b *base) listModels(ctx context.Context, fetch func(context.Context) ([]ModelDescriptor, error)) ([]ModelDescriptor, error) {
	listed, err := fetch(ctx)
	if err != nil {
		if len(b.cfg.Models) == 0 && len(b.cfg.Aliases) == 0 {
			return nil, err
		}
		b.logger.Warn("model listing failed, serving configured models", zap.Error(err))
		listed = nil
	}

	seen := make(map[string]bool, len(listed))
	for _, m := range listed {
		seen[m.ID] = true
	}
	out := listed
	for _, m := range b.cfg.Models {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, ModelDescriptor{ID: m.ID, Provider: b.cfg.Name, DisplayName: name, MaxTokens: m.MaxTokens})
	}
	for _, alias := range slices.Sorted(maps.Keys(b.cfg.Aliases)) {
		if seen[alias] {
			continue
		}
		seen[alias] = true
		target := b.cfg.Aliases[alias]
		name, maxTokens := b.displayName(target, target)
		out = append(out, ModelDescriptor{ID: alias, Provider: b.cfg.Name, DisplayName: name, MaxTokens: maxTokens})
	}
	if out == nil {
		out = []ModelDescriptor{}
	}
	return out, nil
}

// send issues one HTTP call. A 2xx response is returned open for the caller
// to consume; anything else is converted to *UpstreamError and closed.
func (b *base) send(ctx context.Context, method, url string, header http.Header, payload any) (*http.Response, error) {
	start := time.Now()

	var body io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("llm: marshal %s request: %w", b.cfg.Name, err)
		}
		// Sanity check total request size
		if len(bodyBytes) > maxRequestSize {
			return nil, &ValidationError{Message: fmt.Sprintf(
				"request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize)}
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("llm: build %s request: %w", b.cfg.Name, err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range b.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		uerr := transportError(b.cfg.Name, err)
		metrics.UpstreamRequestsTotal.WithLabelValues(b.cfg.Name, strconv.Itoa(uerr.StatusCode())).Inc()
		b.logger.Error("llm upstream request failed",
			zap.String("url", redactURL(url)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, uerr
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(b.cfg.Name, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.UpstreamLatencySeconds.WithLabelValues(b.cfg.Name).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, b.upstreamError(resp)
	}

	b.logger.Debug("llm upstream response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// readBody reads a successful response fully and closes it.
func (b *base) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(b.cfg.Name, fmt.Errorf("read response: %w", err))
	}
	return data, nil
}

// providerErrorResponse covers the OpenAI/Anthropic {"error":{...}} and the
// Gemini {"error":{"code","message","status"}} envelopes.
type providerErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (b *base) upstreamError(resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		b.logger.Warn("llm provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type+perr.Error.Status),
			zap.String("error_message", perr.Error.Message),
		)
	} else {
		b.logger.Warn("llm upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
	}

	return &UpstreamError{
		Provider:   b.cfg.Name,
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: parseRetryAfter(resp),
	}
}

// transportError classifies a failed round trip: timeouts are 504, any other
// network failure is 502. Caller cancellation keeps the context error.
func transportError(provider string, err error) *UpstreamError {
	status := http.StatusBadGateway
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = http.StatusGatewayTimeout
	}
	return &UpstreamError{Provider: provider, Status: status, Err: err}
}

// parseRetryAfter extracts the delay from a Retry-After header so it can be
// relayed to the caller. Returns 0 if header is missing or invalid.
//
// Retry-After can be:
// - Number of seconds: "120"
// - HTTP date: "Wed, 21 Oct 2015 07:28:00 GMT"
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}

	return 0
}

// redactURL drops the query string, which may carry an API key.
func redactURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

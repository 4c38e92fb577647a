package llm

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
)

type trackedBody struct {
	io.Reader
	closed atomic.Int32
}

func (b *trackedBody) Close() error {
	b.closed.Add(1)
	return nil
}

func openAIChunk(text string) string {
	return `data: {"choices":[{"index":0,"delta":{"content":"` + text + `"}}]}` + "\n\n"
}

func TestStreamSkipsMalformedEvent(t *testing.T) {
	t.Parallel()

	raw := openAIChunk("a") + openAIChunk("b") +
		"data: {not json\n\n" +
		openAIChunk("c") + openAIChunk("d") +
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		"data: [DONE]\n\n"

	body := &trackedBody{Reader: strings.NewReader(raw)}
	s := newStream("openai", body, nil, &openAIDialect{}, zaptest.NewLogger(t))

	var fragments []string
	var last Delta
	for s.Next() {
		d := s.Delta()
		if !d.Terminal {
			fragments = append(fragments, d.Text)
		}
		last = d
	}
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(fragments, "") != "abcd" || len(fragments) != 4 {
		t.Fatalf("expected 4 fragments abcd, got %q", fragments)
	}
	if !last.Terminal || last.FinishReason != "stop" {
		t.Fatalf("expected terminal stop delta, got %+v", last)
	}
	if body.closed.Load() != 1 {
		t.Fatalf("body should be closed once after the terminal delta, got %d", body.closed.Load())
	}
}

func TestStreamTruncatedWithoutFinishSignal(t *testing.T) {
	t.Parallel()

	raw := "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n"
	s := newStream("anthropic", io.NopCloser(strings.NewReader(raw)), nil, &anthropicDialect{provider: "anthropic"}, zaptest.NewLogger(t))

	text, finish, err := collect(t, s)
	if text != "Hi" || finish != "" {
		t.Fatalf("unexpected partial result %q/%q", text, finish)
	}
	if !errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("expected ErrStreamTruncated, got %v", err)
	}
}

func TestStreamOpenAIEOFAfterFinishReason(t *testing.T) {
	t.Parallel()

	raw := openAIChunk("ok") + `data: {"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}` + "\n\n"
	s := newStream("openai", io.NopCloser(strings.NewReader(raw)), nil, &openAIDialect{}, zaptest.NewLogger(t))

	text, finish, err := collect(t, s)
	if err != nil || text != "ok" || finish != "length" {
		t.Fatalf("got %q/%q/%v", text, finish, err)
	}
}

func TestStreamReadErrorIsUpstreamError(t *testing.T) {
	t.Parallel()

	r := io.MultiReader(strings.NewReader(openAIChunk("x")), errReader{})
	s := newStream("openai", io.NopCloser(r), nil, &openAIDialect{}, zaptest.NewLogger(t))

	_, _, err := collect(t, s)
	var uerr *UpstreamError
	if !errors.As(err, &uerr) || uerr.StatusCode() != 502 {
		t.Fatalf("expected 502 UpstreamError, got %v", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestStreamCloseCancelsAndClosesBody(t *testing.T) {
	t.Parallel()

	var cancelled atomic.Int32
	body := &trackedBody{Reader: strings.NewReader(openAIChunk("x"))}
	s := newStream("openai", body, func() { cancelled.Add(1) }, &openAIDialect{}, zaptest.NewLogger(t))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = s.Close()
	if cancelled.Load() != 1 || body.closed.Load() != 1 {
		t.Fatalf("expected one cancel and one close, got %d/%d", cancelled.Load(), body.closed.Load())
	}
}

func TestStreamIgnoresInputAfterTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		dialect dialect
		raw     string
		text    string
		finish  string
	}{
		{
			name:    "openai after [DONE]",
			dialect: &openAIDialect{},
			raw: openAIChunk("kept") +
				`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
				"data: [DONE]\n\n" +
				openAIChunk("dropped") +
				"data: [DONE]\n\n",
			text:   "kept",
			finish: "stop",
		},
		{
			name:    "anthropic after message_stop",
			dialect: &anthropicDialect{provider: "anthropic"},
			raw: "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"kept\"}}\n\n" +
				"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
				"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"dropped\"}}\n\n" +
				"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
			text:   "kept",
			finish: "stop",
		},
		{
			name:    "gemini after finishReason",
			dialect: &geminiDialect{},
			raw: "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"kept\"}]},\"finishReason\":\"MAX_TOKENS\"}]}\n\n" +
				"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"dropped\"}]},\"finishReason\":\"STOP\"}]}\n\n",
			text:   "kept",
			finish: "length",
		},
	}

	for _, tc := range cases {
		body := &trackedBody{Reader: strings.NewReader(tc.raw)}
		s := newStream("test", body, nil, tc.dialect, zaptest.NewLogger(t))

		text, finish, err := collect(t, s)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if text != tc.text || finish != tc.finish {
			t.Fatalf("%s: got %q/%q, want %q/%q", tc.name, text, finish, tc.text, tc.finish)
		}
		if s.Next() {
			t.Fatalf("%s: Next should stay false after the terminal delta", tc.name)
		}
		if body.closed.Load() != 1 {
			t.Fatalf("%s: upstream body should be released at the terminal delta", tc.name)
		}
	}
}

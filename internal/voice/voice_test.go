package voice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"llm-edge-gateway/internal/llm"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "dg-key", MaxAudioBytes: 1024}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token dg-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "audio/wav" {
			t.Errorf("unexpected content type %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "RIFFdata" {
			t.Errorf("audio not forwarded verbatim: %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"hello world","confidence":0.98}]}]}}`))
	})

	tr, err := c.Transcribe(context.Background(), []byte("RIFFdata"), "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Fatalf("unexpected transcript %q", tr.Text)
	}
}

func TestTranscribeRejectsBadInput(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("backend must not be called")
	})

	cases := []struct {
		name  string
		audio []byte
		ct    string
	}{
		{"empty", nil, "audio/wav"},
		{"too large", make([]byte, 2048), "audio/wav"},
		{"not audio", []byte("x"), "text/plain"},
	}
	for _, tc := range cases {
		_, err := c.Transcribe(context.Background(), tc.audio, tc.ct)
		var verr *llm.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestTranscribeErrorPayloadIsError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"err_code":"Bad Request","err_msg":"corrupt audio"}`))
	})

	_, err := c.Transcribe(context.Background(), []byte("x"), "audio/webm")
	var uerr *llm.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if uerr.StatusCode() != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", uerr.StatusCode())
	}
}

func TestTranscribeUpstreamStatusPassthrough(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, `{"err_msg":"slow down"}`, http.StatusTooManyRequests)
	})

	_, err := c.Transcribe(context.Background(), []byte("x"), "audio/mpeg")
	var uerr *llm.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if uerr.Status != http.StatusTooManyRequests || uerr.RetryAfter.Seconds() != 7 {
		t.Fatalf("unexpected error %+v", uerr)
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/speak" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("model"); got != "aura-luna-en" {
			t.Errorf("unexpected voice %q", got)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	})

	audio, err := c.Synthesize(context.Background(), "hi there", "aura-luna-en")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "ID3audio" || audio.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected audio %+v", audio)
	}

	if _, err := c.Synthesize(context.Background(), "  ", ""); err == nil {
		t.Fatalf("expected validation error for blank text")
	}
}

func TestSupportedAudioType(t *testing.T) {
	t.Parallel()

	for ct, want := range map[string]bool{
		"audio/wav":                true,
		"audio/webm;codecs=opus":   true,
		"video/webm":               true,
		"application/octet-stream": true,
		"application/json":         false,
		"":                         false,
	} {
		if got := SupportedAudioType(ct); got != want {
			t.Fatalf("SupportedAudioType(%q) = %v, want %v", ct, got, want)
		}
	}
}

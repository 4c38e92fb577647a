// Package voice wraps the speech backend used by the audio routes:
// speech-to-text (/v1/listen) and text-to-speech (/v1/speak).
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/llm"
	"llm-edge-gateway/internal/metrics"
)

const providerName = "deepgram"

// ErrEmptyTranscript is returned when the backend answered 200 but produced
// no transcript.
var ErrEmptyTranscript = errors.New("voice: no transcript in response")

type Config struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"-"`
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	DefaultVoice string `yaml:"default_voice"`
	// MaxAudioBytes bounds uploads (default: 25MB).
	MaxAudioBytes int64         `yaml:"max_audio_bytes"`
	Timeout       time.Duration `yaml:"timeout"`

	HTTPClient *http.Client `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.deepgram.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = "aura-asteria-en"
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = 25 << 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, errors.New("voice: API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, client: httpClient, logger: logger.Named("voice")}, nil
}

// MaxAudioBytes is the upload limit callers should enforce while reading.
func (c *Client) MaxAudioBytes() int64 {
	return c.cfg.MaxAudioBytes
}

// SupportedAudioType reports whether contentType names an audio payload we
// forward: any audio/* type, webm/ogg containers, or raw octet streams.
func SupportedAudioType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "audio/"):
		return true
	case mt == "video/webm", mt == "video/ogg", mt == "application/octet-stream":
		return true
	}
	return false
}

type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type listenResponse struct {
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// Transcribe sends audio to speech-to-text. Every failure is an error,
// including a 200 reply that carries an error payload or no results.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, &llm.ValidationError{Message: "audio body is empty"}
	}
	if int64(len(audio)) > c.cfg.MaxAudioBytes {
		return Transcript{}, &llm.ValidationError{Message: fmt.Sprintf(
			"audio too large (%d bytes, max %d)", len(audio), c.cfg.MaxAudioBytes)}
	}
	if !SupportedAudioType(contentType) {
		return Transcript{}, &llm.ValidationError{Message: fmt.Sprintf("unsupported audio content type %q", contentType)}
	}

	q := url.Values{}
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("smart_format", "true")

	resp, err := c.do(ctx, c.cfg.BaseURL+"/v1/listen?"+q.Encode(), contentType, bytes.NewReader(audio))
	if err != nil {
		return Transcript{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcript{}, &llm.UpstreamError{Provider: providerName, Status: http.StatusBadGateway, Err: err}
	}

	var lr listenResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return Transcript{}, &llm.UpstreamError{Provider: providerName, Status: http.StatusBadGateway,
			Err: fmt.Errorf("decode transcription: %w", err)}
	}
	if lr.ErrCode != "" || lr.ErrMsg != "" {
		return Transcript{}, &llm.UpstreamError{Provider: providerName, Status: http.StatusBadGateway, Body: body}
	}
	if lr.Results == nil || len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return Transcript{}, &llm.UpstreamError{Provider: providerName, Status: http.StatusBadGateway, Err: ErrEmptyTranscript}
	}

	alt := lr.Results.Channels[0].Alternatives[0]
	return Transcript{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}

// Audio is synthesized speech.
type Audio struct {
	Data        []byte
	ContentType string
}

// Synthesize turns text into speech with voice, or the configured default.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, &llm.ValidationError{Message: "text is required"}
	}
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Audio{}, err
	}

	q := url.Values{}
	q.Set("model", voice)
	resp, err := c.do(ctx, c.cfg.BaseURL+"/v1/speak?"+q.Encode(), "application/json", bytes.NewReader(payload))
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, &llm.UpstreamError{Provider: providerName, Status: http.StatusBadGateway, Err: err}
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return Audio{Data: data, ContentType: ct}, nil
}

func (c *Client) do(ctx context.Context, endpoint, contentType string, body io.Reader) (*http.Response, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("voice: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(providerName, "0").Inc()
		c.logger.Error("voice upstream request failed", zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return nil, &llm.UpstreamError{Provider: providerName, Status: status, Err: err}
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(providerName, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.UpstreamLatencySeconds.WithLabelValues(providerName).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		c.logger.Warn("voice upstream error",
			zap.Int("status", resp.StatusCode),
			zap.Int("body_bytes", len(data)),
		)
		var retryAfter time.Duration
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			retryAfter = time.Duration(s) * time.Second
		}
		return nil, &llm.UpstreamError{Provider: providerName, Status: resp.StatusCode, Body: data, RetryAfter: retryAfter}
	}
	return resp, nil
}

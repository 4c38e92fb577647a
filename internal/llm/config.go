package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Kind tags one of the fixed provider variants.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
)

// ModelConfig describes a model exposed through a provider.
type ModelConfig struct {
	ID          string
	DisplayName string
	MaxTokens   int
	// Vision overrides the built-in image support guess for this model.
	Vision *bool
}

type ProviderConfig struct {
	//required fields
	Kind    Kind
	BaseURL string
	APIKey  string

	// Name defaults to the kind.
	Name       string
	APIVersion string // anthropic-version header (default: 2023-06-01)
	Headers    map[string]string
	Models     []ModelConfig
	Aliases    map[string]string

	DefaultMaxTokens int // used when a request omits max_tokens and the backend requires it (default: 4096)

	// Optional connection pool settings
	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks required fields only.
func (c *ProviderConfig) Validate() error {
	switch c.Kind {
	case KindOpenAI, KindAnthropic, KindGemini:
	default:
		return fmt.Errorf("unknown provider kind %q", c.Kind)
	}
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if c.APIKey == "" {
		return errors.New("APIKey is required")
	}
	for _, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return errors.New("model id must not be empty")
		}
	}
	return nil
}

// WithDefaults returns a copy of ProviderConfig with sane defaults applied.
func (c *ProviderConfig) WithDefaults() ProviderConfig {
	cfg := *c

	// Normalize BaseURL: trim trailing slashes so we can safely append paths.
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}
	if cfg.APIVersion == "" && cfg.Kind == KindAnthropic {
		cfg.APIVersion = "2023-06-01"
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	return cfg
}

// model returns the configured entry for id, if any.
func (c *ProviderConfig) model(id string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// NewProvider builds the adapter for cfg.Kind.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	// Apply defaults + normalize BaseURL
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s provider config: %w", cfg.Name, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-level timeout: streams stay open until the backend finishes
		// or the caller's context is cancelled.
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	b := base{
		cfg:    cfg,
		client: httpClient,
		logger: logger.Named("llm").With(zap.String("provider", cfg.Name)),
	}

	switch cfg.Kind {
	case KindOpenAI:
		return &OpenAI{base: b}, nil
	case KindAnthropic:
		return &Anthropic{base: b}, nil
	default:
		return &Gemini{base: b}, nil
	}
}

// defaultTransport creates a production-ready HTTP transport
// with connection pooling and reasonable timeouts.
func defaultTransport(cfg ProviderConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

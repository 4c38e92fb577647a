// Package config loads gateway settings: defaults, then an optional YAML
// file named by GATEWAY_CONFIG, then environment overrides for secrets and
// deployment knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"llm-edge-gateway/internal/cache"
	"llm-edge-gateway/internal/llm"
	"llm-edge-gateway/internal/ratelimit"
	"llm-edge-gateway/internal/voice"
)

type Config struct {
	Server     ServerConfig                              `yaml:"server"`
	Providers  []ProviderConfig                          `yaml:"providers"`
	RateLimits map[ratelimit.RouteClass]ratelimit.Policy `yaml:"rate_limits"`
	RateLimit  RateLimitConfig                           `yaml:"rate_limit"`
	Auth       AuthConfig                                `yaml:"auth"`
	Cache      cache.Config                              `yaml:"cache"`
	Redis      RedisConfig                               `yaml:"redis"`
	Voice      voice.Config                              `yaml:"voice"`
	CORS       CORSConfig                                `yaml:"cors"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AuxTimeout      time.Duration `yaml:"aux_timeout"` // non-streaming routes only
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// VoiceModel answers the voice query and voice chat routes.
	VoiceModel      string        `yaml:"voice_model"`
}

type ProviderConfig struct {
	Kind             llm.Kind          `yaml:"kind"`
	Name             string            `yaml:"name"`
	BaseURL          string            `yaml:"base_url"`
	APIKey           string            `yaml:"api_key"`
	APIVersion       string            `yaml:"api_version"`
	Headers          map[string]string `yaml:"headers"`
	Models           []ModelConfig     `yaml:"models"`
	Aliases          map[string]string `yaml:"aliases"`
	DefaultMaxTokens int               `yaml:"default_max_tokens"`
}

type ModelConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	MaxTokens   int    `yaml:"max_tokens"`
	Vision      *bool  `yaml:"vision"`
}

type RateLimitConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type AuthConfig struct {
	// Subscription oracle: "http", "stripe" or "" (session tokens only).
	Oracle            string        `yaml:"oracle"`
	OracleURL         string        `yaml:"oracle_url"`
	OracleKey         string        `yaml:"-"`
	StripeAPIKey      string        `yaml:"-"`
	StripeMetadataKey string        `yaml:"stripe_metadata_key"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	NegativeCacheTTL  time.Duration `yaml:"negative_cache_ttl"`
	SessionSecret     string        `yaml:"-"`
	SessionPublicKey  string        `yaml:"session_public_key"`
	SessionIssuer     string        `yaml:"session_issuer"`
	SessionAudience   string        `yaml:"session_audience"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

var defaultBaseURLs = map[llm.Kind]string{
	llm.KindOpenAI:    "https://api.openai.com",
	llm.KindAnthropic: "https://api.anthropic.com",
	llm.KindGemini:    "https://generativelanguage.googleapis.com",
}

var apiKeyEnv = map[llm.Kind]string{
	llm.KindOpenAI:    "OPENAI_API_KEY",
	llm.KindAnthropic: "ANTHROPIC_API_KEY",
	llm.KindGemini:    "GEMINI_API_KEY",
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Defaults()

	if path := getenv("GATEWAY_CONFIG"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv(getenv)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration before file and env overrides.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			MaxBodyBytes:    10 << 20,
			AuxTimeout:      60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			VoiceModel:      "gpt-4o-mini",
		},
		RateLimits: map[ratelimit.RouteClass]ratelimit.Policy{
			ratelimit.ClassChat:          {Limit: 60, Window: 60 * time.Second},
			ratelimit.ClassTTS:           {Limit: 30, Window: 60 * time.Second},
			ratelimit.ClassTranscription: {Limit: 30, Window: 60 * time.Second},
			ratelimit.ClassVoice:         {Limit: 20, Window: 60 * time.Second},
		},
		RateLimit: RateLimitConfig{
			SweepInterval: time.Minute,
			IdleTimeout:   5 * time.Minute,
		},
		Auth: AuthConfig{
			CacheTTL: 5 * time.Minute,
		},
		Cache: cache.Config{
			Backend: "memory",
			Prefix:  "llm-edge",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

func (c *Config) readFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", absPath, err)
	}

	// Route classes named in the file replace the defaults one by one.
	defaults := c.RateLimits
	c.RateLimits = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	for class, p := range defaults {
		if _, ok := c.RateLimits[class]; !ok {
			if c.RateLimits == nil {
				c.RateLimits = make(map[ratelimit.RouteClass]ratelimit.Policy)
			}
			c.RateLimits[class] = p
		}
	}
	return nil
}

// applyEnv overrides secrets and deployment knobs. A provider API key in the
// environment also enables that provider when the file does not list it.
func (c *Config) applyEnv(getenv func(string) string) {
	setString(&c.Server.Port, getenv("PORT"))
	setDuration(&c.Server.AuxTimeout, getenv("AUX_TIMEOUT"))
	setString(&c.Server.VoiceModel, getenv("VOICE_MODEL"))

	for _, kind := range []llm.Kind{llm.KindOpenAI, llm.KindAnthropic, llm.KindGemini} {
		key := getenv(apiKeyEnv[kind])
		baseURL := getenv(strings.ToUpper(string(kind)) + "_BASE_URL")
		p := c.provider(kind)
		if p == nil {
			if key == "" {
				continue
			}
			c.Providers = append(c.Providers, ProviderConfig{Kind: kind})
			p = &c.Providers[len(c.Providers)-1]
		}
		setString(&p.APIKey, key)
		setString(&p.BaseURL, baseURL)
	}

	setString(&c.Auth.Oracle, getenv("SUBSCRIPTION_ORACLE"))
	setString(&c.Auth.OracleURL, getenv("SUBSCRIPTION_ORACLE_URL"))
	setString(&c.Auth.OracleKey, getenv("SUBSCRIPTION_ORACLE_KEY"))
	setString(&c.Auth.StripeAPIKey, getenv("STRIPE_API_KEY"))
	setString(&c.Auth.SessionSecret, getenv("SESSION_JWT_SECRET"))
	setString(&c.Auth.SessionPublicKey, getenv("SESSION_JWT_PUBLIC_KEY"))
	setDuration(&c.Auth.CacheTTL, getenv("AUTH_CACHE_TTL"))
	setDuration(&c.Auth.NegativeCacheTTL, getenv("AUTH_NEGATIVE_CACHE_TTL"))

	setString(&c.Cache.Backend, getenv("CACHE_BACKEND"))
	setString(&c.Redis.Addr, getenv("REDIS_ADDR"))
	setString(&c.Redis.Password, getenv("REDIS_PASSWORD"))

	setString(&c.Voice.APIKey, getenv("DEEPGRAM_API_KEY"))
	setString(&c.Voice.BaseURL, getenv("DEEPGRAM_BASE_URL"))

	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}
	if v := getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxBodyBytes = n
		}
	}
}

func (c *Config) fillDefaults() {
	for i := range c.Providers {
		if c.Providers[i].BaseURL == "" {
			c.Providers[i].BaseURL = defaultBaseURLs[c.Providers[i].Kind]
		}
	}
	if c.Auth.Oracle == "" {
		switch {
		case c.Auth.OracleURL != "":
			c.Auth.Oracle = "http"
		case c.Auth.StripeAPIKey != "":
			c.Auth.Oracle = "stripe"
		}
	}
	c.Cache.TTL = c.Auth.CacheTTL
}

func (c *Config) provider(kind llm.Kind) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Kind == kind {
			return &c.Providers[i]
		}
	}
	return nil
}

// Validate performs sanity checks on the merged configuration.
func (c Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", c.Server.Port)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("no LLM providers configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY, or list providers in GATEWAY_CONFIG")
	}

	seen := make(map[llm.Kind]bool)
	for _, p := range c.Providers {
		if seen[p.Kind] {
			return fmt.Errorf("provider %s configured twice", p.Kind)
		}
		seen[p.Kind] = true
		lp := p.LLM()
		if err := lp.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", p.Kind, err)
		}
		for alias, target := range p.Aliases {
			if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
				return fmt.Errorf("provider %s: aliases need a name and a target", p.Kind)
			}
		}
	}

	for class, p := range c.RateLimits {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", class, err)
		}
	}

	switch c.Auth.Oracle {
	case "":
	case "http":
		if c.Auth.OracleURL == "" {
			return fmt.Errorf("auth.oracle_url is required for the http oracle")
		}
	case "stripe":
		if c.Auth.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for the stripe oracle")
		}
	default:
		return fmt.Errorf("unknown auth.oracle %q", c.Auth.Oracle)
	}
	if c.Auth.Oracle == "" && c.Auth.SessionSecret == "" && c.Auth.SessionPublicKey == "" {
		return fmt.Errorf("no auth configured: set a subscription oracle or SESSION_JWT_SECRET / SESSION_JWT_PUBLIC_KEY")
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	return nil
}

// LLM converts the file/env shape into the adapter config.
func (p ProviderConfig) LLM() llm.ProviderConfig {
	models := make([]llm.ModelConfig, 0, len(p.Models))
	for _, m := range p.Models {
		models = append(models, llm.ModelConfig{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			MaxTokens:   m.MaxTokens,
			Vision:      m.Vision,
		})
	}
	return llm.ProviderConfig{
		Kind:             p.Kind,
		Name:             p.Name,
		BaseURL:          p.BaseURL,
		APIKey:           p.APIKey,
		APIVersion:       p.APIVersion,
		Headers:          p.Headers,
		Models:           models,
		Aliases:          p.Aliases,
		DefaultMaxTokens: p.DefaultMaxTokens,
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

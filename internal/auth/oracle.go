package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"llm-edge-gateway/internal/metrics"
)

// HTTPOracle asks a database RPC endpoint (PostgREST style) whether a
// subscription is active: POST {"input_user_id": token}, reply a JSON bool.
type HTTPOracle struct {
	url    string
	apiKey string
	client *http.Client
}

type HTTPOracleConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

func NewHTTPOracle(cfg HTTPOracleConfig) (*HTTPOracle, error) {
	if cfg.URL == "" {
		return nil, errors.New("subscription oracle URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPOracle{url: cfg.URL, apiKey: cfg.APIKey, client: httpClient}, nil
}

func (o *HTTPOracle) IsActive(ctx context.Context, token string) (bool, error) {
	body, err := json.Marshal(map[string]string{"input_user_id": token})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("apikey", o.apiKey)
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("subscription", "0").Inc()
		return false, fmt.Errorf("subscription request: %w", err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequestsTotal.WithLabelValues("subscription", strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, fmt.Errorf("read subscription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscription oracle returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var active bool
	if err := json.Unmarshal(data, &active); err != nil {
		return false, fmt.Errorf("decode subscription response: %w", err)
	}
	return active, nil
}

// StripeOracle treats a token as active when a Stripe subscription carrying
// it in metadata is active or trialing.
type StripeOracle struct {
	api         *client.API
	metadataKey string
}

// NewStripeOracle builds the oracle. backends may be nil for the live API.
func NewStripeOracle(apiKey, metadataKey string, backends *stripe.Backends) (*StripeOracle, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}
	if metadataKey == "" {
		metadataKey = "gateway_token"
	}

	api := &client.API{}
	api.Init(apiKey, backends)

	return &StripeOracle{api: api, metadataKey: metadataKey}, nil
}

func (o *StripeOracle) IsActive(ctx context.Context, token string) (bool, error) {
	params := &stripe.SubscriptionListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.Filters.AddFilter("status", "", "all")

	i := o.api.Subscriptions.List(params)
	for i.Next() {
		sub := i.Subscription()
		if sub.Metadata[o.metadataKey] != token {
			continue
		}
		switch sub.Status {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
			return true, nil
		}
	}
	if err := i.Err(); err != nil {
		return false, fmt.Errorf("list stripe subscriptions: %w", err)
	}
	return false, nil
}

package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/metrics"
	"llm-edge-gateway/pkg/logging/logging"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
}

func NewLoggingStore(inner Store) Store {
	return &LoggingStore{inner: inner}
}

func (c *LoggingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.AuthCacheResultsTotal.WithLabelValues(result).Inc()

	fields := append(keyFields(key),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("auth_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("auth_cache_get", fields...)
	}

	return value, ok, err
}

func (c *LoggingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := append(keyFields(key),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", latencyMs),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("auth_cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("auth_cache_set", fields...)
	}

	return err
}

// Close forwards to the wrapped store when it has one.
func (c *LoggingStore) Close() error {
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func keyFields(key string) []zap.Field {
	parts, ok := parseSubscriptionKey(key)
	if !ok {
		return []zap.Field{zap.String("cache_key", key)}
	}
	hash := parts.Hash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return []zap.Field{
		zap.String("cache_scope", parts.Scope),
		zap.String("key_hash", hash),
	}
}

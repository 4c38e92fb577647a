package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"llm-edge-gateway/internal/cache"
)

// CachedOracle is a read-through TTL cache in front of a SubscriptionOracle.
// Within one entry lifetime the oracle is asked at most once per token, also
// under concurrent misses. Oracle errors are not cached.
type CachedOracle struct {
	oracle      SubscriptionOracle
	store       cache.Store
	scope       string
	ttl         time.Duration
	negativeTTL time.Duration
	group       singleflight.Group
	logger      *zap.Logger
}

type CachedOracleConfig struct {
	// Scope namespaces keys when several oracles share one store.
	Scope string
	TTL   time.Duration
	// NegativeTTL applies to inactive results (default: TTL).
	NegativeTTL time.Duration
}

func NewCachedOracle(oracle SubscriptionOracle, store cache.Store, cfg CachedOracleConfig, logger *zap.Logger) *CachedOracle {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = cfg.TTL
	}
	if cfg.Scope == "" {
		cfg.Scope = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedOracle{
		oracle:      oracle,
		store:       store,
		scope:       cfg.Scope,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      logger.Named("auth_cache"),
	}
}

func (c *CachedOracle) IsActive(ctx context.Context, token string) (bool, error) {
	key := cache.BuildSubscriptionKey(c.scope, token).String()

	if active, ok := c.lookup(ctx, key); ok {
		return active, nil
	}

	// The flight is shared by every waiter on this token, so it must not die
	// with the caller that happened to start it.
	ch := c.group.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)

		// Another flight may have filled the entry since our miss.
		if active, ok := c.lookup(fctx, key); ok {
			return active, nil
		}

		active, err := c.oracle.IsActive(fctx, token)
		if err != nil {
			return false, err
		}

		ttl := c.ttl
		if !active {
			ttl = c.negativeTTL
		}
		if err := c.store.Set(fctx, key, encodeResult(active), ttl); err != nil {
			// The answer is still good for this request.
			c.logger.Warn("failed to cache subscription result", zap.Error(err))
		}
		return active, nil
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

// A store error counts as a miss.
func (c *CachedOracle) lookup(ctx context.Context, key string) (bool, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return false, false
	}
	return len(raw) == 1 && raw[0] == '1', true
}

func encodeResult(active bool) []byte {
	if active {
		return []byte("1")
	}
	return []byte("0")
}

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Store is a byte-valued TTL cache.
// Implemented by memory store (dev, single instance) and Redis store (prod).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SubscriptionKey addresses one cached authorization result. The token is
// only kept as a hash so raw credentials never reach Redis or the logs.
type SubscriptionKey struct {
	Scope string // which oracle produced the result
	Hash  string
}

// String converts the structured key into the final string used in Redis/map.
func (k SubscriptionKey) String() string {
	// sub:<SCOPE>:<HASH_HEX>
	return fmt.Sprintf("sub:%s:%s", k.Scope, k.Hash)
}

// BuildSubscriptionKey hashes token with SHA-256 and scopes it.
func BuildSubscriptionKey(scope, token string) SubscriptionKey {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return SubscriptionKey{
		Scope: strings.TrimSpace(scope),
		Hash:  hex.EncodeToString(sum[:]),
	}
}

// Expecting: sub:<SCOPE>:<HASH>
func parseSubscriptionKey(key string) (SubscriptionKey, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "sub" {
		return SubscriptionKey{}, false
	}
	return SubscriptionKey{Scope: parts[1], Hash: parts[2]}, true
}

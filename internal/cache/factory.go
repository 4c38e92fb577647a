package cache

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend    string        `yaml:"backend"` // memory | redis
	TTL        time.Duration `yaml:"ttl"`
	Prefix     string        `yaml:"prefix"`
	MaxEntries int           `yaml:"max_entries"` // memory only
}

// NewStore picks the backend. The memory store sweeps at the entry TTL.
func NewStore(cfg Config, redisClient *redis.Client) (Store, error) {
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("cache: redis backend requires a redis client")
		}
		return NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		}), nil
	default:
		return NewMemoryStore(MemoryOptions{SweepInterval: cfg.TTL, MaxEntries: cfg.MaxEntries}), nil
	}
}

// Package ratelimit provides sliding-window request limiters keyed by an
// arbitrary client key, usually the caller's IP address.
//
// A window remembers the time of every accepted request during the last
// Window. A request is accepted while fewer than Limit timestamps remain in
// the window; rejected requests are not recorded. Two implementations share
// this contract: [SlidingWindow] keeps state in process memory, and
// [RedisWindow] keeps it in Redis so that replicas share one budget.
package ratelimit

import (
	"context"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Default limiter settings.
const (
	DefaultLimit           = 10
	DefaultWindow          = 60 * time.Second
	DefaultShards          = 32
	DefaultMaxKeysPerShard = 4096
)

// Decision is the outcome of one limiter check.
type Decision struct {
	// Allowed reports whether the request was accepted and recorded.
	Allowed bool

	// Limit is the configured ceiling for the window.
	Limit int

	// Remaining is how many more requests the key may make right now.
	Remaining int

	// RetryAfter is the time until the oldest recorded request leaves the
	// window. Zero when Allowed is true.
	RetryAfter time.Duration
}

// Limiter is the contract the gateway's rate-limit stage depends on.
type Limiter interface {
	// Take checks key and, if allowed, records a request for it.
	Take(ctx context.Context, key string) (Decision, error)
}

// Config configures a limiter.
type Config struct {
	// Limit is the number of requests a key may make per Window.
	Limit int `json:"limit" yaml:"limit" env:"RATELIMIT_LIMIT" envDefault:"10"`

	// Window is the trailing interval requests are counted over.
	Window time.Duration `json:"window" yaml:"window" env:"RATELIMIT_WINDOW" envDefault:"60s"`

	// Shards splits in-process state so unrelated keys rarely share a lock.
	Shards int `json:"shards" yaml:"shards" env:"RATELIMIT_SHARDS" envDefault:"32"`

	// MaxKeysPerShard caps tracked keys per shard. When full, the key seen
	// least recently is forgotten.
	MaxKeysPerShard int `json:"max_keys_per_shard" yaml:"max_keys_per_shard" env:"RATELIMIT_MAX_KEYS_PER_SHARD" envDefault:"4096"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	return Config{
		Limit:           DefaultLimit,
		Window:          DefaultWindow,
		Shards:          DefaultShards,
		MaxKeysPerShard: DefaultMaxKeysPerShard,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Limit < 1 {
		return sserr.Newf(sserr.CodeInternalConfiguration, "ratelimit: limit must be at least 1, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return sserr.Newf(sserr.CodeInternalConfiguration, "ratelimit: window must be positive, got %v", c.Window)
	}
	if c.Shards < 1 {
		return sserr.Newf(sserr.CodeInternalConfiguration, "ratelimit: shards must be at least 1, got %d", c.Shards)
	}
	if c.MaxKeysPerShard < 1 {
		return sserr.Newf(sserr.CodeInternalConfiguration, "ratelimit: max keys per shard must be at least 1, got %d", c.MaxKeysPerShard)
	}
	return nil
}

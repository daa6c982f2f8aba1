package ratelimit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for limiter spans.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"

// ---------------------------------------------------------------------------
// Redis connection
// ---------------------------------------------------------------------------

// RedisConfig holds connection settings for the shared limiter store.
// URI, when set, takes precedence over Addr, DB, and Password.
type RedisConfig struct {
	URI      string `json:"uri,omitempty" yaml:"uri" env:"REDIS_URI"`
	Addr     string `json:"addr,omitempty" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"-" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`

	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE" envDefault:"25"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"REDIS_READ_TIMEOUT" envDefault:"500ms"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT" envDefault:"500ms"`
	TLSEnabled   bool          `json:"tls_enabled" yaml:"tls_enabled" env:"REDIS_TLS_ENABLED"`

	// KeyPrefix namespaces limiter keys. Defaults to "authgate:ratelimit".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"REDIS_KEY_PREFIX" envDefault:"authgate:ratelimit"`

	// FailOpen accepts requests when Redis cannot be reached. Defaults to
	// true; when false such requests are rejected as unavailable.
	FailOpen bool `json:"fail_open" yaml:"fail_open" env:"REDIS_FAIL_OPEN" envDefault:"true"`
}

// Enabled reports whether a Redis endpoint is configured.
func (c *RedisConfig) Enabled() bool {
	return c.URI != "" || c.Addr != ""
}

// Options converts the configuration into go-redis options.
func (c *RedisConfig) Options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URI != "" {
		parsed, err := redis.ParseURL(c.URI)
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "ratelimit: failed to parse redis URI")
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
		}
		if c.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	return opts, nil
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrapError(err, "ratelimit: failed to connect to redis")
	}
	return rdb, nil
}

// Cmdable is the subset of go-redis commands RedisWindow issues. Both
// *redis.Client and *redis.ClusterClient satisfy it.
type Cmdable interface {
	redis.Scripter
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ Cmdable = (*redis.Client)(nil)

// ---------------------------------------------------------------------------
// RedisWindow
// ---------------------------------------------------------------------------

// slidingWindowScript prunes, counts, and records in one atomic step. Each
// key is a sorted set of request members scored by time in milliseconds.
// It returns {allowed, remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, 0, tonumber(oldest[2]) + window - now}
`)

// RedisWindow is a sliding-window limiter whose state lives in Redis, so
// every gateway replica draws from the same per-key budget.
//
// RedisWindow is safe for concurrent use by multiple goroutines.
type RedisWindow struct {
	rdb      Cmdable
	limit    int
	window   time.Duration
	prefix   string
	failOpen bool
	clock    clockwork.Clock
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Compile-time assertion that RedisWindow implements Limiter.
var _ Limiter = (*RedisWindow)(nil)

// RedisOption configures a [RedisWindow].
type RedisOption func(*RedisWindow)

// WithRedisClock sets the clock request times are taken from.
func WithRedisClock(c clockwork.Clock) RedisOption {
	return func(rw *RedisWindow) { rw.clock = c }
}

// WithRedisLogger sets the logger. Defaults to [slog.Default].
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(rw *RedisWindow) { rw.logger = l }
}

// NewRedisWindow returns a limiter storing its windows through rdb.
func NewRedisWindow(rdb Cmdable, cfg Config, rcfg RedisConfig, opts ...RedisOption) (*RedisWindow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rdb == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "ratelimit: redis client must not be nil")
	}
	prefix := rcfg.KeyPrefix
	if prefix == "" {
		prefix = "authgate:ratelimit"
	}
	rw := &RedisWindow{
		rdb:      rdb,
		limit:    cfg.Limit,
		window:   cfg.Window,
		prefix:   prefix,
		failOpen: rcfg.FailOpen,
		clock:    clockwork.NewRealClock(),
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(rw)
	}
	return rw, nil
}

// Allow reports whether key may make another request now, recording it if
// so. Redis errors are resolved according to the fail-open setting.
func (rw *RedisWindow) Allow(ctx context.Context, key string) bool {
	d, _ := rw.Check(ctx, key)
	return d.Allowed
}

// Check is Allow with the full decision. An error is returned only when
// Redis failed and the limiter is not failing open.
func (rw *RedisWindow) Check(ctx context.Context, key string) (Decision, error) {
	ctx, span := rw.tracer.Start(ctx, "ratelimit.Allow")
	defer span.End()

	now := rw.clock.Now().UnixMilli()
	windowMS := rw.window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, rw.rdb, []string{rw.redisKey(key)},
		now, windowMS, rw.limit, member).Int64Slice()
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if rw.failOpen {
			rw.logger.WarnContext(ctx, "ratelimit: redis unavailable, failing open", "error", err)
			span.SetAttributes(attribute.Bool("ratelimit.fail_open", true))
			return Decision{Allowed: true, Limit: rw.limit, Remaining: rw.limit}, nil
		}
		return Decision{Limit: rw.limit}, wrapError(err, "ratelimit: redis window check failed")
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Limit:      rw.limit,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", d.Allowed),
		attribute.Int("ratelimit.remaining", d.Remaining),
	)
	return d, nil
}

// Take implements [Limiter].
func (rw *RedisWindow) Take(ctx context.Context, key string) (Decision, error) {
	return rw.Check(ctx, key)
}

// Remaining returns how many requests key may make now without recording
// anything.
func (rw *RedisWindow) Remaining(ctx context.Context, key string) (int, error) {
	cutoff := rw.clock.Now().UnixMilli() - rw.window.Milliseconds()
	n, err := rw.rdb.ZCount(ctx, rw.redisKey(key), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, wrapError(err, "ratelimit: redis window count failed")
	}
	return max(rw.limit-int(n), 0), nil
}

// Reset clears key's window.
func (rw *RedisWindow) Reset(ctx context.Context, key string) error {
	if err := rw.rdb.Del(ctx, rw.redisKey(key)).Err(); err != nil {
		return wrapError(err, "ratelimit: redis window reset failed")
	}
	return nil
}

func (rw *RedisWindow) redisKey(key string) string {
	return rw.prefix + ":" + key
}

// wrapError classifies a Redis error as a timeout or an unavailable
// dependency.
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
}

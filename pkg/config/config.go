// Package config loads the coordination layer's configuration from the
// environment, optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Sternrassler/fincoord/pkg/logging"
)

// MemoryURL selects the in-process store instead of Redis.
const MemoryURL = "memory://"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration.
type Config struct {
	Addr string

	LogLevel  string
	LogPretty bool

	Redis        RedisConfig
	RateLimit    RateLimitConfig
	Session      SessionConfig
	Cache        CacheConfig
	Invalidation InvalidationConfig
	Upstream     UpstreamConfig
}

// RedisConfig configures the store.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL, or MemoryURL.
	URL       string
	OpTimeout time.Duration
	KeyPrefix string
}

// RateLimitConfig is the default rule applied by the middleware.
type RateLimitConfig struct {
	Window         time.Duration
	MaxRequests    int
	BlockDuration  time.Duration
	EnableBlocking bool
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	TTL             time.Duration
	ExtendOnAccess  bool
	MaxPerPrincipal int
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	DefaultTTL  time.Duration
	VaryHeaders []string
	MaxSize     int64
}

// InvalidationConfig sizes the invalidation bus.
type InvalidationConfig struct {
	Workers   int
	QueueSize int
}

// UpstreamConfig configures fetches of external data.
type UpstreamConfig struct {
	Timeout       time.Duration
	RatePerSecond int
	Burst         int
	UserAgent     string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: string(logging.LevelInfo),
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			OpTimeout: 250 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Window:        60 * time.Second,
			MaxRequests:   100,
			BlockDuration: 5 * time.Minute,
		},
		Session: SessionConfig{
			TTL:             24 * time.Hour,
			MaxPerPrincipal: 5,
		},
		Cache: CacheConfig{
			DefaultTTL: 5 * time.Minute,
			MaxSize:    1 << 20,
		},
		Invalidation: InvalidationConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Upstream: UpstreamConfig{
			Timeout:       30 * time.Second,
			RatePerSecond: 5,
			Burst:         20,
			UserAgent:     "fincoord/1.0",
		},
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Addr != "", "ADDR must not be empty")
	_, err := logging.ParseLevel(c.LogLevel)
	check(err == nil, "LOG_LEVEL %q is not a level", c.LogLevel)

	check(c.Redis.URL != "", "REDIS_URL must not be empty")
	check(c.Redis.OpTimeout >= 0, "REDIS_OP_TIMEOUT_MS must not be negative")

	check(c.RateLimit.Window >= time.Second, "RATE_LIMIT_WINDOW_SECONDS must be at least 1")
	check(c.RateLimit.MaxRequests > 0, "RATE_LIMIT_MAX_REQUESTS must be positive")
	check(c.RateLimit.BlockDuration >= 0, "RATE_LIMIT_BLOCK_DURATION_SECONDS must not be negative")

	check(c.Session.TTL >= time.Second, "SESSION_TTL_SECONDS must be at least 1")
	check(c.Session.MaxPerPrincipal >= 0, "SESSION_MAX_PER_PRINCIPAL must not be negative")

	check(c.Cache.DefaultTTL >= time.Second, "CACHE_DEFAULT_TTL_SECONDS must be at least 1")
	check(c.Cache.MaxSize > 0, "CACHE_MAX_SIZE_BYTES must be positive")

	check(c.Invalidation.Workers > 0, "INVALIDATION_WORKERS must be positive")
	check(c.Invalidation.QueueSize > 0, "INVALIDATION_QUEUE_SIZE must be positive")

	check(c.Upstream.Timeout > 0, "UPSTREAM_TIMEOUT_MS must be positive")
	check(c.Upstream.RatePerSecond > 0, "UPSTREAM_RATE_PER_SECOND must be positive")
	check(c.Upstream.Burst > 0, "UPSTREAM_BURST must be positive")

	return errors.Join(errs...)
}

// Load reads envFiles (missing files are ignored) and then the process
// environment on top of Default. Variables already set in the environment
// win over .env files.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv applies variables from lookup on top of Default and validates
// the result.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str("ADDR", &c.Addr)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.boolean("LOG_PRETTY", &c.LogPretty)

	p.str("REDIS_URL", &c.Redis.URL)
	p.millis("REDIS_OP_TIMEOUT_MS", &c.Redis.OpTimeout)
	p.str("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)

	p.seconds("RATE_LIMIT_WINDOW_SECONDS", &c.RateLimit.Window)
	p.integer("RATE_LIMIT_MAX_REQUESTS", &c.RateLimit.MaxRequests)
	p.seconds("RATE_LIMIT_BLOCK_DURATION_SECONDS", &c.RateLimit.BlockDuration)
	p.boolean("RATE_LIMIT_ENABLE_BLOCKING", &c.RateLimit.EnableBlocking)

	p.seconds("SESSION_TTL_SECONDS", &c.Session.TTL)
	p.boolean("SESSION_EXTEND_ON_ACCESS", &c.Session.ExtendOnAccess)
	p.integer("SESSION_MAX_PER_PRINCIPAL", &c.Session.MaxPerPrincipal)

	p.seconds("CACHE_DEFAULT_TTL_SECONDS", &c.Cache.DefaultTTL)
	p.list("CACHE_VARY_HEADERS", &c.Cache.VaryHeaders)
	p.int64("CACHE_MAX_SIZE_BYTES", &c.Cache.MaxSize)

	p.integer("INVALIDATION_WORKERS", &c.Invalidation.Workers)
	p.integer("INVALIDATION_QUEUE_SIZE", &c.Invalidation.QueueSize)

	p.millis("UPSTREAM_TIMEOUT_MS", &c.Upstream.Timeout)
	p.integer("UPSTREAM_RATE_PER_SECOND", &c.Upstream.RatePerSecond)
	p.integer("UPSTREAM_BURST", &c.Upstream.Burst)
	p.str("UPSTREAM_USER_AGENT", &c.Upstream.UserAgent)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// parser collects conversion errors so that every bad variable is
// reported at once.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(name, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, v, err))
}

func (p *parser) str(name string, dst *string) {
	if v, ok := p.get(name); ok {
		*dst = v
	}
}

func (p *parser) boolean(name string, dst *bool) {
	if v, ok := p.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) integer(name string, dst *int) {
	if v, ok := p.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) int64(name string, dst *int64) {
	if v, ok := p.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) seconds(name string, dst *time.Duration) {
	var n int64
	before := len(p.errs)
	if _, ok := p.get(name); !ok {
		return
	}
	p.int64(name, &n)
	if len(p.errs) == before {
		*dst = time.Duration(n) * time.Second
	}
}

func (p *parser) millis(name string, dst *time.Duration) {
	var n int64
	before := len(p.errs)
	if _, ok := p.get(name); !ok {
		return
	}
	p.int64(name, &n)
	if len(p.errs) == before {
		*dst = time.Duration(n) * time.Millisecond
	}
}

func (p *parser) list(name string, dst *[]string) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

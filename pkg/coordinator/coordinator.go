// Package coordinator wires configuration and a store into every
// coordination component and composes them into one HTTP middleware chain.
//
// Example:
//
//	cfg, _ := config.Load(".env")
//	coord, err := coordinator.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer coord.Close(context.Background())
//
//	coord.Registry.Register("user.updated", invalidation.Patterns("rc:*:/users/{userId}*"))
//	http.ListenAndServe(cfg.Addr, coord.Handler(api, coordinator.HandlerOptions{
//		Invalidations: []middleware.InvalidationRule{
//			{Pattern: "/users/:userId", EventType: "user.updated"},
//		},
//	}))
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/cache"
	"github.com/Sternrassler/fincoord/pkg/config"
	"github.com/Sternrassler/fincoord/pkg/invalidation"
	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/middleware"
	"github.com/Sternrassler/fincoord/pkg/ratelimit"
	"github.com/Sternrassler/fincoord/pkg/session"
	"github.com/Sternrassler/fincoord/pkg/store"
	"github.com/Sternrassler/fincoord/pkg/store/memstore"
	"github.com/Sternrassler/fincoord/pkg/store/redisstore"
	"github.com/Sternrassler/fincoord/pkg/upstream"
)

// Coordinator holds the wired components. Fields are safe to use directly.
type Coordinator struct {
	Config   config.Config
	Store    store.Store
	Limiter  *ratelimit.Limiter
	Sessions *session.Manager
	Cache    *cache.Manager
	Aware    *cache.Aware
	Registry *invalidation.Registry
	Bus      *invalidation.Bus
	Upstream *upstream.Client
	Metrics  *metrics.Metrics

	logger    zerolog.Logger
	component func(string) zerolog.Logger
	ownsStore bool
}

type options struct {
	store    store.Store
	registry *invalidation.Registry
	logger   *zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures New.
type Option func(*options)

// WithStore uses s instead of opening one from Config.Redis. The caller
// keeps ownership of s.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRegistry uses an existing invalidation registry.
func WithRegistry(r *invalidation.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the base logger; components add their own field.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithMetrics sets the collectors shared by every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates cfg, opens the store and builds every component.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.registry == nil {
		o.registry = invalidation.NewRegistry()
	}

	component := func(name string) zerolog.Logger {
		if o.logger != nil {
			return o.logger.With().Str("component", name).Logger()
		}
		return logging.NewLogger(name)
	}

	c := &Coordinator{
		Config:    cfg,
		Store:     o.store,
		Registry:  o.registry,
		Metrics:   o.metrics,
		logger:    component(logging.ComponentServer),
		component: component,
	}
	if c.Store == nil {
		s, err := openStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.Store = s
		c.ownsStore = true
	}

	c.Limiter = ratelimit.New(c.Store,
		ratelimit.Config{EnableBlocking: cfg.RateLimit.EnableBlocking},
		ratelimit.WithLogger(component(logging.ComponentRateLimit)),
		ratelimit.WithMetrics(o.metrics),
		ratelimit.WithClock(o.now),
	)

	sessions, err := session.New(c.Store,
		session.Config{
			TTL:                     cfg.Session.TTL,
			ExtendOnAccess:          cfg.Session.ExtendOnAccess,
			MaxSessionsPerPrincipal: cfg.Session.MaxPerPrincipal,
		},
		session.WithLogger(component(logging.ComponentSession)),
		session.WithMetrics(o.metrics),
		session.WithClock(o.now),
	)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.Sessions = sessions

	c.Cache = cache.NewManager(c.Store,
		cache.Config{DefaultTTL: cfg.Cache.DefaultTTL, MaxSize: cfg.Cache.MaxSize},
		cache.WithLogger(component(logging.ComponentCache)),
		cache.WithMetrics(o.metrics),
		cache.WithClock(o.now),
	)
	c.Aware = cache.NewAware(c.Store, cfg.Cache.DefaultTTL,
		cache.WithAwareLogger(component(logging.ComponentCache)),
		cache.WithAwareMetrics(o.metrics),
	)

	c.Bus = invalidation.NewBus(c.Cache, c.Registry,
		invalidation.Config{Workers: cfg.Invalidation.Workers, QueueSize: cfg.Invalidation.QueueSize},
		invalidation.WithLogger(component(logging.ComponentInvalidation)),
		invalidation.WithMetrics(o.metrics),
		invalidation.WithClock(o.now),
	)

	c.Upstream = upstream.New(c.Cache,
		upstream.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout}),
		upstream.WithBudget(c.Limiter, upstream.Budget{
			Capacity:        int64(cfg.Upstream.Burst),
			RefillPerSecond: float64(cfg.Upstream.RatePerSecond),
		}),
		upstream.WithUserAgent(cfg.Upstream.UserAgent),
		upstream.WithLogger(component(logging.ComponentUpstream)),
		upstream.WithMetrics(o.metrics),
	)

	c.logger.Info().
		Bool("owns_store", c.ownsStore).
		Int("rate_limit_max", cfg.RateLimit.MaxRequests).
		Dur("rate_limit_window", cfg.RateLimit.Window).
		Dur("session_ttl", cfg.Session.TTL).
		Dur("cache_ttl", cfg.Cache.DefaultTTL).
		Msg("Coordinator ready")
	return c, nil
}

func openStore(ctx context.Context, rc config.RedisConfig) (store.Store, error) {
	if rc.URL == config.MemoryURL {
		return memstore.New(), nil
	}
	if !strings.HasPrefix(rc.URL, "redis://") && !strings.HasPrefix(rc.URL, "rediss://") {
		return nil, fmt.Errorf("%w: unsupported REDIS_URL %q", config.ErrInvalid, rc.URL)
	}
	s, err := redisstore.NewFromURL(ctx, rc.URL,
		redisstore.WithPrefix(rc.KeyPrefix),
		redisstore.WithOpTimeout(rc.OpTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// HandlerOptions selects per-application behaviour of Handler.
type HandlerOptions struct {
	// RequireSession rejects requests without a valid session.
	RequireSession bool
	// RateLimitKey defaults to FirstOf(ByPrincipal, ByIP).
	RateLimitKey middleware.KeyFunc
	// SkipRateLimit exempts requests from rate limiting.
	SkipRateLimit func(*http.Request) bool
	// CacheRules restrict response caching; nil caches every GET.
	CacheRules []middleware.CacheRule
	// Invalidations publish events after successful mutations.
	Invalidations []middleware.InvalidationRule
}

// Handler wraps h in Session, RateLimit, ResponseCache and Invalidate,
// in that order.
func (c *Coordinator) Handler(h http.Handler, opts HandlerOptions) http.Handler {
	mwLogger := c.component(logging.ComponentMiddleware)

	mws := []middleware.Middleware{
		middleware.Session(c.Sessions, middleware.SessionOptions{
			Required: opts.RequireSession,
			Logger:   &mwLogger,
		}),
		middleware.RateLimit(c.Limiter, middleware.RateLimitOptions{
			Rule:    c.Rule(),
			KeyFunc: opts.RateLimitKey,
			Skip:    opts.SkipRateLimit,
			Logger:  &mwLogger,
		}),
		middleware.ResponseCache(c.Cache, middleware.CacheOptions{
			DefaultTTL:  c.Config.Cache.DefaultTTL,
			VaryHeaders: c.Config.Cache.VaryHeaders,
			Rules:       opts.CacheRules,
			Logger:      &mwLogger,
			Metrics:     c.Metrics,
		}),
	}
	if len(opts.Invalidations) > 0 {
		mws = append(mws, middleware.Invalidate(c.Bus, opts.Invalidations))
	}
	return middleware.Chain(h, mws...)
}

// Rule is the configured default rate-limit rule.
func (c *Coordinator) Rule() ratelimit.Rule {
	return ratelimit.Rule{
		Window:        c.Config.RateLimit.Window,
		MaxRequests:   c.Config.RateLimit.MaxRequests,
		BlockDuration: c.Config.RateLimit.BlockDuration,
	}
}

// Ready reports whether the store is reachable.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.Store.Ping(ctx)
}

// Close drains the invalidation bus and closes the store if New opened it.
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error
	if err := c.Bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.ownsStore {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	c.logger.Info().Msg("Coordinator closed")
	return errors.Join(errs...)
}

func (c *Coordinator) closeStore() {
	if c.ownsStore {
		_ = c.Store.Close()
	}
}

package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("invalidation bus closed")

// Invalidator evicts cache entries. *cache.Manager implements it.
type Invalidator interface {
	Delete(ctx context.Context, keys ...string) (int64, error)
	InvalidatePattern(ctx context.Context, pattern string) (int64, error)
	InvalidateTags(ctx context.Context, tags ...string) (int64, error)
}

// Config holds bus configuration.
type Config struct {
	// Workers is the number of goroutines draining the queue.
	Workers int
	// QueueSize bounds pending events; Publish drops when it is full.
	QueueSize int
	// Timeout bounds the handling of one queued event.
	Timeout time.Duration
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
		Timeout:   5 * time.Second,
	}
}

// Bus resolves events through a Registry and evicts the targets.
type Bus struct {
	target   Invalidator
	registry *Registry
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	group  errgroup.Group
	once   sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus and starts its workers. Call Close to stop them.
func NewBus(target Invalidator, registry *Registry, cfg Config, opts ...Option) *Bus {
	if target == nil {
		panic("invalidation: target cannot be nil")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	b := &Bus{
		target:   target,
		registry: registry,
		cfg:      cfg,
		logger:   logging.NewLogger(logging.ComponentInvalidation),
		now:      time.Now,
		queue:    make(chan Event, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = metrics.OrNew(b.metrics)

	for i := 0; i < cfg.Workers; i++ {
		workerID := i
		b.group.Go(func() error {
			b.worker(workerID)
			return nil
		})
	}
	return b
}

// Registry returns the registry the bus resolves against.
func (b *Bus) Registry() *Registry { return b.registry }

// Publish enqueues e for asynchronous handling and never blocks. It
// reports false when the event was dropped because the queue is full or
// the bus is closed.
func (b *Bus) Publish(e Event) bool {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.metrics.InvalidationEvents.WithLabelValues("dropped").Inc()
		b.logger.Warn().Str("event", e.Type).Msg("Invalidation event dropped (bus closed)")
		return false
	}

	select {
	case b.queue <- e:
		b.metrics.InvalidationEvents.WithLabelValues("published").Inc()
		return true
	default:
		b.metrics.InvalidationEvents.WithLabelValues("dropped").Inc()
		b.logger.Warn().
			Str("event", e.Type).
			Int("queue_size", b.cfg.QueueSize).
			Msg("Invalidation event dropped (queue full)")
		return false
	}
}

// Dispatch resolves and evicts e synchronously. It returns the number of
// entries removed; failures of individual targets are joined into the
// error after every target was attempted.
func (b *Bus) Dispatch(ctx context.Context, e Event) (int64, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	return b.handle(ctx, e)
}

func (b *Bus) handle(ctx context.Context, e Event) (int64, error) {
	targets := b.registry.Resolve(e)
	if len(targets) == 0 {
		b.metrics.InvalidationEvents.WithLabelValues("dispatched").Inc()
		b.logger.Debug().Str("event", e.Type).Msg("No invalidation targets")
		return 0, nil
	}

	var (
		keys  []string
		tags  []string
		total int64
		errs  []error
	)
	for _, t := range targets {
		switch {
		case t.Pattern != "":
			n, err := b.target.InvalidatePattern(ctx, t.Pattern)
			total += n
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t, err))
			}
		case t.Tag != "":
			tags = append(tags, t.Tag)
		default:
			keys = append(keys, t.Key)
		}
	}
	if len(tags) > 0 {
		n, err := b.target.InvalidateTags(ctx, tags...)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("tags %v: %w", tags, err))
		}
	}
	if len(keys) > 0 {
		n, err := b.target.Delete(ctx, keys...)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("keys %v: %w", keys, err))
		}
	}

	b.metrics.InvalidationKeysDeleted.Add(float64(total))
	if err := errors.Join(errs...); err != nil {
		b.metrics.InvalidationEvents.WithLabelValues("failed").Inc()
		b.logger.Error().
			Err(err).
			Str("event", e.Type).
			Int("targets", len(targets)).
			Int64("deleted", total).
			Msg("Invalidation failed")
		return total, err
	}

	b.metrics.InvalidationEvents.WithLabelValues("dispatched").Inc()
	b.logger.Debug().
		Str("event", e.Type).
		Int("targets", len(targets)).
		Int64("deleted", total).
		Msg("Invalidation dispatched")
	return total, nil
}

// worker drains the queue until it is closed.
func (b *Bus) worker(workerID int) {
	handled := 0
	for e := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
		_, _ = b.handle(ctx, e)
		cancel()
		handled++
	}
	b.logger.Debug().
		Int("worker_id", workerID).
		Int("events_handled", handled).
		Msg("Invalidation worker stopped")
}

// Close stops accepting events and waits until queued events are handled
// or ctx is done. It is safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- b.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.logger.Warn().Int("pending", len(b.queue)).Msg("Invalidation bus closed before drain completed")
		return fmt.Errorf("drain invalidation queue: %w", ctx.Err())
	}
}

// Command coordd runs the coordination layer in front of a small offers API.
//
// Usage:
//
//	coordd --redis-url redis://localhost:6379/0 --addr :8080
//	coordd --redis-url memory:// --log-level debug --log-pretty
//
// Every option can also be set through the environment or an .env file;
// flags win over both.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/Sternrassler/fincoord/pkg/config"
	"github.com/Sternrassler/fincoord/pkg/coordinator"
	"github.com/Sternrassler/fincoord/pkg/invalidation"
	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "coordd",
		Usage: "rate limiting, sessions and response caching in front of an HTTP API",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "env files to load before reading the environment",
				Value: cli.NewStringSlice(".env"),
			},
			&cli.StringFlag{Name: "addr", Usage: "listen address (ADDR)"},
			&cli.StringFlag{Name: "redis-url", Usage: "redis:// URL or memory:// (REDIS_URL)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (LOG_LEVEL)"},
			&cli.BoolFlag{Name: "log-pretty", Usage: "human-readable console logs (LOG_PRETTY)"},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "validate the configuration and exit",
				Action: checkConfig,
			},
		},
	}
}

// loadConfig reads env files and the environment, then applies flags.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cctx.StringSlice("env-file")...)
	if err != nil {
		return cfg, err
	}
	if cctx.IsSet("addr") {
		cfg.Addr = cctx.String("addr")
	}
	if cctx.IsSet("redis-url") {
		cfg.Redis.URL = cctx.String("redis-url")
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("log-pretty") {
		cfg.LogPretty = cctx.Bool("log-pretty")
	}
	return cfg, cfg.Validate()
}

func checkConfig(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "configuration ok: addr=%s store=%s window=%s max=%d\n",
		cfg.Addr, redactURL(cfg.Redis.URL), cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	return nil
}

func run(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := invalidation.NewRegistry()
	registerInvalidations(registry)

	coord, err := coordinator.New(ctx, cfg,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics.New(reg)),
		coordinator.WithRegistry(registry),
	)
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	srvLogger := logger.With().Str("component", logging.ComponentServer).Logger()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(coord, reg, srvLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		srvLogger.Info().
			Str("addr", cfg.Addr).
			Str("store", redactURL(cfg.Redis.URL)).
			Msg("Starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		_ = coord.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	srvLogger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = errors.Join(srv.Shutdown(shutdownCtx), coord.Close(shutdownCtx))
	if err != nil {
		srvLogger.Error().Err(err).Msg("Shutdown incomplete")
		return err
	}
	srvLogger.Info().Msg("Stopped")
	return nil
}

// newRouter serves the operational endpoints next to the demo API.
func newRouter(coord *coordinator.Coordinator, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	a := &api{
		coord:  coord,
		offers: newOfferStore(),
		logger: logger,
		now:    time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(coord))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", a.routes())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := coord.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "store unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "READY")
	}
}

// redactURL drops credentials from a store URL before logging it.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

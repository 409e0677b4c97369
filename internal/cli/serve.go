package cli

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"replaycore/internal/adapters/replays"
	"replaycore/internal/agent"
	"replaycore/internal/blob"
	"replaycore/internal/config"
	"replaycore/internal/core"
	"replaycore/internal/infra/persistence"
	"replaycore/internal/infra/watch"
)

const shutdownTimeout = 10 * time.Second

// listenHook observes the bound address; tests replace it.
var listenHook = func(net.Addr) {}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the replay engine over HTTP and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, closeLog := config.SetupLogger(cfg.Log.File, cfg.Level())
			defer func() { _ = closeLog() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve runs until ctx ends or SIGINT/SIGTERM arrives, then shuts down.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = a.close(context.WithoutCancel(ctx))
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("replay engine listening",
		"addr", ln.Addr().String(),
		"blob_driver", cfg.Blob.Driver,
		"stats_driver", cfg.Stats.Driver,
	)
	listenHook(ln.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
	}
	logger.Info("server stopped")
	return serveErr
}

// app holds everything serve starts and must release.
type app struct {
	log     *slog.Logger
	engine  *core.Engine
	events  *core.Broadcaster
	stats   persistence.Store
	watcher *watch.Watcher
	tracer  *core.JSONTraceTracer
	handler http.Handler
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := openBlob(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	stats, err := persistence.Open(ctx, persistence.Config{
		Driver:      persistence.Driver(cfg.Stats.Driver),
		SQLitePath:  cfg.Stats.SQLitePath,
		PostgresDSN: cfg.Stats.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		_ = stats.Close()
		return nil, err
	}
	metrics := core.MultiMetrics(core.NewExpvarMetricsRecorder(""), prom)
	tracer := core.NewJSONTracer(nil)

	events := core.NewBroadcaster()
	events.OnDrop(func() { metrics.Add(context.Background(), "notifications_dropped", 1) })

	engine, err := core.NewEngine(core.Dependencies{
		Blob:          store,
		Agent:         agent.NewBaselineAgent(agent.Options{Capacity: cfg.Agent.MemoryCapacity, Seed: cfg.Agent.Seed}),
		Stats:         stats,
		Notifier:      events,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
		PlaybackDelay: cfg.Playback.FrameDelay,
		StopTimeout:   cfg.Playback.StopTimeout,
	})
	if err != nil {
		events.Close()
		_ = stats.Close()
		return nil, err
	}
	a := &app{log: logger, engine: engine, events: events, stats: stats, tracer: tracer}

	if cfg.Watch {
		if root, ok := blob.FilesystemRoot(store); ok {
			w, err := watch.New(watch.Options{
				Dir:      root,
				Filter:   core.IsReplayKey,
				OnChange: engine.NotifyCatalogChanged,
				Logger:   logger,
			})
			if err == nil {
				err = w.Start(ctx)
			}
			if err != nil {
				_ = a.close(context.WithoutCancel(ctx))
				return nil, fmt.Errorf("watch %s: %w", root, err)
			}
			a.watcher = w
		} else {
			logger.Warn("catalog watch needs the fs blob driver", "driver", cfg.Blob.Driver)
		}
	}

	api := replays.NewHandler(engine, events, logger)
	api.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/traces", a.serveTraces)
	mux.Handle("/", api)
	a.handler = mux
	return a, nil
}

func (a *app) serveTraces(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.tracer.Entries())
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		if err := a.watcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.stats != nil {
		if err := a.stats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stats store: %w", err))
		}
	}
	return errors.Join(errs...)
}

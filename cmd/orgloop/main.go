package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpactor "github.com/orgloop/orgloop/internal/actor/http"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/engine"
	"github.com/orgloop/orgloop/internal/observability"
	"github.com/orgloop/orgloop/internal/observer"
	hooksource "github.com/orgloop/orgloop/internal/source/hook"
	webhooksource "github.com/orgloop/orgloop/internal/source/webhook"
	"github.com/orgloop/orgloop/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", envOr("ORGLOOP_CONFIG", "/etc/orgloop"), "engine config file, or a directory of yaml files to merge")
	metricsAddr := flag.String("metrics-addr", envOr("ORGLOOP_METRICS_ADDR", ":9090"), "admin listen address for /metrics and health")
	logLevel := flag.String("log-level", "", "log level (debug|info|warn|error)")
	validateOnly := flag.Bool("validate", false, "validate the config and exit")
	flag.Parse()

	logger := observability.NewLogger(observability.ComponentEngine, observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	doc, err := config.LoadPath(*configPath)
	if err != nil {
		return err
	}

	opts := engine.Options{
		Sources: builtinSources(),
		Actors:  builtinActors(),
		Loggers: connector.NewRegistry[observer.Logger]("logger"),
		Logger:  logger,
	}

	if *validateOnly {
		if err := engine.Validate(doc, opts); err != nil {
			return err
		}
		for _, id := range doc.UnusedSources() {
			logger.Warn("source is not referenced by any route", "source", id)
		}
		logger.Info("config valid", "path", *configPath)
		return nil
	}
	if err := engine.Validate(doc, opts); err != nil {
		return err
	}

	// Tracing
	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("orgloop"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	opts.Tracer = tracer

	// Metrics + health admin server
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	opts.Metrics = observability.NewMetrics(reg)

	health := observability.NewHealthServer()
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	adminServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		logger.Info("admin server starting", "addr", *metricsAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	// Hook input is only attached when a hook source is declared, so a
	// daemonized engine does not sit on stdin.
	for _, s := range doc.Sources {
		if s.Mode == "hook" {
			opts.HookInput = os.Stdin
			break
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Route and source specs are immutable after load; a change on
	// disk is surfaced but takes effect on restart.
	watchDone := make(chan struct{})
	watcher := config.NewWatcher(*configPath, logger)
	watcher.OnChange(func(*config.Document) {
		logger.Warn("config changed on disk; restart to apply", "path", *configPath)
	})
	go func() {
		if err := watcher.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	eng, err := engine.New(doc, opts)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	health.SetState(observability.StateReady)

	engineErr := make(chan error, 1)
	go func() { engineErr <- eng.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-engineErr:
		if err != nil {
			logger.Error("engine failed", "error", err)
			runErr = err
		}
	}

	health.SetState(observability.StateDraining)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), doc.Engine.DrainTimeout.Std()+15*time.Second)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	health.SetState(observability.StateStopped)

	logger.Info("shutdown complete")
	return runErr
}

func builtinSources() *connector.Registry[connector.Source] {
	reg := connector.NewRegistry[connector.Source]("source")
	must(reg.Register("webhook", webhooksource.New))
	must(reg.Register("hook", hooksource.New))
	return reg
}

func builtinActors() *connector.Registry[connector.Actor] {
	reg := connector.NewRegistry[connector.Actor]("actor")
	must(reg.Register("http", httpactor.New))
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

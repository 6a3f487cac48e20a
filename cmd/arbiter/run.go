package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/arbiterai/arbiter/internal/accounting"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/adapter/anthropicwire"
	"github.com/arbiterai/arbiter/internal/adapter/openaiwire"
	"github.com/arbiterai/arbiter/internal/app"
	"github.com/arbiterai/arbiter/internal/auth"
	"github.com/arbiterai/arbiter/internal/catalog"
	"github.com/arbiterai/arbiter/internal/cloudauth"
	"github.com/arbiterai/arbiter/internal/config"
	"github.com/arbiterai/arbiter/internal/family"
	"github.com/arbiterai/arbiter/internal/notify"
	"github.com/arbiterai/arbiter/internal/selector"
	"github.com/arbiterai/arbiter/internal/server"
	"github.com/arbiterai/arbiter/internal/storage/sqlite"
	"github.com/arbiterai/arbiter/internal/telemetry"
	"github.com/arbiterai/arbiter/internal/tokencount"
	"github.com/arbiterai/arbiter/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting arbiter", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Shared DNS cache for all upstream HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Wire adapters. Cloud credentials are optional: a missing chain just
	// leaves those variants reporting unconfigured. The client carries no
	// global timeout so streams stay open; the orchestrator bounds
	// non-streaming calls through the request context.
	upstreamClient := adapter.NewHTTPClient(dnsResolver, 0)

	var gcpTokens oauth2.TokenSource
	if ts, err := cloudauth.GCPTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform"); err == nil {
		gcpTokens = ts
		slog.Info("gcp credentials available")
	}
	var awsSigner *cloudauth.AWSSigner
	if s, err := cloudauth.NewAWSSigner(ctx, "bedrock-runtime"); err == nil {
		awsSigner = s
		slog.Info("aws credentials available")
	}

	adapters := adapter.NewRegistry()
	adapters.Register(openaiwire.New(upstreamClient, gcpTokens))
	adapters.Register(anthropicwire.New(upstreamClient))
	adapters.Register(anthropicwire.NewBedrock(upstreamClient, awsSigner))

	// Core services.
	cat := catalog.New(store, cfg.Catalog.TTL)
	sel := selector.New(cat, store)
	familyRouter := family.NewRouter(cat, adapters)

	notifier := notify.New(cfg.Notify.WebhookURL, cfg.Notify.QueueSize, nil)
	if cfg.Notify.WebhookURL != "" {
		slog.Info("error notifications enabled")
	}

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		t, shutdown, err := telemetry.InitTracer(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracer, tracingShutdown = t, shutdown
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	orchestrator := app.New(cat, sel, familyRouter, adapters, store, notifier, tracer)
	processor := accounting.NewProcessor(store, tokencount.NewCounter())

	apiKeyAuth, err := auth.New(store, store)
	if err != nil {
		return err
	}

	runner := worker.NewRunner(
		notifier,
		worker.NewAccountingWorker(processor, cfg.Accounting.Interval, cfg.Accounting.BatchSize, cfg.Accounting.TimeLimit),
	)

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Orchestrator:   orchestrator,
		Processor:      processor,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		WebhookSecret:  cfg.Webhook.Secret,
		DefaultRatio:   cfg.Selector.DefaultRatio,
		DefaultWindow:  cfg.Selector.MetricsWindow,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("arbiter ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("arbiter stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/preview/internal/archive"
	"github.com/splax/localvercel/preview/internal/classify"
	"github.com/splax/localvercel/preview/internal/docker"
	httpx "github.com/splax/localvercel/preview/internal/http"
	"github.com/splax/localvercel/preview/internal/observability"
	"github.com/splax/localvercel/preview/internal/registry"
	"github.com/splax/localvercel/preview/internal/runtime"
	"github.com/splax/localvercel/preview/internal/runtime/dockerbackend"
	"github.com/splax/localvercel/preview/internal/service/orchestrator"
	"github.com/splax/localvercel/preview/internal/service/preview"
	"github.com/splax/localvercel/preview/internal/workspace"
	"github.com/splax/localvercel/preview/internal/ws"
	"github.com/splax/localvercel/preview/pkg/config"
	"github.com/splax/localvercel/preview/pkg/logger"
	"github.com/splax/localvercel/preview/pkg/runtime/telemetry"
)

func main() {
	cfg := config.LoadPreviewConfig()
	log := logger.New("previewd", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	backend, closeBackend, err := newBackend(ctx, cfg, log)
	if err != nil {
		log.Error("runtime backend init failed", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	workspaceManager, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.WorkspaceRoot)
		os.Exit(1)
	}

	hub := ws.NewHub(log)
	defer hub.Close()
	notifiers := []registry.Notifier{hub}
	var webhook *telemetry.Notifier
	if cfg.WebhookURL != "" {
		emitter, err := telemetry.NewEmitter(cfg.WebhookURL, cfg.WebhookToken, nil)
		if err != nil {
			log.Error("run webhook init failed", "error", err)
			os.Exit(1)
		}
		webhook = telemetry.NewNotifier(emitter, log, 0)
		notifiers = append(notifiers, webhook)
	}
	runs := registry.New(registry.Fanout(notifiers...))

	manager := runtime.NewManager(backend, runtime.Config{
		BasePort:          cfg.BasePort,
		PollInterval:      cfg.PollInterval,
		HealthInterval:    cfg.HealthInterval,
		MaxHealthFailures: cfg.MaxHealthFailures,
	}, log, metrics)
	metrics.TrackActiveWorkers(manager.ActiveWorkers)

	validator := archive.NewValidator(archive.Limits{
		MaxEntries:           cfg.MaxEntries,
		MaxDepth:             cfg.MaxDepth,
		MaxUncompressedBytes: cfg.MaxUncompressedBytes,
	}, classify.New(log, 0), log)

	svc := orchestrator.New(runs, workspaceManager, validator, manager, metrics, orchestrator.Config{
		PublicBaseURL:   cfg.PublicBaseURL,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		MaxEntries:      cfg.MaxEntries,
		ReadyTimeout:    cfg.ReadyTimeout,
		TeardownTimeout: cfg.ShutdownTimeout,
	}, log)

	stopSweep, err := svc.ScheduleSweep(cfg.SweepSchedule, cfg.RunMaxAge)
	if err != nil {
		log.Error("sweep schedule invalid", "error", err)
		os.Exit(1)
	}

	limiter := newRateLimiter(cfg, log)
	router := httpx.New(log, httpx.Options{
		Runs:           svc,
		Preview:        preview.NewGateway(runs, manager, log),
		Events:         hub,
		Health:         manager.Health,
		Limiter:        limiter,
		DisableMetrics: !cfg.MetricsEnabled,
		MaxUploadBytes: cfg.MaxUploadBytes,
		UploadLimit:    cfg.RateLimitRequests,
		UploadWindow:   cfg.RateLimitWindow,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("previewd server starting", "addr", cfg.Addr, "backend", cfg.Backend, "public_url", cfg.PublicBaseURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	stopSweep()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("run tasks did not finish", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("worker teardown incomplete", "error", err)
	}
	if webhook != nil {
		if err := webhook.Close(shutdownCtx); err != nil {
			log.Warn("run webhook queue not drained", "error", err)
		}
	}
	log.Info("previewd server stopped")
}

func newBackend(ctx context.Context, cfg config.PreviewConfig, log *slog.Logger) (runtime.Backend, func(), error) {
	if cfg.Backend != config.BackendDocker {
		backend := runtime.NewSimulatedBackend()
		backend.BuildDelay = cfg.SimulatedBuildDelay
		return backend, func() {}, nil
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		return nil, nil, err
	}
	if err := dockerClient.Ping(ctx); err != nil {
		_ = dockerClient.Close()
		return nil, nil, err
	}
	log.Info("docker daemon reachable", "host", dockerClient.Host())
	backend := dockerbackend.New(dockerClient, dockerbackend.Config{
		HostIP:      cfg.ContainerHostIP,
		MemoryBytes: int64(cfg.ContainerMemoryMB) << 20,
		NanoCPUs:    int64(cfg.ContainerCPUMillis) * 1_000_000,
	}, log)
	return backend, func() { _ = dockerClient.Close() }, nil
}

func newRateLimiter(cfg config.PreviewConfig, log *slog.Logger) httpx.RateLimiter {
	if cfg.RateLimitRedisAddr == "" {
		return httpx.NewMemoryRateLimiter()
	}
	limiter, err := httpx.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
	if err != nil {
		log.Warn("redis rate limiter unavailable, using in-memory limiter", "addr", cfg.RateLimitRedisAddr, "error", err)
		return httpx.NewMemoryRateLimiter()
	}
	return limiter
}

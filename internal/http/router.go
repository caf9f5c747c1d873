package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/preview/internal/domain"
	"github.com/splax/localvercel/preview/internal/registry"
	"github.com/splax/localvercel/preview/internal/service/orchestrator"
	"github.com/splax/localvercel/preview/internal/service/preview"
	"github.com/splax/localvercel/preview/internal/ws"
)

// RunService is the orchestrator surface the API drives.
type RunService interface {
	Submit(ctx context.Context, up orchestrator.Upload) (domain.Run, error)
	Get(id string) (domain.Run, error)
	List(filter registry.Filter) []domain.Run
	Delete(ctx context.Context, id string) error
}

// PreviewService resolves preview requests.
type PreviewService interface {
	Serve(ctx context.Context, runID, path string) (preview.Response, error)
}

// EventHub fans run snapshots out to streaming clients.
type EventHub interface {
	Register(runID string, client ws.Subscriber)
	Unregister(runID string, client ws.Subscriber)
}

// Options wires the router. Zero limits disable rate limiting.
type Options struct {
	Runs           RunService
	Preview        PreviewService
	Events         EventHub
	Health         func(context.Context) error
	Limiter        RateLimiter
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	DisableMetrics bool
	MaxUploadBytes int64
	UploadLimit    int
	UploadWindow   time.Duration
}

// Router exposes the previewd HTTP surface.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	runs           RunService
	preview        PreviewService
	events         EventHub
	health         func(context.Context) error
	limiter        RateLimiter
	upgrader       websocket.Upgrader
	maxUploadBytes int64
	uploadLimit    int
	uploadWindow   time.Duration

	registerer         prometheus.Registerer
	gatherer           prometheus.Gatherer
	disableMetrics     bool
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 240
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	multipartOverhead  = 1 << 20
)

// New creates and registers handlers.
func New(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Router{
		mux:            http.NewServeMux(),
		logger:         logger.With("component", "http"),
		runs:           opts.Runs,
		preview:        opts.Preview,
		events:         opts.Events,
		health:         opts.Health,
		limiter:        opts.Limiter,
		maxUploadBytes: opts.MaxUploadBytes,
		uploadLimit:    opts.UploadLimit,
		uploadWindow:   opts.UploadWindow,
		registerer:     opts.Registerer,
		gatherer:       opts.Gatherer,
		disableMetrics: opts.DisableMetrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	if r.uploadWindow <= 0 {
		r.uploadWindow = time.Minute
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	if !r.disableMetrics {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/api/runs", r.instrument("/api/runs", r.handleRuns))
	r.mux.HandleFunc("/api/runs/", r.instrument("/api/runs/:id", r.handleRunSubroutes))
	r.mux.HandleFunc("/preview/", r.instrument("/preview/:id", r.withRateLimit("preview", rateLimitRead*4, time.Minute, r.handlePreview)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.health != nil {
		if err := r.health(ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"runtime": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

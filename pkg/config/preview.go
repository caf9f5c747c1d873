package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Execution backends.
const (
	BackendSimulated = "simulated"
	BackendDocker    = "docker"
)

// PreviewConfig holds runtime configuration for the preview service.
type PreviewConfig struct {
	Environment   string
	Addr          string
	PublicBaseURL string
	LogLevel      string
	WorkspaceRoot string

	MaxUploadBytes       int64
	MaxEntries           int
	MaxDepth             int
	MaxUncompressedBytes int64

	ReadyTimeout      time.Duration
	BasePort          int
	PollInterval      time.Duration
	HealthInterval    time.Duration
	MaxHealthFailures int

	RunMaxAge     time.Duration
	SweepSchedule string

	Backend             string
	SimulatedBuildDelay time.Duration
	DockerHost          string
	ContainerHostIP     string
	ContainerMemoryMB   int
	ContainerCPUMillis  int

	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	WebhookURL   string
	WebhookToken string

	MetricsEnabled bool

	ShutdownTimeout time.Duration
}

// LoadPreviewConfig constructs a PreviewConfig from environment variables.
// A .env file in the working directory is read first; variables already set
// in the environment take precedence over it.
func LoadPreviewConfig() PreviewConfig {
	_ = godotenv.Load()

	return PreviewConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("PREVIEW_ADDR", ":8080"),
		PublicBaseURL:        strings.TrimRight(GetString("PREVIEW_PUBLIC_URL", "http://localhost:8080"), "/"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		WorkspaceRoot:        GetString("PREVIEW_WORKDIR", filepath.Join(os.TempDir(), "previewd")),
		MaxUploadBytes:       GetInt64("MAX_UPLOAD_BYTES", 50<<20),
		MaxEntries:           GetInt("MAX_ARCHIVE_ENTRIES", 5000),
		MaxDepth:             GetInt("MAX_ARCHIVE_DEPTH", 20),
		MaxUncompressedBytes: GetInt64("MAX_UNCOMPRESSED_BYTES", 500<<20),
		ReadyTimeout:         GetDuration("READY_TIMEOUT", 60*time.Second),
		BasePort:             GetInt("WORKER_BASE_PORT", 4000),
		PollInterval:         GetDuration("READY_POLL_INTERVAL", 250*time.Millisecond),
		HealthInterval:       GetDuration("HEALTH_INTERVAL", 30*time.Second),
		MaxHealthFailures:    GetInt("MAX_HEALTH_FAILURES", 3),
		RunMaxAge:            GetDuration("RUN_MAX_AGE", time.Hour),
		SweepSchedule:        GetString("SWEEP_SCHEDULE", "@every 10m"),
		Backend:              strings.ToLower(GetString("PREVIEW_BACKEND", BackendSimulated)),
		SimulatedBuildDelay:  GetDuration("SIMULATED_BUILD_DELAY", 2*time.Second),
		DockerHost:           GetString("DOCKER_HOST", ""),
		ContainerHostIP:      GetString("CONTAINER_HOST_IP", "127.0.0.1"),
		ContainerMemoryMB:    GetInt("CONTAINER_MEMORY_MB", 512),
		ContainerCPUMillis:   GetInt("CONTAINER_CPU_MILLIS", 1000),
		RateLimitRequests:    GetInt("UPLOAD_RATE_LIMIT", 10),
		RateLimitWindow:      GetDuration("UPLOAD_RATE_WINDOW", time.Minute),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
		WebhookURL:           GetString("RUN_WEBHOOK_URL", ""),
		WebhookToken:         GetString("RUN_WEBHOOK_TOKEN", ""),
		MetricsEnabled:       GetBool("METRICS_ENABLED", true),
		ShutdownTimeout:      GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate reports settings the service cannot run with.
func (c PreviewConfig) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("PREVIEW_ADDR is required")
	case c.WorkspaceRoot == "":
		return fmt.Errorf("PREVIEW_WORKDIR is required")
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	case c.MaxEntries <= 0:
		return fmt.Errorf("MAX_ARCHIVE_ENTRIES must be positive")
	case c.MaxDepth <= 0:
		return fmt.Errorf("MAX_ARCHIVE_DEPTH must be positive")
	case c.ReadyTimeout <= 0:
		return fmt.Errorf("READY_TIMEOUT must be positive")
	case c.BasePort <= 0 || c.BasePort > 65535:
		return fmt.Errorf("WORKER_BASE_PORT must be a valid port")
	}
	if c.Backend != BackendSimulated && c.Backend != BackendDocker {
		return fmt.Errorf("PREVIEW_BACKEND must be %q or %q, got %q", BackendSimulated, BackendDocker, c.Backend)
	}
	return nil
}

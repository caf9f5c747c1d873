package dockerbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/splax/localvercel/preview/internal/docker"
	"github.com/splax/localvercel/preview/internal/runtime"
)

const maxFetchBytes = 32 << 20

// Engine is the subset of the Docker client the backend drives.
type Engine interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, dir, tag string, labels map[string]string, onOutput docker.BuildOutputCallback) error
	RunContainer(ctx context.Context, opts docker.RunOptions) (string, error)
	ContainerRunning(ctx context.Context, name string) (bool, error)
	RemoveContainer(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, tag string) error
}

// Config controls container placement and limits.
type Config struct {
	HostIP      string
	ImagePrefix string
	MemoryBytes int64
	NanoCPUs    int64
}

// Backend builds each worker into an image and runs it as a container bound
// to the worker port on the host.
type Backend struct {
	engine Engine
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var _ runtime.Backend = (*Backend)(nil)

// New constructs a Docker backend.
func New(engine Engine, cfg Config, logger *slog.Logger) *Backend {
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = "previewd"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		engine: engine,
		cfg:    cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("component", "docker_backend"),
	}
}

func (b *Backend) imageTag(spec runtime.Spec) string {
	return b.cfg.ImagePrefix + "/" + strings.ToLower(spec.WorkerID) + ":latest"
}

func (b *Backend) containerName(spec runtime.Spec) string {
	return b.cfg.ImagePrefix + "-" + strings.ToLower(spec.WorkerID)
}

func (b *Backend) labels(spec runtime.Spec) map[string]string {
	return map[string]string{
		"previewd.run_id":    spec.RunID,
		"previewd.worker_id": spec.WorkerID,
	}
}

// Ping checks the Docker daemon.
func (b *Backend) Ping(ctx context.Context) error {
	return b.engine.Ping(ctx)
}

// Build generates a Dockerfile when needed and builds the worker image.
func (b *Backend) Build(ctx context.Context, spec runtime.Spec) error {
	generated, err := ensureDockerfile(spec.ProjectPath, spec.Project)
	if err != nil {
		return err
	}
	log := b.logger.With("worker_id", spec.WorkerID, "run_id", spec.RunID)
	log.Info("building preview image", "image", b.imageTag(spec), "dockerfile_generated", generated)
	return b.engine.BuildImage(ctx, spec.ProjectPath, b.imageTag(spec), b.labels(spec), func(line string) {
		log.Debug("build output", "line", line)
	})
}

// Start runs the worker image with its container port published on spec.Port.
func (b *Backend) Start(ctx context.Context, spec runtime.Spec) error {
	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort(spec.Project.Type)))
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	id, err := b.engine.RunContainer(ctx, docker.RunOptions{
		Name:  b.containerName(spec),
		Image: b.imageTag(spec),
		Env:   []string{fmt.Sprintf("PORT=%d", containerPort(spec.Project.Type))},
		Ports: nat.PortMap{
			port: []nat.PortBinding{{HostIP: b.cfg.HostIP, HostPort: strconv.Itoa(spec.Port)}},
		},
		Labels:      b.labels(spec),
		MemoryBytes: b.cfg.MemoryBytes,
		NanoCPUs:    b.cfg.NanoCPUs,
	})
	if err != nil {
		return err
	}
	b.logger.Info("preview container started", "worker_id", spec.WorkerID, "container_id", id, "host_port", spec.Port)
	return nil
}

// HealthCheck verifies the container is running and answering HTTP.
func (b *Backend) HealthCheck(ctx context.Context, spec runtime.Spec) error {
	running, err := b.engine.ContainerRunning(ctx, b.containerName(spec))
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("container %s is not running", b.containerName(spec))
	}
	resp, err := b.get(ctx, spec, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Fetch proxies a GET for rel to the container.
func (b *Backend) Fetch(ctx context.Context, spec runtime.Spec, rel string) ([]byte, error) {
	resp, err := b.get(ctx, spec, rel)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read preview response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("preview upstream returned %d for /%s", resp.StatusCode, rel)
	}
	return body, nil
}

func (b *Backend) get(ctx context.Context, spec runtime.Spec, rel string) (*http.Response, error) {
	target := url.URL{Scheme: "http", Host: b.hostPort(spec), Path: "/" + strings.TrimPrefix(rel, "/")}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build preview request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preview request: %w", err)
	}
	return resp, nil
}

func (b *Backend) hostPort(spec runtime.Spec) string {
	host := b.cfg.HostIP
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(spec.Port)
}

// Teardown removes the container and its image. Missing resources are ignored.
func (b *Backend) Teardown(ctx context.Context, spec runtime.Spec) error {
	var errs []error
	if err := b.engine.RemoveContainer(ctx, b.containerName(spec)); err != nil && !errors.Is(err, docker.ErrNotFound) {
		errs = append(errs, err)
	}
	if err := b.engine.RemoveImage(ctx, b.imageTag(spec)); err != nil && !errors.Is(err, docker.ErrNotFound) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

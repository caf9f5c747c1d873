package runtime

import (
	"context"
	"errors"

	"github.com/splax/localvercel/preview/internal/domain"
)

var (
	// ErrProvisioning indicates a worker could not be created for the run.
	ErrProvisioning = errors.New("runtime: provisioning failed")
	// ErrBuild indicates the backend build step failed.
	ErrBuild = errors.New("runtime: build failed")
	// ErrStart indicates the backend start or startup health check failed.
	ErrStart = errors.New("runtime: start failed")
	// ErrReadinessTimeout indicates the worker did not leave starting in time.
	ErrReadinessTimeout = errors.New("runtime: readiness timeout")
	// ErrWorkerNotRunning indicates content was requested from a worker that is not running.
	ErrWorkerNotRunning = errors.New("runtime: worker not running")
	// ErrWorkerNotFound indicates the worker id is unknown.
	ErrWorkerNotFound = errors.New("runtime: worker not found")
)

// Spec is everything a backend needs to build and run one worker.
type Spec struct {
	WorkerID    string
	RunID       string
	ProjectPath string
	Project     domain.ProjectInfo
	Port        int
}

// Backend performs the isolated build and run steps for a worker.
// Implementations must tolerate Teardown for a worker that never started.
type Backend interface {
	Build(ctx context.Context, spec Spec) error
	Start(ctx context.Context, spec Spec) error
	HealthCheck(ctx context.Context, spec Spec) error
	Fetch(ctx context.Context, spec Spec, path string) ([]byte, error)
	Teardown(ctx context.Context, spec Spec) error
}

// Pinger is implemented by backends that depend on an external daemon.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Content is a response body produced by a running worker.
type Content struct {
	Path string
	Body []byte
}

// Observer is told about every worker status change. It is called with the
// manager lock held and must not call back into the Manager.
type Observer interface {
	WorkerStatusChanged(worker domain.Worker)
}

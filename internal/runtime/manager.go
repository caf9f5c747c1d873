package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localvercel/preview/internal/domain"
)

// Config tunes worker provisioning and supervision.
type Config struct {
	BasePort          int
	PollInterval      time.Duration
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	MaxHealthFailures int
}

func (c Config) withDefaults() Config {
	if c.BasePort <= 0 {
		c.BasePort = 4000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = 3
	}
	return c
}

type worker struct {
	info domain.Worker
	spec Spec
	err  error

	ctx        context.Context
	cancel     context.CancelFunc
	healthCtx  context.Context
	stopHealth context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
	tornDown   bool
}

func (w *worker) stop() {
	w.cancelOnce.Do(func() {
		w.stopHealth()
		w.cancel()
	})
}

// Manager provisions workers through a Backend and supervises them until terminated.
type Manager struct {
	backend  Backend
	cfg      Config
	logger   *slog.Logger
	observer Observer

	ports atomic.Int64

	mu      sync.Mutex
	workers map[string]*worker
	live    map[string]string

	wg    sync.WaitGroup
	now   func() time.Time
	newID func() string
}

// NewManager constructs a lifecycle manager. observer may be nil.
func NewManager(backend Backend, cfg Config, logger *slog.Logger, observer Observer) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		backend:  backend,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "runtime"),
		observer: observer,
		workers:  make(map[string]*worker),
		live:     make(map[string]string),
		now:      time.Now,
		newID:    func() string { return "wrk_" + uuid.NewString() },
	}
}

// Provision registers a worker for runID and starts its build in the background.
// A run may hold at most one live worker.
func (m *Manager) Provision(ctx context.Context, runID, projectPath string, info domain.ProjectInfo) (domain.Worker, error) {
	if strings.TrimSpace(runID) == "" {
		return domain.Worker{}, fmt.Errorf("%w: run id required", ErrProvisioning)
	}
	if strings.TrimSpace(projectPath) == "" {
		return domain.Worker{}, fmt.Errorf("%w: project path required", ErrProvisioning)
	}
	if err := ctx.Err(); err != nil {
		return domain.Worker{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	m.mu.Lock()
	if existingID, ok := m.live[runID]; ok {
		if existing, ok := m.workers[existingID]; ok && existing.info.Status.Live() {
			m.mu.Unlock()
			return domain.Worker{}, fmt.Errorf("%w: run %s already has live worker %s", ErrProvisioning, runID, existingID)
		}
	}

	port := m.cfg.BasePort + int(m.ports.Add(1)-1)
	id := m.newID()
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	healthCtx, stopHealth := context.WithCancel(workerCtx)
	w := &worker{
		info: domain.Worker{
			ID:        id,
			RunID:     runID,
			Port:      port,
			Status:    domain.WorkerCreated,
			StartTime: m.now().UTC(),
		},
		spec: Spec{
			WorkerID:    id,
			RunID:       runID,
			ProjectPath: projectPath,
			Project:     info.Clone(),
			Port:        port,
		},
		ctx:        workerCtx,
		cancel:     cancel,
		healthCtx:  healthCtx,
		stopHealth: stopHealth,
		done:       make(chan struct{}),
	}
	m.workers[id] = w
	m.live[runID] = id
	m.notify(w)
	m.setStatusLocked(w, domain.WorkerStarting)
	snapshot := w.info
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("worker provisioned", "worker_id", id, "run_id", runID, "port", port, "project_type", info.Type)
	go m.run(w)
	return snapshot, nil
}

func (m *Manager) run(w *worker) {
	defer m.wg.Done()
	defer close(w.done)
	log := m.logger.With("worker_id", w.info.ID, "run_id", w.info.RunID)

	if err := m.backend.Build(w.ctx, w.spec); err != nil {
		m.markFailed(w, fmt.Errorf("%w: %v", ErrBuild, err))
		return
	}
	log.Debug("worker build complete")
	if err := m.backend.Start(w.ctx, w.spec); err != nil {
		m.markFailed(w, fmt.Errorf("%w: %v", ErrStart, err))
		return
	}
	checkCtx, cancel := context.WithTimeout(w.ctx, m.cfg.HealthTimeout)
	err := m.backend.HealthCheck(checkCtx, w.spec)
	cancel()
	if err != nil {
		m.markFailed(w, fmt.Errorf("%w: startup health check: %v", ErrStart, err))
		return
	}

	m.mu.Lock()
	ok := m.setStatusLocked(w, domain.WorkerRunning)
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Info("worker running", "port", w.info.Port)
	m.healthLoop(w, log)
}

func (m *Manager) markFailed(w *worker, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.info.Status == domain.WorkerStopping || w.info.Status == domain.WorkerStopped {
		return
	}
	w.err = err
	w.info.Error = err.Error()
	if m.setStatusLocked(w, domain.WorkerFailed) {
		m.logger.Warn("worker failed", "worker_id", w.info.ID, "run_id", w.info.RunID, "error", err)
	}
}

func (m *Manager) healthLoop(w *worker, log *slog.Logger) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.healthCtx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(w.healthCtx, m.cfg.HealthTimeout)
			err := m.backend.HealthCheck(checkCtx, w.spec)
			cancel()
			if w.healthCtx.Err() != nil {
				return
			}

			m.mu.Lock()
			if err == nil {
				now := m.now().UTC()
				w.info.LastHealthAt = &now
				w.info.HealthFailures = 0
				m.mu.Unlock()
				continue
			}
			w.info.HealthFailures++
			failures := w.info.HealthFailures
			m.mu.Unlock()
			log.Warn("worker health check failed", "failures", failures, "error", err)
			if failures < m.cfg.MaxHealthFailures {
				continue
			}

			m.markFailed(w, fmt.Errorf("health check failed %d times: %v", failures, err))
			teardownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthTimeout)
			m.teardown(teardownCtx, w)
			cancel()
			return
		}
	}
}

// AwaitReady polls the worker until it leaves starting or timeout elapses.
// A timeout leaves the worker as it was; terminating it is the caller's call.
func (m *Manager) AwaitReady(ctx context.Context, workerID string, timeout time.Duration) (domain.Worker, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	seen := false
	var last domain.Worker
	for {
		m.mu.Lock()
		w, ok := m.workers[workerID]
		var werr error
		if ok {
			last = w.info
			werr = w.err
		}
		m.mu.Unlock()

		if !ok {
			if seen {
				return last, fmt.Errorf("%w: %s was terminated", ErrWorkerNotRunning, workerID)
			}
			return domain.Worker{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
		}
		seen = true
		switch last.Status {
		case domain.WorkerRunning:
			return last, nil
		case domain.WorkerFailed:
			return last, werr
		case domain.WorkerStopping, domain.WorkerStopped:
			return last, fmt.Errorf("%w: %s is %s", ErrWorkerNotRunning, workerID, last.Status)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, fmt.Errorf("%w: worker %s not ready after %s", ErrReadinessTimeout, workerID, timeout)
		case <-ticker.C:
		}
	}
}

// Fetch returns content for a relative path from a running worker.
func (m *Manager) Fetch(ctx context.Context, workerID, requestPath string) (Content, error) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return Content{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	status := w.info.Status
	spec := w.spec
	m.mu.Unlock()

	if status != domain.WorkerRunning {
		return Content{}, fmt.Errorf("%w: %s is %s", ErrWorkerNotRunning, workerID, status)
	}
	cleaned := CleanPath(requestPath)
	body, err := m.backend.Fetch(ctx, spec, cleaned)
	if err != nil {
		return Content{}, fmt.Errorf("fetch %s from %s: %w", cleaned, workerID, err)
	}
	return Content{Path: cleaned, Body: body}, nil
}

// CleanPath normalizes a request path into a project-relative path that
// cannot climb out of the project. The root is "" and a trailing slash is
// kept so backends can tell directories from files.
func CleanPath(requestPath string) string {
	trimmed := strings.ReplaceAll(requestPath, `\`, "/")
	cleaned := strings.TrimPrefix(path.Clean("/"+trimmed), "/")
	if cleaned != "" && strings.HasSuffix(trimmed, "/") {
		cleaned += "/"
	}
	return cleaned
}

// IndexPath maps the root and directory paths to their index.html, the way a
// static file server would.
func IndexPath(rel string) string {
	if rel == "" || strings.HasSuffix(rel, "/") {
		return rel + "index.html"
	}
	return rel
}

// Terminate stops the worker and tears down its sandbox. Unknown or already
// stopping workers are a no-op.
func (m *Manager) Terminate(ctx context.Context, workerID string) error {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok || w.info.Status == domain.WorkerStopping || w.info.Status == domain.WorkerStopped {
		m.mu.Unlock()
		return nil
	}
	m.setStatusLocked(w, domain.WorkerStopping)
	m.mu.Unlock()

	w.stop()
	select {
	case <-w.done:
	case <-ctx.Done():
		m.logger.Warn("worker did not exit before teardown", "worker_id", workerID, "error", ctx.Err())
	}
	err := m.teardown(ctx, w)

	m.mu.Lock()
	m.setStatusLocked(w, domain.WorkerStopped)
	delete(m.workers, workerID)
	if m.live[w.info.RunID] == workerID {
		delete(m.live, w.info.RunID)
	}
	m.mu.Unlock()

	m.logger.Info("worker terminated", "worker_id", workerID, "run_id", w.info.RunID)
	return err
}

func (m *Manager) teardown(ctx context.Context, w *worker) error {
	m.mu.Lock()
	if w.tornDown {
		m.mu.Unlock()
		return nil
	}
	w.tornDown = true
	m.mu.Unlock()
	if err := m.backend.Teardown(ctx, w.spec); err != nil {
		m.logger.Warn("worker teardown failed", "worker_id", w.info.ID, "error", err)
		return fmt.Errorf("teardown worker %s: %w", w.info.ID, err)
	}
	return nil
}

// TerminateRun terminates every worker that belongs to runID.
func (m *Manager) TerminateRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	var ids []string
	for id, w := range m.workers {
		if w.info.RunID == runID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a snapshot of the worker.
func (m *Manager) Get(workerID string) (domain.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return domain.Worker{}, false
	}
	return w.info, true
}

// ActiveWorkers reports how many workers still hold resources.
func (m *Manager) ActiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workers {
		if w.info.Status.Live() {
			n++
		}
	}
	return n
}

// Health reports whether the backend is reachable.
func (m *Manager) Health(ctx context.Context) error {
	if p, ok := m.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Shutdown terminates every worker and waits for their goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for workers: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

func (m *Manager) setStatusLocked(w *worker, next domain.WorkerStatus) bool {
	if !w.info.Status.CanTransition(next) {
		return false
	}
	w.info.Status = next
	m.notify(w)
	return true
}

func (m *Manager) notify(w *worker) {
	if m.observer != nil {
		m.observer.WorkerStatusChanged(w.info)
	}
}

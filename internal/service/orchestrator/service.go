package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localvercel/preview/internal/archive"
	"github.com/splax/localvercel/preview/internal/domain"
	"github.com/splax/localvercel/preview/internal/observability"
	"github.com/splax/localvercel/preview/internal/registry"
	"github.com/splax/localvercel/preview/internal/runtime"
	"github.com/splax/localvercel/preview/internal/workspace"
	"github.com/splax/localvercel/preview/pkg/logger"
)

var (
	// ErrValidation indicates the upload was rejected before a run was created.
	ErrValidation = errors.New("orchestrator: invalid upload")
	// ErrRunNotFound indicates the run id is unknown.
	ErrRunNotFound = errors.New("orchestrator: run not found")
	// ErrClosed indicates the service is shutting down.
	ErrClosed = errors.New("orchestrator: shutting down")
)

// Extractor validates, unpacks and classifies an uploaded archive.
type Extractor interface {
	ValidateAndExtract(ctx context.Context, archivePath, dest string) (domain.ProjectInfo, error)
}

// Lifecycle provisions and supervises workers.
type Lifecycle interface {
	Provision(ctx context.Context, runID, projectPath string, info domain.ProjectInfo) (domain.Worker, error)
	AwaitReady(ctx context.Context, workerID string, timeout time.Duration) (domain.Worker, error)
	TerminateRun(ctx context.Context, runID string) error
}

// Config bounds uploads and readiness.
type Config struct {
	PublicBaseURL   string
	MaxUploadBytes  int64
	MaxEntries      int
	ReadyTimeout    time.Duration
	TeardownTimeout time.Duration
}

// Service drives each run from upload to ready or failed.
type Service struct {
	registry  *registry.Registry
	workspace *workspace.Manager
	extractor Extractor
	runtime   Lifecycle
	metrics   *observability.Metrics
	cfg       Config
	logger    *slog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	newID func() string
	now   func() time.Time
}

// New constructs the orchestrator. metrics may be nil.
func New(reg *registry.Registry, ws *workspace.Manager, extractor Extractor, lifecycle Lifecycle, metrics *observability.Metrics, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:  reg,
		workspace: ws,
		extractor: extractor,
		runtime:   lifecycle,
		metrics:   metrics,
		cfg:       cfg,
		logger:    log.With("component", "orchestrator"),
		baseCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[string]context.CancelFunc),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Submit validates and stores the upload, records a queued run and starts
// processing it in the background. It returns as soon as the run exists.
func (s *Service) Submit(ctx context.Context, up Upload) (domain.Run, error) {
	if s.isClosed() {
		return domain.Run{}, ErrClosed
	}
	body, err := s.checkUpload(up)
	if err != nil {
		s.rejected(err)
		return domain.Run{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}

	id := s.newID()
	archivePath, size, err := s.workspace.StoreArchive(id, body, s.cfg.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, workspace.ErrTooLarge) {
			err = fmt.Errorf("%w: archive exceeds %d bytes", ErrValidation, s.cfg.MaxUploadBytes)
			s.rejected(err)
		}
		return domain.Run{}, err
	}
	entries, err := archive.Inspect(archivePath)
	if err != nil {
		s.discard(id)
		err = fmt.Errorf("%w: file is not a readable zip archive", ErrValidation)
		s.rejected(err)
		return domain.Run{}, err
	}
	if entries == 0 {
		s.discard(id)
		err = fmt.Errorf("%w: archive has no entries", ErrValidation)
		s.rejected(err)
		return domain.Run{}, err
	}
	if s.cfg.MaxEntries > 0 && entries > s.cfg.MaxEntries {
		s.discard(id)
		err = fmt.Errorf("%w: archive has %d entries, limit is %d", ErrValidation, entries, s.cfg.MaxEntries)
		s.rejected(err)
		return domain.Run{}, err
	}

	run := domain.Run{
		ID:           id,
		Status:       domain.RunQueued,
		ArchivePath:  archivePath,
		OriginalName: filepath.Base(up.Filename),
		SizeBytes:    size,
	}
	if err := s.registry.Create(run); err != nil {
		s.discard(id)
		return domain.Run{}, fmt.Errorf("record run: %w", err)
	}
	s.metrics.IncRun(domain.RunQueued)
	s.metrics.ObserveUpload(size)

	created, _ := s.registry.Get(id)
	if !s.spawn(created) {
		s.registry.Delete(id)
		s.discard(id)
		return domain.Run{}, ErrClosed
	}
	s.logger.Info("run accepted", "run_id", id, "file", run.OriginalName, "size_bytes", size, "entries", entries)
	return created, nil
}

func (s *Service) rejected(err error) {
	if errors.Is(err, ErrValidation) {
		s.metrics.IncFailure("validation")
		s.logger.Info("upload rejected", "error", err)
	}
}

func (s *Service) spawn(run domain.Run) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.tasks[run.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, run.ID)
			s.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("run task panicked", "run_id", run.ID, "panic", r)
				s.release(run.ID)
				s.fail(run.ID, "internal", fmt.Errorf("internal error: %v", r))
			}
		}()
		s.process(ctx, run)
	}()
	return true
}

func (s *Service) process(ctx context.Context, run domain.Run) {
	log := logger.WithRun(s.logger, run.ID)
	layout := s.workspace.Layout(run.ID)

	if !s.update(run.ID, domain.RunUpdate{Status: domain.Ptr(domain.RunExtracting)}) {
		s.release(run.ID)
		return
	}
	info, err := s.extractor.ValidateAndExtract(ctx, run.ArchivePath, layout.Project)
	if err != nil {
		kind := "extraction"
		if errors.Is(err, archive.ErrUnsafeArchive) {
			kind = "unsafe_archive"
		}
		s.fail(run.ID, kind, err)
		return
	}
	projectDir := layout.Project
	if info.Root != "" {
		projectDir = filepath.Join(projectDir, filepath.FromSlash(info.Root))
	}
	log.Info("project classified", "type", info.Type, "framework", info.Framework, "files", len(info.Files))

	if !s.update(run.ID, domain.RunUpdate{
		Status:       domain.Ptr(domain.RunBuilding),
		ProjectDir:   &projectDir,
		ProjectType:  &info.Type,
		ProjectInfo:  &info,
		BuildCommand: info.BuildCommand,
		StartCommand: info.StartCommand,
	}) {
		s.release(run.ID)
		return
	}

	worker, err := s.runtime.Provision(ctx, run.ID, projectDir, info)
	if err != nil {
		s.fail(run.ID, "provisioning", err)
		return
	}
	if !s.update(run.ID, domain.RunUpdate{WorkerID: &worker.ID, WorkerPort: &worker.Port}) {
		s.release(run.ID)
		return
	}
	log.Info("worker provisioned", "worker_id", worker.ID, "port", worker.Port)

	if _, err := s.runtime.AwaitReady(ctx, worker.ID, s.cfg.ReadyTimeout); err != nil {
		s.release(run.ID)
		s.fail(run.ID, failureKind(err), err)
		return
	}

	readyAt := s.now().UTC()
	if !s.update(run.ID, domain.RunUpdate{
		Status:     domain.Ptr(domain.RunReady),
		PreviewURL: domain.Ptr(s.PreviewURL(run.ID)),
		ReadyAt:    &readyAt,
	}) {
		s.release(run.ID)
		return
	}
	s.metrics.ObserveReady(info.Type, readyAt.Sub(run.CreatedAt))
	log.Info("run ready", "preview_url", s.PreviewURL(run.ID))
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, runtime.ErrReadinessTimeout):
		return "readiness_timeout"
	case errors.Is(err, runtime.ErrBuild):
		return "build"
	case errors.Is(err, runtime.ErrStart):
		return "start"
	default:
		return "runtime"
	}
}

// PreviewURL is where a ready run is served.
func (s *Service) PreviewURL(runID string) string {
	return s.cfg.PublicBaseURL + "/preview/" + runID + "/"
}

// update persists upd and reports whether the run can continue. A deleted
// run or a refused update stops the task.
func (s *Service) update(id string, upd domain.RunUpdate) bool {
	_, ok, err := s.registry.Update(id, upd)
	if !ok {
		s.logger.Info("run removed while processing", "run_id", id)
		return false
	}
	if err != nil {
		s.logger.Error("run update refused", "run_id", id, "error", err)
		s.fail(id, "internal", err)
		return false
	}
	if upd.Status != nil {
		s.metrics.IncRun(*upd.Status)
	}
	return true
}

func (s *Service) fail(id, kind string, cause error) {
	s.metrics.IncFailure(kind)
	failedAt := s.now().UTC()
	_, ok, err := s.registry.Update(id, domain.RunUpdate{
		Status:   domain.Ptr(domain.RunFailed),
		Error:    domain.Ptr(cause.Error()),
		FailedAt: &failedAt,
	})
	switch {
	case !ok:
		s.release(id)
	case err != nil:
		s.logger.Error("could not record run failure", "run_id", id, "cause", cause, "error", err)
	default:
		s.metrics.IncRun(domain.RunFailed)
		s.logger.Warn("run failed", "run_id", id, "kind", kind, "error", cause)
	}
}

// release stops any worker for the run and, once the run is gone from the
// registry, removes its files.
func (s *Service) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	if err := s.runtime.TerminateRun(ctx, id); err != nil {
		s.logger.Warn("terminate run workers failed", "run_id", id, "error", err)
	}
	if _, exists := s.registry.Get(id); !exists {
		s.discard(id)
	}
}

func (s *Service) discard(id string) {
	if err := s.workspace.CleanupByID(id); err != nil {
		s.logger.Warn("workspace cleanup failed", "run_id", id, "error", err)
	}
}

// Get returns the run.
func (s *Service) Get(id string) (domain.Run, error) {
	run, ok := s.registry.Get(id)
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// List returns runs matching filter, newest first.
func (s *Service) List(filter registry.Filter) []domain.Run {
	return s.registry.List(filter)
}

// Delete removes the run, stops its task and worker and deletes its files.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !s.registry.Delete(id) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	s.cancelTask(id)
	if err := s.runtime.TerminateRun(ctx, id); err != nil {
		s.logger.Warn("terminate run workers failed", "run_id", id, "error", err)
	}
	s.discard(id)
	s.logger.Info("run deleted", "run_id", id)
	return nil
}

// Sweep removes runs older than maxAge along with their workers and files.
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) int {
	expired := s.registry.Expire(maxAge)
	for _, run := range expired {
		s.cancelTask(run.ID)
		if err := s.runtime.TerminateRun(ctx, run.ID); err != nil {
			s.logger.Warn("terminate run workers failed", "run_id", run.ID, "error", err)
		}
		s.discard(run.ID)
	}
	s.metrics.AddSwept(len(expired))
	return len(expired)
}

func (s *Service) cancelTask(id string) {
	s.mu.Lock()
	cancel, ok := s.tasks[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Wait blocks until every run task has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting uploads, cancels in-flight tasks and waits for them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for run tasks: %w", ctx.Err())
	}
}

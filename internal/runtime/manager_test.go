package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/preview/internal/domain"
)

type recordingObserver struct {
	mu       sync.Mutex
	statuses []domain.WorkerStatus
}

func (o *recordingObserver) WorkerStatusChanged(w domain.Worker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, w.Status)
}

func (o *recordingObserver) snapshot() []domain.WorkerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.WorkerStatus(nil), o.statuses...)
}

func newTestManager(backend Backend, observer Observer) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewManager(backend, Config{
		BasePort:       5000,
		PollInterval:   5 * time.Millisecond,
		HealthInterval: time.Hour,
	}, logger, observer)
}

var staticInfo = domain.ProjectInfo{Type: domain.ProjectStatic, Framework: "Static HTML"}

func TestProvisionAwaitFetchTerminate(t *testing.T) {
	backend := NewSimulatedBackend()
	observer := &recordingObserver{}
	mgr := newTestManager(backend, observer)
	ctx := context.Background()

	w, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if w.Port != 5000 {
		t.Fatalf("expected first port 5000, got %d", w.Port)
	}
	if w.Status != domain.WorkerStarting {
		t.Fatalf("expected starting, got %s", w.Status)
	}

	ready, err := mgr.AwaitReady(ctx, w.ID, time.Second)
	if err != nil {
		t.Fatalf("await ready: %v", err)
	}
	if ready.Status != domain.WorkerRunning {
		t.Fatalf("expected running, got %s", ready.Status)
	}
	if mgr.ActiveWorkers() != 1 {
		t.Fatalf("expected one active worker, got %d", mgr.ActiveWorkers())
	}

	content, err := mgr.Fetch(ctx, w.ID, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if content.Path != "" || !strings.Contains(string(content.Body), w.ID) {
		t.Fatalf("unexpected content %s: %s", content.Path, content.Body)
	}

	if err := mgr.Terminate(ctx, w.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := mgr.Terminate(ctx, w.ID); err != nil {
		t.Fatalf("second terminate must be a no-op, got %v", err)
	}
	if n := backend.Teardowns(w.ID); n != 1 {
		t.Fatalf("expected exactly one teardown, got %d", n)
	}
	if _, ok := mgr.Get(w.ID); ok {
		t.Fatalf("terminated worker must be forgotten")
	}
	if _, err := mgr.Fetch(ctx, w.ID, "index.html"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound after terminate, got %v", err)
	}

	want := []domain.WorkerStatus{domain.WorkerCreated, domain.WorkerStarting, domain.WorkerRunning, domain.WorkerStopping, domain.WorkerStopped}
	got := observer.snapshot()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
}

func TestFetchServesProjectFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>real</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mgr := newTestManager(NewSimulatedBackend(), nil)
	ctx := context.Background()
	w, err := mgr.Provision(ctx, "run-1", dir, staticInfo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := mgr.AwaitReady(ctx, w.ID, time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	content, err := mgr.Fetch(ctx, w.ID, "/")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(content.Body) != "<h1>real</h1>" {
		t.Fatalf("expected project file, got %q", content.Body)
	}
	escaped, err := mgr.Fetch(ctx, w.ID, "../../etc/passwd")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if escaped.Path != "etc/passwd" {
		t.Fatalf("expected cleaned path, got %q", escaped.Path)
	}
	_ = mgr.Shutdown(ctx)
}

func TestProvisionRejectsSecondLiveWorker(t *testing.T) {
	backend := &SimulatedBackend{BuildDelay: time.Second}
	mgr := newTestManager(backend, nil)
	ctx := context.Background()

	first, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}
	if err := mgr.TerminateRun(ctx, "run-1"); err != nil {
		t.Fatalf("terminate run: %v", err)
	}
	if _, ok := mgr.Get(first.ID); ok {
		t.Fatalf("expected first worker to be gone")
	}
	second, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
	if err != nil {
		t.Fatalf("provision after terminate: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a fresh worker id")
	}
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPortsAreUnique(t *testing.T) {
	mgr := newTestManager(&SimulatedBackend{BuildDelay: time.Second}, nil)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		ports = map[int]bool{}
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := mgr.Provision(ctx, fmt.Sprintf("run-%d", i), "/tmp/project", staticInfo)
			if err != nil {
				t.Errorf("provision %d: %v", i, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ports[w.Port] {
				t.Errorf("port %d allocated twice", w.Port)
			}
			ports[w.Port] = true
		}(i)
	}
	wg.Wait()
	if len(ports) != 32 {
		t.Fatalf("expected 32 distinct ports, got %d", len(ports))
	}
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if mgr.ActiveWorkers() != 0 {
		t.Fatalf("expected no active workers after shutdown")
	}
}

func TestAwaitReadyTimeoutLeavesWorkerStarting(t *testing.T) {
	backend := &SimulatedBackend{BuildDelay: 5 * time.Second}
	mgr := newTestManager(backend, nil)
	ctx := context.Background()

	w, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	last, err := mgr.AwaitReady(ctx, w.ID, 30*time.Millisecond)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected ErrReadinessTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout in message, got %q", err.Error())
	}
	if last.Status != domain.WorkerStarting {
		t.Fatalf("timeout must not change the worker, got %s", last.Status)
	}
	current, ok := mgr.Get(w.ID)
	if !ok || current.Status != domain.WorkerStarting {
		t.Fatalf("worker should still be starting, got %+v ok=%v", current, ok)
	}

	started := time.Now()
	if err := mgr.Terminate(ctx, w.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("terminate should cancel the in-flight build, took %s", elapsed)
	}
	if backend.Teardowns(w.ID) != 1 {
		t.Fatalf("expected teardown after terminate")
	}
}

func TestBackendFailures(t *testing.T) {
	cases := []struct {
		name    string
		backend *SimulatedBackend
		want    error
	}{
		{"build", &SimulatedBackend{BuildErr: errors.New("npm ERR! missing script")}, ErrBuild},
		{"start", &SimulatedBackend{StartErr: errors.New("port in use")}, ErrStart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mgr := newTestManager(tc.backend, nil)
			ctx := context.Background()
			w, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
			if err != nil {
				t.Fatalf("provision: %v", err)
			}
			failed, err := mgr.AwaitReady(ctx, w.ID, time.Second)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if failed.Status != domain.WorkerFailed || failed.Error == "" {
				t.Fatalf("expected failed worker with error, got %+v", failed)
			}
			if _, err := mgr.Fetch(ctx, w.ID, "index.html"); !errors.Is(err, ErrWorkerNotRunning) {
				t.Fatalf("expected ErrWorkerNotRunning, got %v", err)
			}
			if mgr.ActiveWorkers() != 0 {
				t.Fatalf("failed workers are not live")
			}
			if _, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo); err != nil {
				t.Fatalf("a failed worker must not block a new one: %v", err)
			}
			_ = mgr.Shutdown(ctx)
		})
	}
}

func TestUnknownWorker(t *testing.T) {
	mgr := newTestManager(NewSimulatedBackend(), nil)
	ctx := context.Background()
	if _, err := mgr.Fetch(ctx, "missing", "index.html"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
	if _, err := mgr.AwaitReady(ctx, "missing", time.Second); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
	if err := mgr.Terminate(ctx, "missing"); err != nil {
		t.Fatalf("terminate of unknown worker must be a no-op, got %v", err)
	}
}

func TestAwaitReadyObservesConcurrentTerminate(t *testing.T) {
	mgr := newTestManager(&SimulatedBackend{BuildDelay: 5 * time.Second}, nil)
	ctx := context.Background()
	w, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = mgr.Terminate(ctx, w.ID)
	}()
	if _, err := mgr.AwaitReady(ctx, w.ID, 5*time.Second); !errors.Is(err, ErrWorkerNotRunning) {
		t.Fatalf("expected ErrWorkerNotRunning, got %v", err)
	}
}

func TestHealthFailuresFailWorker(t *testing.T) {
	backend := NewSimulatedBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	mgr := NewManager(backend, Config{
		PollInterval:      5 * time.Millisecond,
		HealthInterval:    10 * time.Millisecond,
		MaxHealthFailures: 2,
	}, logger, nil)
	ctx := context.Background()

	w, err := mgr.Provision(ctx, "run-1", t.TempDir(), staticInfo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := mgr.AwaitReady(ctx, w.ID, time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	backend.SetHealthError(errors.New("connection refused"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, ok := mgr.Get(w.ID)
		if ok && current.Status == domain.WorkerFailed {
			if current.HealthFailures < 2 {
				t.Fatalf("expected failures to be counted, got %d", current.HealthFailures)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never failed: %+v", current)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if backend.Teardowns(w.ID) != 1 {
		t.Fatalf("expected unhealthy worker to be torn down")
	}
	if err := mgr.Terminate(ctx, w.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if backend.Teardowns(w.ID) != 1 {
		t.Fatalf("teardown must happen once, got %d", backend.Teardowns(w.ID))
	}
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"/":                "",
		"about.html":       "about.html",
		"/docs/":           "docs/",
		"docs":             "docs",
		"a/./b/../c.js":    "a/c.js",
		"../../etc/passwd": "etc/passwd",
		"../../":           "",
		`..\secret.txt`:    "secret.txt",
	}
	for in, want := range cases {
		if got := CleanPath(in); got != want {
			t.Fatalf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIndexPath(t *testing.T) {
	cases := map[string]string{
		"":           "index.html",
		"docs/":      "docs/index.html",
		"about.html": "about.html",
		"api/users":  "api/users",
	}
	for in, want := range cases {
		if got := IndexPath(in); got != want {
			t.Fatalf("IndexPath(%q) = %q, want %q", in, got, want)
		}
	}
}

type pathRecordingBackend struct {
	*SimulatedBackend
	mu    sync.Mutex
	paths []string
}

func (b *pathRecordingBackend) Fetch(ctx context.Context, spec Spec, rel string) ([]byte, error) {
	b.mu.Lock()
	b.paths = append(b.paths, rel)
	b.mu.Unlock()
	return []byte("ok"), nil
}

func TestFetchPassesDirectoryPathsThrough(t *testing.T) {
	backend := &pathRecordingBackend{SimulatedBackend: NewSimulatedBackend()}
	mgr := newTestManager(backend, nil)
	ctx := context.Background()
	w, err := mgr.Provision(ctx, "run-1", t.TempDir(), domain.ProjectInfo{Type: domain.ProjectNode, Framework: "Express"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := mgr.AwaitReady(ctx, w.ID, time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	for _, p := range []string{"", "/", "api/", "api/users"} {
		if _, err := mgr.Fetch(ctx, w.ID, p); err != nil {
			t.Fatalf("fetch %q: %v", p, err)
		}
	}
	want := []string{"", "", "api/", "api/users"}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if fmt.Sprint(backend.paths) != fmt.Sprint(want) {
		t.Fatalf("backend saw %q, want %q", backend.paths, want)
	}
	_ = mgr.Shutdown(ctx)
}

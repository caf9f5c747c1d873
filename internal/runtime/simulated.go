package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SimulatedBackend runs nothing. Build and start outcomes come from its
// fields, and Fetch serves files from the project directory, synthesizing a
// deterministic placeholder for anything the project does not contain.
type SimulatedBackend struct {
	BuildDelay time.Duration
	StartDelay time.Duration
	BuildErr   error
	StartErr   error

	mu        sync.Mutex
	healthErr error
	started   map[string]bool
	teardowns map[string]int
}

// NewSimulatedBackend returns a backend that succeeds immediately.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{}
}

// Build waits BuildDelay and returns BuildErr.
func (b *SimulatedBackend) Build(ctx context.Context, spec Spec) error {
	if err := sleep(ctx, b.BuildDelay); err != nil {
		return err
	}
	return b.BuildErr
}

// Start waits StartDelay and returns StartErr.
func (b *SimulatedBackend) Start(ctx context.Context, spec Spec) error {
	if err := sleep(ctx, b.StartDelay); err != nil {
		return err
	}
	if b.StartErr != nil {
		return b.StartErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started == nil {
		b.started = make(map[string]bool)
	}
	b.started[spec.WorkerID] = true
	return nil
}

// HealthCheck reports the error set with SetHealthError.
func (b *SimulatedBackend) HealthCheck(ctx context.Context, spec Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started[spec.WorkerID] {
		return fmt.Errorf("worker %s is not started", spec.WorkerID)
	}
	return b.healthErr
}

// SetHealthError makes subsequent health checks fail with err, or pass when nil.
func (b *SimulatedBackend) SetHealthError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthErr = err
}

// Teardown forgets the worker.
func (b *SimulatedBackend) Teardown(ctx context.Context, spec Spec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.teardowns == nil {
		b.teardowns = make(map[string]int)
	}
	b.teardowns[spec.WorkerID]++
	delete(b.started, spec.WorkerID)
	return nil
}

// Teardowns reports how many times the worker was torn down.
func (b *SimulatedBackend) Teardowns(workerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardowns[workerID]
}

// Fetch returns the project file at rel when present, otherwise placeholder
// content keyed by worker, path and extension. Directory paths serve their
// index.html.
func (b *SimulatedBackend) Fetch(ctx context.Context, spec Spec, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel = IndexPath(rel)
	if data, ok := readProjectFile(spec.ProjectPath, rel); ok {
		return data, nil
	}
	return placeholder(spec, rel), nil
}

func readProjectFile(root, rel string) ([]byte, bool) {
	if root == "" {
		return nil, false
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, target)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return nil, false
	}
	info, err := os.Lstat(target)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, false
	}
	return data, true
}

func placeholder(spec Spec, rel string) []byte {
	label := spec.Project.Framework
	if label == "" {
		label = string(spec.Project.Type)
	}
	switch strings.ToLower(path.Ext(rel)) {
	case ".html", ".htm", "":
		return []byte(fmt.Sprintf(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Preview %s</title></head>
<body>
<h1>%s preview</h1>
<p>Run %s is served by worker %s on port %d.</p>
<p>Requested /%s</p>
</body>
</html>
`, html.EscapeString(spec.RunID), html.EscapeString(label), html.EscapeString(spec.RunID), html.EscapeString(spec.WorkerID), spec.Port, html.EscapeString(rel)))
	case ".css":
		return []byte(fmt.Sprintf("/* %s %s */\nbody { font-family: sans-serif; margin: 2rem; }\n", spec.WorkerID, rel))
	case ".js", ".mjs":
		return []byte(fmt.Sprintf("// %s %s\nconsole.log(%q);\n", spec.WorkerID, rel, "preview "+spec.RunID))
	case ".json":
		data, _ := json.Marshal(map[string]any{
			"runId":    spec.RunID,
			"workerId": spec.WorkerID,
			"path":     rel,
			"type":     spec.Project.Type,
		})
		return data
	default:
		return []byte(fmt.Sprintf("%s %s %s\n", spec.RunID, spec.WorkerID, rel))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

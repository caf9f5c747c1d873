package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/splax/localvercel/preview/internal/domain"
	"github.com/splax/localvercel/preview/internal/runtime"
)

// ErrRunNotFound indicates the run id is unknown.
var ErrRunNotFound = errors.New("preview: run not found")

// Profile names a Content-Security-Policy directive set.
type Profile string

const (
	ProfileStrict  Profile = "strict"
	ProfileRelaxed Profile = "relaxed"
)

var policies = map[Profile]string{
	ProfileStrict: strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'",
		"style-src 'self'",
		"img-src 'self' data:",
		"font-src 'self' data:",
		"connect-src 'self'",
		"object-src 'none'",
		"base-uri 'self'",
		"form-action 'self'",
		"frame-ancestors 'self'",
	}, "; "),
	ProfileRelaxed: strings.Join([]string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline' 'unsafe-eval'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data: blob:",
		"font-src 'self' data:",
		"connect-src 'self' ws: wss:",
		"object-src 'none'",
		"base-uri 'self'",
		"form-action 'self'",
		"frame-ancestors 'self'",
	}, "; "),
}

// Policy returns the Content-Security-Policy value for p.
func (p Profile) Policy() string {
	return policies[p]
}

// ProfileFor picks the CSP profile for a project type. Client-rendered
// frameworks hydrate with inline script and style.
func ProfileFor(t domain.ProjectType) Profile {
	if t.Hydrated() {
		return ProfileRelaxed
	}
	return ProfileStrict
}

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".mjs":   "application/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".map":   "application/json; charset=utf-8",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".txt":   "text/plain; charset=utf-8",
}

// ContentType derives the response type from the file extension. Paths
// without a known extension are sniffed from body; plain text at a
// directory path is served as HTML.
func ContentType(p string, body []byte) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(p))]; ok {
		return ct
	}
	detected := mimetype.Detect(body)
	switch {
	case detected.Is("text/html"):
		return "text/html; charset=utf-8"
	case detected.Is("application/json"):
		return "application/json; charset=utf-8"
	case detected.Is("text/plain"):
		if p == "" || strings.HasSuffix(p, "/") {
			return "text/html; charset=utf-8"
		}
		return "text/plain; charset=utf-8"
	default:
		return detected.String()
	}
}

// Runs looks up run snapshots.
type Runs interface {
	Get(id string) (domain.Run, bool)
}

// Fetcher reads content from a running worker.
type Fetcher interface {
	Fetch(ctx context.Context, workerID, path string) (runtime.Content, error)
}

// Response is what the gateway decided for one preview request.
type Response struct {
	Ready       bool
	Status      domain.RunStatus
	Path        string
	Body        []byte
	ContentType string
	Profile     Profile
	Headers     http.Header
}

// Gateway serves the content of ready runs with isolation headers applied.
type Gateway struct {
	runs    Runs
	fetcher Fetcher
	logger  *slog.Logger
}

// NewGateway constructs a gateway.
func NewGateway(runs Runs, fetcher Fetcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{runs: runs, fetcher: fetcher, logger: logger.With("component", "preview")}
}

// Serve resolves requestPath for runID. A run that is not ready yields a
// Response with Ready unset and the current status. The root of a static
// project resolves to its classified entry point.
func (g *Gateway) Serve(ctx context.Context, runID, requestPath string) (Response, error) {
	run, ok := g.runs.Get(runID)
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status != domain.RunReady {
		return Response{Ready: false, Status: run.Status}, nil
	}

	cleaned := runtime.CleanPath(requestPath)
	if cleaned == "" && run.ProjectType == domain.ProjectStatic && run.ProjectInfo != nil && run.ProjectInfo.EntryPoint != "" {
		cleaned = run.ProjectInfo.EntryPoint
	}
	content, err := g.fetcher.Fetch(ctx, run.WorkerID, cleaned)
	if err != nil {
		g.logger.Warn("preview fetch failed", "run_id", runID, "worker_id", run.WorkerID, "path", cleaned, "error", err)
		return Response{}, err
	}

	profile := ProfileFor(run.ProjectType)
	return Response{
		Ready:       true,
		Status:      run.Status,
		Path:        content.Path,
		Body:        content.Body,
		ContentType: ContentType(content.Path, content.Body),
		Profile:     profile,
		Headers:     isolationHeaders(profile),
	}, nil
}

func isolationHeaders(profile Profile) http.Header {
	h := make(http.Header)
	h.Set("Content-Security-Policy", profile.Policy())
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	return h
}

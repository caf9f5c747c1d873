package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the previewd API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Run mirrors the API run payload.
type Run struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ReadyAt      *time.Time   `json:"readyAt,omitempty"`
	FailedAt     *time.Time   `json:"failedAt,omitempty"`
	ProjectType  string       `json:"projectType,omitempty"`
	ProjectInfo  *ProjectInfo `json:"projectInfo,omitempty"`
	BuildCommand *string      `json:"buildCommand,omitempty"`
	StartCommand *string      `json:"startCommand,omitempty"`
	WorkerID     string       `json:"workerId,omitempty"`
	WorkerPort   int          `json:"workerPort,omitempty"`
	PreviewURL   string       `json:"previewUrl,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Terminal reports whether the run will not change status again.
func (r Run) Terminal() bool {
	return r.Status == "ready" || r.Status == "failed"
}

// ProjectInfo mirrors the classification payload.
type ProjectInfo struct {
	Type           string   `json:"type"`
	Framework      string   `json:"framework"`
	Files          []string `json:"files"`
	Dependencies   []string `json:"dependencies,omitempty"`
	EntryPoint     string   `json:"entryPoint,omitempty"`
	PackageManager string   `json:"packageManager,omitempty"`
	Root           string   `json:"root,omitempty"`
}

// Submission is the acknowledgement returned for an accepted upload.
type Submission struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// UploadArchive submits the zip at path as a new run.
func (c *Client) UploadArchive(ctx context.Context, path string) (Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return Submission{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return c.Upload(ctx, filepath.Base(path), f)
}

// Upload streams r as a multipart "archive" field named filename.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (Submission, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("archive", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var sub Submission
	if err := c.do(ctx, http.MethodPost, "/api/runs", pr, mw.FormDataContentType(), &sub); err != nil {
		pr.CloseWithError(err)
		return Submission{}, err
	}
	return sub, nil
}

// GetRun fetches the current snapshot of a run.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, "", &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	q := url.Values{}
	if s := strings.TrimSpace(status); s != "" {
		q.Set("status", s)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var payload struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &payload); err != nil {
		return nil, err
	}
	return payload.Runs, nil
}

// DeleteRun tears a run down and removes it.
func (c *Client) DeleteRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/runs/"+url.PathEscape(id), nil, "", nil)
}

// ErrRunFailed is returned by WaitReady when the run ends in failure.
var ErrRunFailed = errors.New("run failed")

// WaitReady polls the run until it is ready, failed, or ctx ends. progress,
// if set, is called with every snapshot whose status differs from the last.
func (c *Client) WaitReady(ctx context.Context, id string, interval time.Duration, progress func(Run)) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if progress != nil && run.Status != last {
			progress(run)
		}
		last = run.Status
		switch run.Status {
		case "ready":
			return run, nil
		case "failed":
			return run, fmt.Errorf("%w: %s", ErrRunFailed, run.Error)
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                        "http://localhost:8080",
		"localhost:9000":          "http://localhost:9000",
		"https://preview.local/":  "https://preview.local",
		"  http://127.0.0.1:8080": "http://127.0.0.1:8080",
	}
	for in, want := range cases {
		c, err := New(in)
		if err != nil {
			t.Fatalf("new %q: %v", in, err)
		}
		if c.BaseURL() != want {
			t.Fatalf("New(%q).BaseURL() = %q, want %q", in, c.BaseURL(), want)
		}
	}
}

func TestUploadArchiveSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("archive")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "site.zip" || string(data) != "PK-bytes" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"run-1","status":"queued","createdAt":"2026-01-02T03:04:05Z"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "site.zip")
	if err := os.WriteFile(path, []byte("PK-bytes"), 0o600); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	c, _ := New(srv.URL)
	sub, err := c.UploadArchive(context.Background(), path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if sub.ID != "run-1" || sub.Status != "queued" || sub.CreatedAt.IsZero() {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestUploadArchiveMissingFile(t *testing.T) {
	c, _ := New("http://127.0.0.1:1")
	if _, err := c.UploadArchive(context.Background(), filepath.Join(t.TempDir(), "nope.zip")); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestAPIErrorsCarryServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"run not found"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.GetRun(context.Background(), "missing")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "run not found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected IsNotFound")
	}
	if err := c.DeleteRun(context.Background(), "missing"); !IsNotFound(err) {
		t.Fatalf("expected delete 404, got %v", err)
	}
}

func TestListRunsEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "ready" {
			t.Errorf("status query = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit query = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": []map[string]any{
			{"id": "b", "status": "ready", "previewUrl": "http://x/preview/b/"},
			{"id": "a", "status": "ready"},
		}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	runs, err := c.ListRuns(context.Background(), "ready", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[0].PreviewURL != "http://x/preview/b/" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestWaitReady(t *testing.T) {
	statuses := []string{"queued", "extracting", "building", "building", "ready"}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "r", "status": statuses[i]})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var seen []string
	run, err := c.WaitReady(context.Background(), "r", time.Millisecond, func(r Run) {
		seen = append(seen, r.Status)
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !run.Terminal() || run.Status != "ready" {
		t.Fatalf("unexpected run %+v", run)
	}
	if len(seen) != 4 {
		t.Fatalf("progress should fire once per status, got %v", seen)
	}
}

func TestWaitReadyFailedRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "r", "status": "failed", "error": "build failed"})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.WaitReady(context.Background(), "r", time.Millisecond, nil)
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
}

func TestWaitReadyHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "r", "status": "building"})
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.WaitReady(ctx, "r", 10*time.Millisecond, nil); err == nil {
		t.Fatalf("expected context error")
	}
}

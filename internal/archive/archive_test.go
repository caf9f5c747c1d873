package archive

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/splax/localvercel/preview/internal/classify"
	"github.com/splax/localvercel/preview/internal/domain"
)

type zipEntry struct {
	name    string
	content string
	mode    fs.FileMode
}

func writeZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	w := zip.NewWriter(f)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		if e.mode != 0 {
			hdr.SetMode(e.mode)
		}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("create entry %s: %v", e.name, err)
		}
		if _, err := fw.Write([]byte(e.content)); err != nil {
			t.Fatalf("write entry %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return p
}

func newTestValidator(limits Limits) *Validator {
	return NewValidator(limits, classify.New(nil, 0), nil)
}

func defaultLimits() Limits {
	return Limits{MaxEntries: 100, MaxDepth: 8, MaxUncompressedBytes: 1 << 20}
}

func TestValidateAndExtractStaticSite(t *testing.T) {
	archivePath := writeZip(t, []zipEntry{
		{name: "index.html", content: "<h1>hello</h1>"},
		{name: "css/site.css", content: "body{}"},
	})
	dest := filepath.Join(t.TempDir(), "project")

	info, err := newTestValidator(defaultLimits()).ValidateAndExtract(context.Background(), archivePath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if info.Type != domain.ProjectStatic || info.EntryPoint != "index.html" {
		t.Fatalf("unexpected classification: %+v", info)
	}
	if info.Root != "" {
		t.Fatalf("expected no root folder, got %q", info.Root)
	}
	data, err := os.ReadFile(filepath.Join(dest, "css", "site.css"))
	if err != nil || string(data) != "body{}" {
		t.Fatalf("expected extracted css, got %q err=%v", data, err)
	}
}

func TestValidateAndExtractSingleRootFolder(t *testing.T) {
	archivePath := writeZip(t, []zipEntry{
		{name: "my-app/", mode: fs.ModeDir | 0o755},
		{name: "my-app/package.json", content: `{"dependencies":{"react":"18"}}`},
		{name: "my-app/src/App.jsx", content: "export default 1"},
		{name: "__MACOSX/my-app/._package.json", content: "x"},
	})
	dest := filepath.Join(t.TempDir(), "project")

	info, err := newTestValidator(defaultLimits()).ValidateAndExtract(context.Background(), archivePath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if info.Root != "my-app" {
		t.Fatalf("expected root my-app, got %q", info.Root)
	}
	if info.Type != domain.ProjectReact {
		t.Fatalf("expected react, got %q", info.Type)
	}
}

func TestValidateAndExtractRejectsUnsafeEntries(t *testing.T) {
	cases := []struct {
		name    string
		limits  Limits
		entries []zipEntry
		reason  string
	}{
		{
			name:    "parent traversal",
			limits:  defaultLimits(),
			entries: []zipEntry{{name: "index.html", content: "ok"}, {name: "../evil", content: "pwned"}},
			reason:  "traversal",
		},
		{
			name:    "nested traversal",
			limits:  defaultLimits(),
			entries: []zipEntry{{name: "a/../../evil", content: "pwned"}},
			reason:  "traversal",
		},
		{
			name:    "absolute path",
			limits:  defaultLimits(),
			entries: []zipEntry{{name: "/etc/evil", content: "pwned"}},
			reason:  "absolute",
		},
		{
			name:    "windows drive",
			limits:  defaultLimits(),
			entries: []zipEntry{{name: `C:\evil`, content: "pwned"}},
			reason:  "absolute",
		},
		{
			name:    "too many entries",
			limits:  Limits{MaxEntries: 2, MaxDepth: 8},
			entries: []zipEntry{{name: "a.html"}, {name: "b.html"}, {name: "c.html"}},
			reason:  "entries",
		},
		{
			name:    "too deep",
			limits:  Limits{MaxEntries: 10, MaxDepth: 3},
			entries: []zipEntry{{name: "a/b/c/d.html"}},
			reason:  "levels",
		},
		{
			name:    "uncompressed size",
			limits:  Limits{MaxEntries: 10, MaxDepth: 8, MaxUncompressedBytes: 8},
			entries: []zipEntry{{name: "big.html", content: strings.Repeat("x", 64)}},
			reason:  "size",
		},
		{
			name:    "symlink",
			limits:  defaultLimits(),
			entries: []zipEntry{{name: "link", content: "/etc/passwd", mode: fs.ModeSymlink | 0o777}},
			reason:  "symlink",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			archivePath := writeZip(t, tc.entries)
			parent := t.TempDir()
			dest := filepath.Join(parent, "project")

			_, err := newTestValidator(tc.limits).ValidateAndExtract(context.Background(), archivePath, dest)
			if !errors.Is(err, ErrUnsafeArchive) {
				t.Fatalf("expected ErrUnsafeArchive, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("expected error to mention %q, got %v", tc.reason, err)
			}
			if _, err := os.Stat(dest); !os.IsNotExist(err) {
				t.Fatalf("destination must be removed, stat err=%v", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
				t.Fatalf("nothing may be written outside the destination")
			}
			leftovers, _ := os.ReadDir(parent)
			if len(leftovers) != 0 {
				t.Fatalf("expected empty parent, found %d entries", len(leftovers))
			}
		})
	}
}

func TestValidateAndExtractRemovesPartialOutputOnCancel(t *testing.T) {
	archivePath := writeZip(t, []zipEntry{{name: "index.html", content: "x"}})
	dest := filepath.Join(t.TempDir(), "project")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestValidator(defaultLimits()).ValidateAndExtract(ctx, archivePath, dest); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("destination must be removed after cancellation")
	}
}

func TestInspect(t *testing.T) {
	archivePath := writeZip(t, []zipEntry{{name: "a.html"}, {name: "b/c.html"}, {name: "../evil"}})
	n, err := Inspect(archivePath)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}

	notZip := filepath.Join(t.TempDir(), "plain.zip")
	if err := os.WriteFile(notZip, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Inspect(notZip); err == nil {
		t.Fatalf("expected error for non-zip input")
	}
}

func TestSingleRoot(t *testing.T) {
	cases := []struct {
		names []string
		want  string
	}{
		{[]string{"app/index.html", "app/css/a.css"}, "app"},
		{[]string{"app/index.html", "other/a.html"}, ""},
		{[]string{"index.html"}, ""},
		{[]string{"app/"}, ""},
		{[]string{"app/", "app/index.html", "__MACOSX/app/._index.html"}, "app"},
	}
	for _, tc := range cases {
		entries := make([]entry, 0, len(tc.names))
		for _, n := range tc.names {
			dir := strings.HasSuffix(n, "/")
			entries = append(entries, entry{name: strings.TrimSuffix(n, "/"), dir: dir})
		}
		if got := singleRoot(entries); got != tc.want {
			t.Fatalf("singleRoot(%v) = %q, want %q", tc.names, got, tc.want)
		}
	}
}

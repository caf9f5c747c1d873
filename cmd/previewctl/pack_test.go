package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestZipDirSkipsVendoredTrees(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"index.html":                 "<h1>hi</h1>",
		"assets/app.js":              "console.log(1)",
		"node_modules/left/index.js": "module.exports = 1",
		".git/HEAD":                  "ref: refs/heads/main",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := zipDir(root, &buf); err != nil {
		t.Fatalf("zipDir: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{"assets/app.js", "index.html"}
	if len(names) != len(want) {
		t.Fatalf("unexpected entries %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("PREVIEWCTL_CONFIG", filepath.Join(t.TempDir(), "nested", "config.json"))
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBase {
		t.Fatalf("expected default base url, got %q", cfg.APIBaseURL)
	}
	cfg.APIBaseURL = "http://preview.internal:9000"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.APIBaseURL != "http://preview.internal:9000" {
		t.Fatalf("unexpected base url %q", loaded.APIBaseURL)
	}
}

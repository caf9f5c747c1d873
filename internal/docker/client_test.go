package docker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fakeDaemon(t *testing.T, osType string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_ping") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("API-Version", "1.45")
		w.Header().Set("OSType", osType)
		_, _ = w.Write([]byte("OK"))
	}))
	t.Cleanup(srv.Close)
	return "tcp://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestPingRequiresLinuxDaemon(t *testing.T) {
	cases := []struct {
		osType  string
		wantErr bool
	}{
		{"linux", false},
		{"", false},
		{"windows", true},
	}
	for _, tc := range cases {
		host := fakeDaemon(t, tc.osType)
		c, err := New(host)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if c.Host() != host {
			t.Fatalf("Host() = %q, want %q", c.Host(), host)
		}
		err = c.Ping(context.Background())
		if (err != nil) != tc.wantErr {
			t.Fatalf("os %q: ping error %v, wantErr %v", tc.osType, err, tc.wantErr)
		}
		_ = c.Close()
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected an error from an uninitialised client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.Host() != "" {
		t.Fatalf("expected empty host")
	}
}

package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/pkg/options"
)

type fakeUpdater struct {
	requests []ota.Request
	status   ota.Status
}

func (u *fakeUpdater) RequestUpdate(_ context.Context, req ota.Request) (string, error) {
	u.requests = append(u.requests, req)
	return "session-1", nil
}

func (u *fakeUpdater) Status(context.Context) (ota.Status, error) {
	return u.status, nil
}

type fakeMounts struct {
	root    string
	mounted bool
}

func (m *fakeMounts) IsMounted(name string) bool { return name == "spiffs0" && m.mounted }

func (m *fakeMounts) Mountpoint(name string) (string, bool) {
	if name != "spiffs0" {
		return "", false
	}
	return m.root, true
}

func newTestServer(t *testing.T) (*Server, *fakeUpdater, *fakeMounts) {
	t.Helper()
	u := &fakeUpdater{status: ota.Status{SessionID: "session-1", State: ota.StateInProgress, Running: "rom0"}}
	m := &fakeMounts{root: t.TempDir(), mounted: true}
	return NewServer(options.NewHttpOptions(), u, m, "spiffs0", nil), u, m
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOtaUpdateForm(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/otaUpdate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, field := range []string{`name="rom_url"`, `name="spiffs_url"`, `action="/otaUpdate"`} {
		if !strings.Contains(body, field) {
			t.Errorf("form is missing %s", field)
		}
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestOtaUpdatePost(t *testing.T) {
	s, u, _ := newTestServer(t)

	form := url.Values{
		"rom_url":    {"http://10.0.0.1/rom0.bin"},
		"spiffs_url": {""},
	}
	req := httptest.NewRequest(http.MethodPost, "/otaUpdate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := do(s.Handler(), req)
	if rec.Code != http.StatusOK || rec.Body.String() != "done" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	if len(u.requests) != 1 || u.requests[0].ApplicationURL != "http://10.0.0.1/rom0.bin" || u.requests[0].FilesystemURL != "" {
		t.Errorf("requests = %+v", u.requests)
	}
}

func TestOtaUpdateMethodNotAllowed(t *testing.T) {
	s, u, _ := newTestServer(t)

	rec := do(s.Handler(), httptest.NewRequest(http.MethodPut, "/otaUpdate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if len(u.requests) != 0 {
		t.Error("PUT triggered an update")
	}
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/status", nil))
	var st ota.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.SessionID != "session-1" || st.State != ota.StateInProgress || st.Running != "rom0" {
		t.Errorf("status = %+v", st)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, p := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := do(s.Handler(), httptest.NewRequest(http.MethodGet, p, nil)); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", p, rec.Code)
		}
	}

	notReady := NewServer(options.NewHttpOptions(), &fakeUpdater{}, &fakeMounts{}, "spiffs0", func() bool { return false })
	if rec := do(notReady.Handler(), httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", rec.Code)
	}
}

func TestServeFile(t *testing.T) {
	s, _, m := newTestServer(t)

	if err := os.WriteFile(filepath.Join(m.root, "index.html"), []byte("<h1>hello</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte("console.log(1)"))
	zw.Close()
	if err := os.WriteFile(filepath.Join(m.root, "app.js.gz"), gz.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := do(s.Handler(), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "<h1>hello</h1>" {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=86400" {
		t.Errorf("Cache-Control = %q", got)
	}

	rec = do(s.Handler(), httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("GET /app.js = %d, encoding %q", rec.Code, rec.Header().Get("Content-Encoding"))
	}
	if !bytes.Equal(rec.Body.Bytes(), gz.Bytes()) {
		t.Error("gzip body mismatch")
	}

	rec = do(s.Handler(), httptest.NewRequest(http.MethodGet, "/missing.css", nil))
	if rec.Code != http.StatusNotFound || rec.Body.String() != "404: Not Found" {
		t.Errorf("GET /missing.css = %d %q", rec.Code, rec.Body.String())
	}

	rec = do(s.Handler(), httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil))
	if rec.Code == http.StatusOK {
		t.Errorf("path traversal served a file: %q", rec.Body.String())
	}

	m.mounted = false
	rec = do(s.Handler(), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET / while unmounted = %d, want 404", rec.Code)
	}
}

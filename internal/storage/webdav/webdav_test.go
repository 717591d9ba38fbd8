package webdav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	davserver "golang.org/x/net/webdav"

	"github.com/fireflycloud/fireflycloud/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv := httptest.NewServer(&davserver.Handler{
		FileSystem: davserver.Dir(dir),
		LockSystem: davserver.NewMemLS(),
	})
	t.Cleanup(srv.Close)
	return srv, dir
}

func TestUploadStreamRoundTrip(t *testing.T) {
	srv, dir := newTestServer(t)
	b, err := New(Config{URL: srv.URL, RootPath: "fireflycloud"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer b.Close()
	ctx := context.Background()
	content := []byte("webdav content")

	key, err := b.Upload(ctx, bytes.NewReader(content), int64(len(content)), "users/u1/notes.txt", "u1")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if key != "fireflycloud/users/u1/notes.txt" {
		t.Errorf("storage path = %q", key)
	}
	if _, err := os.Stat(filepath.Join(dir, "fireflycloud", "users", "u1", "notes.txt")); err != nil {
		t.Errorf("file not on server: %v", err)
	}

	desc, err := b.ResolveAccess(ctx, key, storage.AccessHints{})
	if err != nil {
		t.Fatalf("ResolveAccess() error: %v", err)
	}
	defer desc.Close()
	if desc.Kind != storage.AccessStream {
		t.Fatalf("access kind = %v, want stream without public_url", desc.Kind)
	}
	got, _ := io.ReadAll(desc.Stream)
	if !bytes.Equal(got, content) || desc.Size != int64(len(content)) {
		t.Errorf("stream = %q (%d), want %q", got, desc.Size, content)
	}
}

func TestPublicURLRedirect(t *testing.T) {
	srv, _ := newTestServer(t)
	b, err := New(Config{URL: srv.URL, PublicURL: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	key, err := b.Upload(ctx, strings.NewReader("public"), 6, "pub/a b.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	desc, err := b.ResolveAccess(ctx, key, storage.AccessHints{})
	if err != nil {
		t.Fatalf("ResolveAccess() error: %v", err)
	}
	want := srv.URL + "/pub/a%20b.txt"
	if desc.Kind != storage.AccessRedirect || desc.URL != want {
		t.Fatalf("descriptor = %+v, want redirect to %s", desc, want)
	}

	resp, err := http.Get(desc.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "public" {
		t.Errorf("GET public url = %q, want public", body)
	}
}

func TestDeleteAndMissing(t *testing.T) {
	srv, _ := newTestServer(t)
	b, _ := New(Config{URL: srv.URL})
	ctx := context.Background()

	key, err := b.Upload(ctx, strings.NewReader("x"), 1, "x.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := b.Delete(ctx, key); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
	if _, _, err := b.RawRead(ctx, key); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("RawRead(deleted) error = %v, want ErrObjectNotFound", err)
	}
	if _, err := b.Upload(ctx, strings.NewReader("x"), 1, "../x", ""); !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("Upload(../x) error = %v, want ErrInvalidPath", err)
	}
}

// slowWriter flushes every write and then pauses, like a server pacing a
// large download.
type slowWriter struct {
	http.ResponseWriter
	delay time.Duration
}

func (w slowWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
	time.Sleep(w.delay)
	return n, err
}

func TestSlowStreamOutlivesTimeout(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("0123456789abcdef"), 32<<10)
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	dav := &davserver.Handler{FileSystem: davserver.Dir(dir), LockSystem: davserver.NewMemLS()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w = slowWriter{ResponseWriter: w, delay: 40 * time.Millisecond}
		}
		dav.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{URL: srv.URL, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rc, size, err := b.RawRead(context.Background(), "big.bin")
	if err != nil {
		t.Fatalf("RawRead() error: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading a stream slower than the timeout failed: %v", err)
	}
	if size != int64(len(content)) || !bytes.Equal(got, content) {
		t.Errorf("read %d of %d bytes", len(got), len(content))
	}
}

func TestProbe(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	b, _ := New(Config{URL: srv.URL})
	if err := b.Probe(ctx); err != nil {
		t.Errorf("Probe() error: %v", err)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	dead, _ := New(Config{URL: down.URL})
	if err := dead.Probe(ctx); !errors.Is(err, storage.ErrBackendUnavailable) {
		t.Errorf("Probe(closed server) error = %v, want ErrBackendUnavailable", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{URL: "https://dav.example.com/remote.php/dav"}, false},
		{Config{}, true},
		{Config{URL: "dav.example.com"}, true},
		{Config{URL: "https://dav.example.com", PublicURL: "cdn"}, true},
		{Config{URL: "https://dav.example.com", RootPath: "a/../.."}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}

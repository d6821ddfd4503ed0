package hub

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-vit/internal/metrics"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newStore(t *testing.T, files map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	srv, hits := newStore(t, map[string][]byte{
		"/models/vit_tiny.zip": zipBytes(t, map[string]string{"vit_tiny/model.safetensors": "weights"}),
	})
	c := NewClient(t.TempDir())
	var last Progress
	c.Progress = func(p Progress) { last = p }

	missBefore := testutil.ToFloat64(metrics.WeightDownloads.WithLabelValues("miss"))
	hitBefore := testutil.ToFloat64(metrics.WeightDownloads.WithLabelValues("hit"))

	url := srv.URL + "/models/vit_tiny.zip"
	dir, err := c.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if want := filepath.Join(c.CacheDir, "vit_tiny"); dir != want {
		t.Errorf("Fetch returned %q, want %q", dir, want)
	}
	got, err := os.ReadFile(filepath.Join(dir, "vit_tiny", "model.safetensors"))
	if err != nil || string(got) != "weights" {
		t.Errorf("extracted file = %q, %v", got, err)
	}
	if last.Total <= 0 || last.Completed != last.Total {
		t.Errorf("final progress = %+v, want completed == total", last)
	}

	again, err := c.Fetch(context.Background(), url)
	if err != nil || again != dir {
		t.Errorf("second Fetch = %q, %v", again, err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
	if d := testutil.ToFloat64(metrics.WeightDownloads.WithLabelValues("miss")) - missBefore; d != 1 {
		t.Errorf("miss counter delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(metrics.WeightDownloads.WithLabelValues("hit")) - hitBefore; d != 1 {
		t.Errorf("hit counter delta = %v, want 1", d)
	}

	resolved, err := c.Resolve(url)
	if err != nil || resolved != dir {
		t.Errorf("Resolve = %q, %v; want %q", resolved, err, dir)
	}
}

func TestFetchConcurrentCallersShareDownload(t *testing.T) {
	srv, hits := newStore(t, map[string][]byte{"/w.safetensors": bytes.Repeat([]byte{1}, 1<<16)})
	c := NewClient(t.TempDir())

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Fetch(context.Background(), srv.URL+"/w.safetensors")
			if err != nil {
				t.Error(err)
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range paths {
		if p != paths[0] {
			t.Fatalf("callers got different paths: %v", paths)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func TestFetchStatusError(t *testing.T) {
	srv, _ := newStore(t, nil)
	c := NewClient(t.TempDir())

	_, err := c.Fetch(context.Background(), srv.URL+"/missing.zip")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	entries, _ := os.ReadDir(c.CacheDir)
	if len(entries) != 0 {
		t.Errorf("failed download left files behind: %v", entries)
	}
}

func TestFetchCancelled(t *testing.T) {
	srv, _ := newStore(t, map[string][]byte{"/w.bin": []byte("x")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(t.TempDir()).Fetch(ctx, srv.URL+"/w.bin"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResolveNotCached(t *testing.T) {
	c := NewClient(t.TempDir())
	if _, err := c.Resolve("https://example.com/a/vit.zip"); !errors.Is(err, ErrNotCached) {
		t.Errorf("expected ErrNotCached, got %v", err)
	}
	if _, err := c.CachePath("https://example.com/"); err == nil {
		t.Error("expected an error for a URL without a file name")
	}
}

func TestWriteProgress(t *testing.T) {
	var buf bytes.Buffer
	report := WriteProgress(&buf)
	report(Progress{URL: "https://x/vit.zip", Total: 4 << 20, Completed: 2 << 20})
	report(Progress{URL: "https://x/vit.zip", Total: 4 << 20, Completed: 4 << 20})
	out := buf.String()
	if !strings.Contains(out, "vit.zip: 50.0% (2/4 MiB)") || !strings.HasSuffix(out, "100.0% (4/4 MiB)\n") {
		t.Errorf("unexpected progress output %q", out)
	}
}

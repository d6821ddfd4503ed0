// Package hub downloads and caches pretrained checkpoints.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-vit/internal/checkpoint"
	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
)

// StatusError reports a non-2xx response from the weight store.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downloading %s: %s", e.URL, e.Status)
}

var ErrNotCached = errors.New("checkpoint not cached")

// Progress is reported while a download runs and once more on completion.
type Progress struct {
	URL       string
	Total     int64 // -1 when the server sends no length
	Completed int64
}

// Client fetches checkpoints into CacheDir.
type Client struct {
	CacheDir string
	HTTP     *http.Client
	// Progress, if set, receives download progress.
	Progress func(Progress)

	group singleflight.Group
}

func NewClient(cacheDir string) *Client {
	return &Client{CacheDir: cacheDir, HTTP: http.DefaultClient}
}

// CachePath is where Fetch stores the file for rawURL.
func (c *Client) CachePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return filepath.Join(c.CacheDir, base), nil
}

// Fetch returns the local path of the checkpoint at rawURL, downloading it
// on a cache miss. Zip archives are extracted beside the download and the
// extraction directory is returned.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	dst, err := c.CachePath(rawURL)
	if err != nil {
		return "", err
	}
	v, err, _ := c.group.Do(dst, func() (interface{}, error) {
		return c.fetch(ctx, rawURL, dst)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetch(ctx context.Context, rawURL, dst string) (string, error) {
	if fi, err := os.Stat(dst); err == nil {
		logger.Log.Debug("checkpoint cache hit", "path", dst)
		metrics.RecordDownload("hit", 0)
		c.report(Progress{URL: rawURL, Total: fi.Size(), Completed: fi.Size()})
		return c.unpack(dst)
	}

	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return "", err
	}
	start := time.Now()
	n, err := c.download(ctx, rawURL, dst)
	if err != nil {
		metrics.RecordDownload("error", 0)
		return "", err
	}
	metrics.RecordDownload("miss", n)
	logger.Log.Timed("downloaded checkpoint", start, "url", rawURL, "bytes", n)
	return c.unpack(dst)
}

func (c *Client) download(ctx context.Context, rawURL, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	f, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+"-partial-*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	pw := &progressWriter{c: c, p: Progress{URL: rawURL, Total: resp.ContentLength}}
	n, err := io.Copy(io.MultiWriter(f, pw), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return 0, fmt.Errorf("downloading %s: got %d of %d bytes", rawURL, n, resp.ContentLength)
	}
	c.report(pw.p)
	return n, os.Rename(tmp, dst)
}

// unpack extracts zip archives into a sibling directory named after the
// archive, once.
func (c *Client) unpack(file string) (string, error) {
	if !strings.EqualFold(filepath.Ext(file), ".zip") {
		return file, nil
	}
	dir := strings.TrimSuffix(file, filepath.Ext(file))
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir, nil
	}
	tmp, err := os.MkdirTemp(c.CacheDir, filepath.Base(dir)+"-unzip-*")
	if err != nil {
		return "", err
	}
	if err := checkpoint.Unzip(file, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	return dir, nil
}

func (c *Client) report(p Progress) {
	if c.Progress != nil {
		c.Progress(p)
	}
}

type progressWriter struct {
	c    *Client
	p    Progress
	last time.Time
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.p.Completed += int64(len(b))
	if now := time.Now(); now.Sub(w.last) > 200*time.Millisecond {
		w.last = now
		w.c.report(w.p)
	}
	return len(b), nil
}

// Resolve finds an already cached checkpoint for rawURL without touching
// the network.
func (c *Client) Resolve(rawURL string) (string, error) {
	dst, err := c.CachePath(rawURL)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(filepath.Ext(dst), ".zip") {
		dir := strings.TrimSuffix(dst, filepath.Ext(dst))
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, nil
		}
	}
	if _, err := os.Stat(dst); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotCached, dst)
		}
		return "", err
	}
	return c.unpack(dst)
}

// WriteProgress returns a Progress callback printing a single updating
// line to w.
func WriteProgress(w io.Writer) func(Progress) {
	return func(p Progress) {
		name := path.Base(p.URL)
		if p.Total > 0 {
			fmt.Fprintf(w, "\r%s: %.1f%% (%d/%d MiB)", name, 100*float64(p.Completed)/float64(p.Total), p.Completed>>20, p.Total>>20)
			if p.Completed >= p.Total {
				fmt.Fprintln(w)
			}
			return
		}
		fmt.Fprintf(w, "\r%s: %d MiB", name, p.Completed>>20)
	}
}
